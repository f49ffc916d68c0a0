package router

import (
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/botsphere/botsphere/channels"
	"github.com/botsphere/botsphere/handlers"
	"github.com/botsphere/botsphere/internal/config"
	"github.com/botsphere/botsphere/internal/monitor"
	"github.com/botsphere/botsphere/services"
)

func NewGinRouter(pg *sql.DB, rdb *redis.Client) *gin.Engine {
	r := gin.Default()

	// CORS for the dashboard front-end
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize services
	conversationService := services.NewConversationService(pg, rdb)
	routingService := services.NewRoutingService(pg)
	botService := services.NewBotService(pg)
	businessService := services.NewBusinessService(pg)
	analyticsService := services.NewAnalyticsService(pg)
	dashboardService := services.NewDashboardService(pg)

	agentClient := services.NewAgentClient(config.App.Agent.URL,
		time.Duration(config.App.Agent.TimeoutSeconds)*time.Second)

	metaTimeout := time.Duration(config.App.Meta.SendTimeoutSecs) * time.Second
	registry := channels.NewRegistry(
		channels.NewWhatsAppAdapter(config.App.Meta.GraphAPIBaseURL, config.App.Meta.APIVersion, metaTimeout),
		channels.NewFacebookAdapter(config.App.Meta.GraphAPIBaseURL, config.App.Meta.APIVersion, metaTimeout),
		channels.NewInstagramAdapter(config.App.Meta.GraphAPIBaseURL, config.App.Meta.APIVersion, metaTimeout),
		channels.NewTelegramAdapter(config.App.Telegram.APIBaseURL,
			time.Duration(config.App.Telegram.SendTimeoutSecs)*time.Second),
	)

	dispatchService := services.NewDispatchService(conversationService, registry, agentClient)
	dispatchService.ReplyTimeout = time.Duration(config.App.Agent.TimeoutSeconds) * time.Second
	if config.App.Agent.ContextWindow > 0 {
		dispatchService.ContextWindow = config.App.Agent.ContextWindow
	}

	healthMonitor := monitor.New(pg, rdb,
		time.Duration(config.App.Monitor.ProbeTimeoutSecs)*time.Second,
		int64(config.App.Monitor.WarningMs), int64(config.App.Monitor.CriticalMs))

	// Initialize handlers
	webhookHandler := handlers.NewWebhookHandler(registry, routingService, conversationService, dispatchService)
	conversationHandler := handlers.NewConversationHandler(conversationService)
	botHandler := handlers.NewBotHandler(botService)
	businessHandler := handlers.NewBusinessHandler(businessService)
	dashboardHandler := handlers.NewDashboardHandler(dashboardService, analyticsService)
	adminHandler := handlers.NewAdminHandler(businessService, analyticsService)
	healthHandler := monitor.NewHealthHandler(healthMonitor)

	auth := handlers.NewAuthMiddleware()
	rateLimiter := handlers.NewWebhookRateLimiter(rdb, config.App.WebhookRateLimit)

	// Provider webhooks (unauthenticated, provider handshake only)
	webhookRoutes := r.Group("/webhook", rateLimiter.Middleware())
	{
		webhookRoutes.GET("/:provider/:channel_id", webhookHandler.VerifyWebhook)
		webhookRoutes.POST("/:provider/:channel_id", webhookHandler.ReceiveWebhook)
	}

	// Dashboard API (business-scoped tokens)
	api := r.Group("/api", auth.RequireBusiness())
	{
		conversationRoutes := api.Group("/conversations")
		{
			conversationRoutes.GET("", conversationHandler.ListConversations)
			conversationRoutes.GET("/:id/messages", conversationHandler.GetMessages)
			conversationRoutes.POST("/:id/read", conversationHandler.MarkRead)
			conversationRoutes.POST("/:id/archive", conversationHandler.ArchiveConversation)
		}

		botRoutes := api.Group("/bots")
		{
			botRoutes.GET("", botHandler.ListBots)
			botRoutes.POST("", botHandler.CreateBot)
			botRoutes.GET("/:id", botHandler.GetBot)
			botRoutes.PUT("/:id", botHandler.UpdateBot)
			botRoutes.DELETE("/:id", botHandler.DeleteBot)
			botRoutes.POST("/:id/activate", botHandler.ActivateBot)
		}

		businessRoutes := api.Group("/business")
		{
			businessRoutes.GET("", businessHandler.GetBusiness)
			businessRoutes.PUT("/settings", businessHandler.UpdateSettings)
			businessRoutes.GET("/integrations", businessHandler.ListIntegrations)
			businessRoutes.POST("/integrations/:id/disconnect", businessHandler.DisconnectIntegration)
		}

		dashboardRoutes := api.Group("/dashboard")
		{
			dashboardRoutes.GET("/stats", dashboardHandler.GetStats)
			dashboardRoutes.GET("/activity", dashboardHandler.GetActivity)
			dashboardRoutes.GET("/analytics", dashboardHandler.ListSnapshots)
		}
	}

	// Platform operator API (admin tokens)
	admin := r.Group("/api/admin", auth.RequireAdmin())
	{
		admin.GET("/businesses", adminHandler.ListBusinesses)
		admin.POST("/businesses/:id/status", adminHandler.SetBusinessStatus)
		admin.GET("/analytics", adminHandler.ListGlobalSnapshots)
		admin.GET("/health", healthHandler.GetHealth)
		admin.GET("/health/detailed", healthHandler.GetHealthDetailed)
		admin.GET("/health/latest", healthHandler.GetLatestReport)
	}

	return r
}
