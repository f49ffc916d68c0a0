package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/botsphere/botsphere/internal/config"
)

// DashboardClaims is what the console's tokens carry. Business-scoped tokens
// hold a business_id; admin tokens carry role=admin and no business scope.
type DashboardClaims struct {
	BusinessID string `json:"business_id,omitempty"`
	Role       string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthMiddleware struct {
	secret []byte
}

func NewAuthMiddleware() *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(config.App.JWTSecret)}
}

// RequireBusiness validates the bearer token and stores the acting business
// id on the context. Every dashboard route goes through here.
func (m *AuthMiddleware) RequireBusiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := m.parseToken(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if claims.BusinessID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "token carries no business scope"})
			c.Abort()
			return
		}
		c.Set("business_id", claims.BusinessID)
		c.Next()
	}
}

// RequireAdmin gates the platform-operator routes.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := m.parseToken(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if claims.Role != "admin" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (m *AuthMiddleware) parseToken(c *gin.Context) (*DashboardClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("Authorization header is required")
	}
	raw := strings.TrimPrefix(authHeader, "Bearer ")
	if raw == authHeader {
		return nil, fmt.Errorf("Authorization header must be a Bearer token")
	}

	claims := &DashboardClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid or expired token")
	}
	return claims, nil
}

// actingBusinessID reads what RequireBusiness stored.
func actingBusinessID(c *gin.Context) string {
	return c.GetString("business_id")
}

// WebhookRateLimiter caps inbound webhook calls per channel per minute with
// a redis counter. On redis failure it lets traffic through; dropping valid
// provider traffic is worse than briefly losing the cap.
type WebhookRateLimiter struct {
	Redis *redis.Client
	Limit int
}

func NewWebhookRateLimiter(rdb *redis.Client, limit int) *WebhookRateLimiter {
	return &WebhookRateLimiter{Redis: rdb, Limit: limit}
}

func (l *WebhookRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.Redis == nil || l.Limit <= 0 {
			c.Next()
			return
		}
		key := fmt.Sprintf("ratelimit:webhook:%s:%s:%s",
			c.Param("provider"), c.Param("channel_id"), time.Now().UTC().Format("200601021504"))

		count, err := l.Redis.Incr(c.Request.Context(), key).Result()
		if err != nil {
			c.Next()
			return
		}
		if count == 1 {
			l.Redis.Expire(c.Request.Context(), key, 2*time.Minute)
		}
		if count > int64(l.Limit) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
