package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`
	PublicURL   string `mapstructure:"public_url"`

	// Dashboard auth (token verification only; issuance lives elsewhere)
	JWTSecret string `mapstructure:"jwt_secret"`

	// Reply generation agent
	Agent AgentConfig `mapstructure:"agent"`

	// Channel providers
	Meta     MetaConfig     `mapstructure:"meta"`
	Telegram TelegramConfig `mapstructure:"telegram"`

	// Background jobs
	Monitor MonitorConfig `mapstructure:"monitor"`

	// Webhook ingestion
	WebhookRateLimit int `mapstructure:"webhook_rate_limit"` // requests/minute per channel, 0 = off
}

// AgentConfig points at the external reply-generation service.
type AgentConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ContextWindow  int    `mapstructure:"context_window"` // recent turns sent as context
}

// MetaConfig covers the Graph API side (WhatsApp, Facebook, Instagram).
type MetaConfig struct {
	GraphAPIBaseURL string `mapstructure:"graph_api_base_url"`
	APIVersion      string `mapstructure:"api_version"`
	SendTimeoutSecs int    `mapstructure:"send_timeout_seconds"`
}

type TelegramConfig struct {
	APIBaseURL      string `mapstructure:"api_base_url"`
	SendTimeoutSecs int    `mapstructure:"send_timeout_seconds"`
}

// MonitorConfig holds health probe thresholds.
type MonitorConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	ProbeTimeoutSecs int `mapstructure:"probe_timeout_seconds"`
	WarningMs        int `mapstructure:"warning_ms"`  // latency above this = warning
	CriticalMs       int `mapstructure:"critical_ms"` // latency above this = critical
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so 'go run' works without exporting vars
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Set default values
	v.SetDefault("port", "8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("agent.url", "http://localhost:8000")
	v.SetDefault("agent.timeout_seconds", 20)
	v.SetDefault("agent.context_window", 10)
	v.SetDefault("meta.graph_api_base_url", "https://graph.facebook.com")
	v.SetDefault("meta.api_version", "v19.0")
	v.SetDefault("meta.send_timeout_seconds", 10)
	v.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("telegram.send_timeout_seconds", 10)
	v.SetDefault("monitor.interval_seconds", 60)
	v.SetDefault("monitor.probe_timeout_seconds", 5)
	v.SetDefault("monitor.warning_ms", 500)
	v.SetDefault("monitor.critical_ms", 2000)
	v.SetDefault("webhook_rate_limit", 300)

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("botsphere")

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("public_url", "PUBLIC_URL")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("agent.url", "AGENT_URL")
	_ = v.BindEnv("agent.timeout_seconds", "AGENT_TIMEOUT_SECONDS")
	_ = v.BindEnv("meta.graph_api_base_url", "META_GRAPH_API_BASE_URL")
	_ = v.BindEnv("meta.api_version", "META_API_VERSION")
	_ = v.BindEnv("telegram.api_base_url", "TELEGRAM_API_BASE_URL")
	_ = v.BindEnv("monitor.interval_seconds", "MONITOR_INTERVAL_SECONDS")
	_ = v.BindEnv("webhook_rate_limit", "WEBHOOK_RATE_LIMIT")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// Backfill environment variables for code that still reads os.Getenv()
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)
	setEnvIfEmpty("JWT_SECRET", App.JWTSecret)
	setEnvIfEmpty("AGENT_URL", App.Agent.URL)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
