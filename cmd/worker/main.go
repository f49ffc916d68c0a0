package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/botsphere/botsphere/internal/config"
	"github.com/botsphere/botsphere/internal/monitor"
	"github.com/botsphere/botsphere/services"
	"github.com/botsphere/botsphere/workers"
)

func main() {
	log.Println("Starting workers...")

	configPath := os.Getenv("BOTSPHERE_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent period boundaries
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}
	log.Println("  Connected to database successfully")

	var rdb *redis.Client
	if opts, err := redis.ParseURL(config.App.RedisURL); err == nil {
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	} else {
		log.Printf("Invalid REDIS_URL, health probes will report redis critical: %v", err)
	}

	// Initialize workers
	analyticsService := services.NewAnalyticsService(pg)
	aggregatorWorker := workers.NewAggregatorWorker(analyticsService)

	healthMonitor := monitor.New(pg, rdb,
		time.Duration(config.App.Monitor.ProbeTimeoutSecs)*time.Second,
		int64(config.App.Monitor.WarningMs), int64(config.App.Monitor.CriticalMs))
	monitorWorker := workers.NewMonitorWorker(healthMonitor,
		time.Duration(config.App.Monitor.IntervalSeconds)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("Starting aggregator worker...")
		if err := aggregatorWorker.StartAggregatorWorker(); err != nil {
			log.Fatalf("Failed to start aggregator worker: %v", err)
		}
		<-ctx.Done()
		aggregatorWorker.Stop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("Starting health monitor worker...")
		monitorWorker.StartMonitorWorker(ctx)
	}()

	// Wait for interrupt signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Println("Workers started successfully. Press Ctrl+C to stop.")
	<-c

	log.Println("Shutting down workers...")
	cancel()
	wg.Wait()
}
