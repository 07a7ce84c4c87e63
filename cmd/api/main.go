package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"feedbackhub/api/internal/app"
	"feedbackhub/api/internal/billing"
	"feedbackhub/api/internal/config"
	"feedbackhub/api/internal/email"
	"feedbackhub/api/internal/ratelimit"
	"feedbackhub/api/internal/session"
	"feedbackhub/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	// Vote and comment counters live in redis when the API runs as
	// multiple replicas, otherwise in process memory.
	var limiter ratelimit.CounterStore
	if cfg.SharedRateLimit {
		log.Printf("Using Redis for rate-limit counters")
		redisLimiter, err := ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis rate limiter failed: %v", err)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
	} else {
		memory := ratelimit.NewMemoryStore()
		memory.StartSweeper(ctx, 5*time.Minute)
		limiter = memory
	}

	service := app.New(cfg, dataStore, sessions, limiter)

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mail.IsConfigured() {
		service.UseNotifier(mail)
	} else {
		log.Printf("Owner notifications disabled, SMTP not configured")
	}

	var billingService *billing.Service
	if strings.TrimSpace(cfg.BillingWebhookSecret) != "" {
		billingService = billing.New(dataStore, cfg.BillingWebhookSecret, cfg.BillingPricePro, cfg.BillingPriceBusiness)
	} else {
		log.Printf("Billing webhook disabled, BILLING_WEBHOOK_SECRET not set")
	}

	httpServer := app.NewHTTPServer(service, billingService, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("FeedbackHub API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
