package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"lealta/venue-service/internal/app"
	"lealta/venue-service/internal/config"
	"lealta/venue-service/internal/events"
	"lealta/venue-service/internal/httpapi"
	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/scheduler"
	"lealta/venue-service/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "venue-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	log, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		ServiceName: serviceName,
		Development: cfg.LogDevelopment,
		OutputPath:  "stdout",
	})
	if err != nil {
		logger.Fatal("logger init", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, log)

	a, err := app.New(ctx, cfg, log, app.Options{Migrate: true})
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}

	if err := a.Dispatcher.Recover(ctx); err != nil {
		log.Warn("campaign recovery failed", zap.Error(err))
	}

	loc, _ := time.LoadLocation(cfg.DefaultTimezone)
	sched, err := scheduler.New(scheduler.Config{
		SweepAt:          cfg.SweepAtUTC,
		SweepInterval:    cfg.SweepInterval,
		QRPurge:          cfg.QRPurgeEnabled,
		RecoveryInterval: cfg.RecoveryInterval,
		Location:         loc,
	}, a.Reservations, a.Dispatcher, log)
	if err != nil {
		log.Fatal("scheduler config", zap.Error(err))
	}
	go sched.Start(ctx)

	var publisher *events.AMQPPublisher
	if cfg.AMQPURL != "" {
		publisher = events.NewAMQPPublisher(cfg.AMQPURL, events.DefaultExchange, log)
		relay := events.NewRelay(a.Store, publisher, events.RelayConfig{}, log)
		go events.StartRelay(ctx, 2*time.Second, relay)
		go events.NewDeliveryConsumer(cfg.AMQPURL, a.Dispatcher, log).Run(ctx)
	} else {
		log.Info("AMQP_URL not set, outbox relay and delivery consumer disabled")
	}

	handler := httpapi.NewHandler(a.Reservations, a.Dispatcher, log)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		TenantPerMinute: cfg.TenantRateLimitPerMinute,
		TenantBurst:     cfg.TenantRateLimitBurst,
	}, a.Redis, log)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(log)(limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("venue-service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", zap.Error(err))
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("dispatcher shutdown error", zap.Error(err))
	}
	if publisher != nil {
		_ = publisher.Close()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown error", zap.Error(err))
	}
}
