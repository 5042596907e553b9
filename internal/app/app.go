// Package app wires storage, the resolver, the reservation service and the
// campaign dispatcher from configuration. The server and the CLI share it.
package app

import (
	"context"
	"fmt"
	"time"

	"lealta/venue-service/internal/businessday"
	"lealta/venue-service/internal/compliance"
	"lealta/venue-service/internal/config"
	"lealta/venue-service/internal/dispatcher"
	"lealta/venue-service/internal/gateway"
	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/migrations"
	"lealta/venue-service/internal/reservations"
	"lealta/venue-service/internal/store"
	"lealta/venue-service/internal/store/memory"
	"lealta/venue-service/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend is everything a storage implementation provides.
type Backend interface {
	store.ReservationStore
	store.SettingsStore
	store.CampaignStore
	store.OutboxStore
}

type App struct {
	Config       config.Config
	Log          *logger.Logger
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Store        Backend
	Resolver     *businessday.Resolver
	Reservations *reservations.Service
	Dispatcher   *dispatcher.Dispatcher
}

type Options struct {
	// Migrate applies embedded migrations after connecting.
	Migrate bool
	// DispatcherOptions are appended after the configured ones.
	DispatcherOptions []dispatcher.Option
}

// New connects to Postgres when DB_DSN is set and falls back to the
// in-memory store otherwise. Redis is optional.
func New(ctx context.Context, cfg config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: log}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		a.Pool = pool
		if opts.Migrate {
			applied, err := migrations.Up(ctx, pool)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			for _, name := range applied {
				log.Info("migration applied", zap.String("version", name))
			}
		}
		a.Store = postgres.NewStore(pool)
	} else {
		log.Warn("DB_DSN not set, using in-memory store")
		a.Store = memory.New()
	}

	rdb, err := config.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Warn("redis unavailable, continuing without it", zap.Error(err))
	}
	a.Redis = rdb

	settings := businessday.NewCachedSettings(a.Store, rdb, cfg.SettingsCacheTTL, log)
	resolver, err := businessday.NewResolver(settings, businessday.Defaults{
		CutoverHour: cfg.DefaultCutoverHour,
		Timezone:    cfg.DefaultTimezone,
	}, businessday.WithLogger(log))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("resolver: %w", err)
	}
	a.Resolver = resolver
	a.Reservations = reservations.NewService(a.Store, settings, resolver, log)

	gw, err := gateway.New(gateway.Config{
		Provider:     cfg.GatewayProvider,
		WebhookURL:   cfg.GatewayWebhookURL,
		WebhookToken: cfg.GatewayWebhookToken,
	}, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("gateway: %w", err)
	}

	window, err := sendWindow(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	locker := dispatcher.NewLocalLocker()
	if rdb != nil {
		locker = dispatcher.NewRedisLocker(rdb, 0)
	}
	dispatcherOpts := append([]dispatcher.Option{
		dispatcher.WithLogger(log),
		dispatcher.WithLocker(locker),
		dispatcher.WithSendWindow(window),
		dispatcher.WithDefaults(dispatcher.Defaults{
			BatchSize:       cfg.CampaignDefaultBatchSize,
			InterBatchDelay: cfg.CampaignDefaultDelay,
			MaxConcurrency:  5,
		}),
	}, opts.DispatcherOptions...)
	a.Dispatcher = dispatcher.New(a.Store, gw, dispatcherOpts...)
	return a, nil
}

func sendWindow(cfg config.Config) (compliance.SendWindow, error) {
	sh, sm, err := config.ParseClock(cfg.SendWindowStart)
	if err != nil {
		return compliance.SendWindow{}, err
	}
	eh, em, err := config.ParseClock(cfg.SendWindowEnd)
	if err != nil {
		return compliance.SendWindow{}, err
	}
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return compliance.SendWindow{}, err
	}
	return compliance.NewSendWindow(sh, sm, eh, em, loc), nil
}

// Shutdown stops campaign loops, then releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Dispatcher != nil {
		err = a.Dispatcher.Shutdown(ctx)
	}
	a.Close()
	return err
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
