package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/adapters"
	"github.com/fieldops/safesync/internal/audit"
	"github.com/fieldops/safesync/internal/cache"
	"github.com/fieldops/safesync/internal/config"
	"github.com/fieldops/safesync/internal/controlplane"
	"github.com/fieldops/safesync/internal/engine"
	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/failq"
	"github.com/fieldops/safesync/internal/httpx"
	"github.com/fieldops/safesync/internal/tracker"
	"github.com/fieldops/safesync/internal/validate"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "safesync").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if !cfg.StructuredLogging || cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable at startup, continuing in degraded mode")
	}

	client := httpx.New(httpx.Options{
		MaxAttempts:        cfg.MaxAttempts,
		BaseBackoff:        cfg.BaseBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		QueueTimeout:       cfg.QueueTimeout,
		MaxResponseBytes:   cfg.MaxResponseBytes,
		RPSPerHost:         cfg.HTTPRPSPerHost,
		BurstPerHost:       cfg.HTTPBurstPerHost,
		ConcurrencyPerHost: cfg.HTTPConcurrency,
		Timeout:            cfg.HTTPTimeout,
	})

	cm, err := cache.New(cache.Options{
		Namespace:   cfg.CacheNamespace,
		LRUSize:     cfg.CacheLRUSize,
		DefaultTTL:  cfg.CacheTTL,
		FallbackDir: cfg.CacheFallbackDir,
	}, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build cache")
	}

	// Adapters. The ERP is the system of record for most entity types;
	// vehicles come from the fleet service and roles from the directory.
	if cfg.TargetBaseURL == "" {
		log.Fatal().Msg("TARGET_BASE_URL is required")
	}
	target := adapters.NewTarget(client, cfg.TargetBaseURL, cfg.TargetToken)

	sources := make(map[entity.Type]adapters.Source)
	if cfg.ERPDatabaseURL != "" {
		erp, err := adapters.OpenERP(ctx, cfg.ERPDatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot connect to erp database")
		}
		defer erp.Close()
		for _, t := range []entity.Type{
			entity.TypeSite, entity.TypeDepartment, entity.TypeTitle,
			entity.TypeAssetType, entity.TypeEmployee, entity.TypeJob,
		} {
			sources[t] = erp
		}
	} else {
		log.Warn().Msg("ERP_DATABASE_URL not set, erp-backed entity types disabled")
	}
	if cfg.FleetBaseURL != "" {
		sources[entity.TypeVehicle] = adapters.NewFleet(client, cfg.FleetBaseURL, cfg.FleetToken)
	}
	if cfg.DirectoryBaseURL != "" {
		sources[entity.TypeRole] = adapters.NewDirectory(client,
			cfg.DirectoryBaseURL, cfg.DirectoryTenant, cfg.DirectoryClientID, cfg.DirectorySecret)
	}

	trk := tracker.NewTracker(cfg.OutputDir)
	defer trk.Close()
	notifier := tracker.NewNotifier(tracker.NotifierConfig{
		Cooldown:        cfg.NotificationCooldown,
		Recipients:      cfg.NotifyRecipients,
		WebhookURL:      cfg.NotifyWebhookURL,
		SMTPHost:        cfg.SMTPHost,
		SMTPPort:        cfg.SMTPPort,
		SMTPUser:        cfg.SMTPUser,
		SMTPPass:        cfg.SMTPPassword,
		From:            cfg.SMTPFrom,
		SeverityWeights: cfg.SeverityWeights,
	}, client)
	events := tracker.NewEvents(trk, notifier)
	queue := failq.New(rdb, cfg.CacheNamespace)
	auditLog := audit.New(rdb, cfg.CacheNamespace)

	ctrl, err := engine.New(engine.Options{
		Sources:           sources,
		Target:            target,
		Cache:             cm,
		Validate:          validate.New(cfg.EmailDomain),
		Events:            events,
		FailQ:             queue,
		Redis:             rdb,
		Namespace:         cfg.CacheNamespace,
		Interval:          cfg.SyncInterval,
		EntityConcurrency: cfg.EntityConcurrency,
		DeletesEnabled:    cfg.DeletesEnabled,
		CacheTTL:          cfg.CacheTTL,
		PauseDefault:      cfg.PauseDefault,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build sync engine")
	}

	go func() {
		if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("sync engine stopped")
		}
	}()

	// Notification flushes ride their own ticker so alerting latency does
	// not depend on session cadence.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				notifier.Flush(ctx)
			}
		}
	}()

	srv := &controlplane.Server{
		Engine:       ctrl,
		Cache:        cm,
		Client:       client,
		Events:       events,
		FailQ:        queue,
		Audit:        auditLog,
		RetryWorkers: cfg.SyncWorkers,
		Ready: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}
	authCfg := controlplane.AuthConfig{
		HS256Secret: cfg.JWTSecret,
		DevMode:     cfg.DevMode,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(authCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
