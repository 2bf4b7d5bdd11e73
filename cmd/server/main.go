// Package main is the entrypoint for the KOA RTI ingest API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/alert"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/api"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/api/handler"
	mw "github.com/KeckObservatoryArchive/wmko-rti-interface/internal/api/middleware"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/api/response"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/cache"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/config"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/ingest"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/mail"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/metrics"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/notify"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/schedule"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/store"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/validate"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open databases; the dev database is optional
	prodStore, closeProd, err := store.Open(ctx, cfg.Database, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer closeProd()
	slog.Info("database connected")

	var devStore store.Store
	if cfg.Database.DevURL != "" {
		s, closeDev, err := store.Open(ctx, cfg.Database, cfg.Database.DevURL)
		if err != nil {
			return fmt.Errorf("connect dev database: %w", err)
		}
		defer closeDev()
		devStore = s
		slog.Info("dev database connected")
	}

	// 3. Redis is optional; without it rate limiting and cross-replica alert
	// claims are off
	var (
		sharedCache cache.Cache
		alertOpts   []alert.Option
	)
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		sharedCache = redisCache
		alertOpts = append(alertOpts, alert.WithClaimer(redisCache))
	}

	// 4. Collaborators
	m := metrics.New()
	lookup := schedule.NewHTTPClient(cfg.Lookup.TelSchedURL, cfg.Lookup.ProposalsURL, cfg.Lookup.Timeout, m)
	sender := mail.NewSMTPSender(cfg.Mail.SMTPAddr)
	alertOpts = append(alertOpts, alert.WithMetrics(m))
	limiter := alert.NewLimiter(sender, cfg.Mail.From, cfg.Mail.AdminEmail, cfg.Alert.Cooldown, alertOpts...)

	w := wiring{cfg: cfg, lookup: lookup, sender: sender, alerter: limiter, metrics: m}

	// 5. Ingest services, one per database
	prod := w.service(prodStore)
	var dev handler.Ingester
	if devStore != nil {
		dev = w.service(devStore)
	}

	// 6. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(sharedCache, cfg.Server.RequestsPerMinute),

		HealthHandler:  healthHandler(prodStore, sharedCache),
		IngestHandler:  handler.NewIngestHandler(validate.NewValidator(cfg.Vocabulary), prod, dev),
		MetricsHandler: m.Handler(),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// wiring holds the collaborators shared by the prod and dev ingest services.
type wiring struct {
	cfg     *config.Config
	lookup  schedule.Client
	sender  mail.Sender
	alerter ingest.Alerter
	metrics *metrics.Metrics
}

func (w wiring) service(st store.Store) *ingest.Service {
	dedup := notify.NewDeduplicator(st, w.lookup, w.sender, w.cfg.Vocabulary.Notify, notify.Addresses{
		From:  w.cfg.Mail.From,
		Admin: w.cfg.Mail.AdminEmail,
		Dev:   w.cfg.Mail.DevEmail,
	}, notify.WithMetrics(w.metrics))
	return ingest.NewService(st, w.cfg.Vocabulary, dedup, w.alerter, ingest.WithMetrics(w.metrics))
}

// healthHandler checks database and cache connectivity. A nil cache is
// reported as disabled.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] == "degraded" || checks["cache"] == "degraded"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
