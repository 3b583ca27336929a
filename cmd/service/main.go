package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/air-alert-service/internal/advice"
	"github.com/kjstillabower/air-alert-service/internal/cache"
	"github.com/kjstillabower/air-alert-service/internal/client"
	"github.com/kjstillabower/air-alert-service/internal/config"
	httphandler "github.com/kjstillabower/air-alert-service/internal/http"
	"github.com/kjstillabower/air-alert-service/internal/location"
	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/monitor"
	"github.com/kjstillabower/air-alert-service/internal/notify"
	"github.com/kjstillabower/air-alert-service/internal/observability"
	"github.com/kjstillabower/air-alert-service/internal/session"
	"github.com/kjstillabower/air-alert-service/internal/store"
	"github.com/kjstillabower/air-alert-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	aqiClient, err := client.NewWAQIClient(cfg.WAQIToken, cfg.WAQIURL, cfg.WAQITimeout)
	if err != nil {
		logger.Fatal("aqi client", zap.Error(err))
	}
	aqiClient.SetBreaker(cfg.BreakerFailures, cfg.BreakerCooldown)
	logger.Info("aqi client ready",
		zap.Int("breaker_failures", cfg.BreakerFailures),
		zap.Duration("breaker_cooldown", cfg.BreakerCooldown))
	stationSearch := client.NewStationSearch(cfg.WAQIToken, cfg.WAQIURL, cfg.WAQITimeout, logger)

	profiles, err := openProfileStore(cfg.StoreBackend, cfg.SQLitePath)
	if err != nil {
		logger.Fatal("profile store", zap.Error(err))
	}
	logger.Info("store backend ready", zap.String("backend", cfg.StoreBackend))

	var adviceCache cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		adviceCache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		adviceCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}
	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set; advice will use the fallback text")
	}
	advisor := advice.NewAdvisor(
		advice.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiURL, cfg.GeminiModel, cfg.GeminiTimeout),
		adviceCache, cfg.AdviceCacheTTL, logger)

	sinks := notify.Fanout{notify.NewLogSink(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout))
		logger.Info("alert webhook enabled", zap.String("url", cfg.WebhookURL))
	}
	alerts := notify.NewPermissioned(sinks, func(ctx context.Context) (bool, error) {
		return cfg.AlertsEnabled, nil
	})
	if !alerts.RequestPermission(context.Background()) {
		logger.Warn("alerts disabled; monitors will run without notifying")
	}

	tracker := traffic.NewTracker(nil)
	fallback := models.Coordinate{Lat: cfg.FallbackLat, Lng: cfg.FallbackLng}
	sessions := session.NewManager(profiles, func(s *session.Session) session.Runner {
		return monitor.New(monitor.Deps{
			Profile:  s.Profile,
			Resolver: location.NewResolver(s.Position, cfg.GeolocationTimeout, fallback, logger.With(zap.String("session_id", s.ID))),
			Gateway:  aqiClient,
			Sink:     alerts,
			Tracker:  tracker,
		}, cfg.MonitorInterval, logger.With(zap.String("session_id", s.ID), zap.String("user_id", s.UserID)))
	}, logger)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(httphandler.Deps{
		Sessions: sessions,
		Gateway:  aqiClient,
		Search:   stationSearch,
		Advisor:  advisor,
		Tracker:  tracker,
	}, healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Monitors stop first so no tick writes a watermark after the store closes.
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	flushers := []observability.Flusher{
		func(context.Context) error { return profiles.Close() },
	}
	if memcacheCloser != nil {
		flushers = append(flushers, func(context.Context) error { return memcacheCloser.Close() })
	}
	if err := observability.FlushTelemetry(context.Background(), logger, flushers...); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openProfileStore returns the SQLite store for backend "sqlite" and the
// in-memory store otherwise.
func openProfileStore(backend, path string) (store.ProfileStore, error) {
	if backend != "sqlite" {
		return store.NewMemory(), nil
	}
	db, err := store.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	return db, nil
}
