package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rangefeed/internal/feeder"
	"rangefeed/internal/platform/config"
	"rangefeed/internal/platform/logger"
	"rangefeed/internal/platform/metrics"
	"rangefeed/internal/platform/telemetry"
	"rangefeed/internal/player"
	"rangefeed/internal/rangefetch"
	"rangefeed/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	serviceName     = "rangefeed"
	shutdownTimeout = 10 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	shutdownTracing, err := telemetry.Init(context.Background(), serviceName, config.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	client := rangefetch.New(rangefetch.Options{
		Timeout:        config.GetEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		UserAgent:      config.GetEnv("USER_AGENT", ""),
		RateLimit:      rate.Limit(config.GetEnvFloat("FETCH_RATE_LIMIT", 20)),
		RateLimitBurst: config.GetEnvPositiveInt("FETCH_RATE_BURST", 40),
	})

	sessionTTL := config.GetEnvDuration("SESSION_TTL", 24*time.Hour)
	var store session.Store = session.NewInMemoryStore(sessionTTL)
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		rs, err := session.NewRedisStore(context.Background(), redisURL, sessionTTL)
		if err != nil {
			log.Error("redis store unavailable", "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		store = rs
	}
	repo := session.NewRepositoryWithStore(store)

	met := metrics.New()
	hub := session.NewHub(log)
	go hub.Run()

	retry := feeder.DefaultRetryPolicy()
	cfg := session.Config{
		Codec:        config.GetEnv("MEDIA_CODEC", feeder.DefaultCodec),
		SegmentSize:  config.GetEnvInt64("SEGMENT_SIZE", feeder.DefaultSegmentSize),
		CacheSeconds: config.GetEnvFloat("CACHE_SECONDS", feeder.DefaultCacheSeconds),
		Retry: feeder.RetryPolicy{
			MaxAttempts:     uint(config.GetEnvPositiveInt("RETRY_MAX_ATTEMPTS", int(retry.MaxAttempts))),
			InitialInterval: config.GetEnvDuration("RETRY_INITIAL_INTERVAL", retry.InitialInterval),
			MaxInterval:     config.GetEnvDuration("RETRY_MAX_INTERVAL", retry.MaxInterval),
			Multiplier:      retry.Multiplier,
		},
		Player: player.Config{
			Codecs:         []string{config.GetEnv("MEDIA_CODEC", feeder.DefaultCodec)},
			BytesPerSecond: config.GetEnvFloat("PLAYER_BITRATE", player.DefaultBytesPerSecond),
			PrimeBytes:     config.GetEnvInt64("PLAYER_PRIME_BYTES", 0),
			TickInterval:   config.GetEnvDuration("PLAYER_TICK", player.DefaultTickInterval),
		},
		OutputDir: config.GetEnv("OUTPUT_DIR", ""),
	}
	mgr := session.NewManager(cfg, repo,
		func(url string) feeder.Fetcher { return client.Resource(url) },
		log,
		session.WithPublisher(hub),
		session.WithManagerMetrics(met))
	h := session.NewHandler(mgr, hub, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(mgr.ActiveCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"segment_size", cfg.SegmentSize,
		"cache_seconds", cfg.CacheSeconds,
		"redis", config.GetEnv("REDIS_URL", "") != "",
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := mgr.Shutdown(ctx); err != nil {
		log.Error("session shutdown incomplete", "error", err)
	}
	hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Warn("tracing shutdown", "error", err)
	}

	log.Info("server stopped")
}
