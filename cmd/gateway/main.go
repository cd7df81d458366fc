package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lodging/internal/backend"
	"lodging/internal/config"
	"lodging/internal/events"
	"lodging/internal/gateway"
	"lodging/internal/logging"
	"lodging/internal/metrics"
	"lodging/internal/repository"
	"lodging/internal/service"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	clock := clockwork.NewRealClock()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}
	store := initStore(cfg, redisClient, clock, &logger)

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.APIExtra,
		backend.WithHTTPClient(&http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		}}),
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithRetry(backend.RetryPolicy{
			MaxRetries:    cfg.Backend.Retry.MaxRetries,
			InitialDelay:  cfg.Backend.Retry.InitialDelay,
			MaxDelay:      cfg.Backend.Retry.MaxDelay,
			BackoffFactor: cfg.Backend.Retry.BackoffFactor,
		}),
		backend.WithClock(clock),
		backend.WithLogger(&logger),
	)

	bus := events.NewEventBus()
	bus.SubscribeAll(func(event *events.Event) error {
		var payload events.ReservationEventPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}
		logger.Info().
			Str("event", event.Type).
			Str("reservation_id", payload.ReservationID).
			Str("habitation_id", payload.HabitationID).
			Str("origin", payload.Origin).
			Msg("reservation event")
		return nil
	})

	svc := service.NewAvailabilityService(client, store, bus, clock, service.Config{
		PaymentWindow:            cfg.Booking.PaymentWindow,
		PollInterval:             cfg.Booking.PollInterval,
		IndexMaxAge:              cfg.Booking.IndexMaxAge,
		NextAvailableHorizonDays: cfg.Booking.NextAvailableHorizonDays,
		CreateLimit:              cfg.Booking.CreateLimit,
		CreateLimitWindow:        cfg.Booking.CreateLimitWindow,
		SettledRetention:         cfg.Booking.SettledRetention,
	}, &logger)
	if cfg.Booking.CreateLimit > 0 {
		svc.SetRateLimiter(store)
	}
	defer svc.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resumed, err := svc.Resume(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("resume pending reservations")
	} else {
		logger.Info().Int("resumed", resumed).Msg("pending reservations resumed")
	}

	startMetrics(ctx, cfg, &logger)

	srv := gateway.NewServer(cfg.Gateway, svc, cfg.Habitations, clock.Now, &logger)
	return startServer(ctx, srv, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "gateway-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(ctx, redisClient); err != nil {
		// the failover store keeps probing it
		logger.Warn().Err(err).Msg("redis connection failed, starting on the in-memory store")
		return redisClient
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initStore puts redis in front of the in-memory store when redis is configured.
func initStore(cfg *config.Config, redisClient *redis.Client, clock clockwork.Clock, logger *zerolog.Logger) repository.Store {
	memory := repository.NewMemoryReservationStore(clock)
	if redisClient == nil {
		return memory
	}
	primary := repository.NewRedisReservationStore(redisClient, cfg.Booking.ReservationTTL)
	return repository.NewFailoverReservationStore(primary, memory, clock, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServer(ctx context.Context, srv *gateway.Server, cfg *config.Config, logger *zerolog.Logger) error {
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("gateway server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.Gateway.HTTP.Port).Int("habitations", len(cfg.Habitations)).Msg("gateway started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)

	logger.Info().Msg("gateway stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
