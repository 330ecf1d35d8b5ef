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

	"github.com/wolfeidau/tiered-cache/config"
	"github.com/wolfeidau/tiered-cache/promote"
	"github.com/wolfeidau/tiered-cache/server"
	"github.com/wolfeidau/tiered-cache/store/l2"
	"github.com/wolfeidau/tiered-cache/store/outbox"
	"github.com/wolfeidau/tiered-cache/store/poller"
	"github.com/wolfeidau/tiered-cache/store/vcache"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

// ServeCmd runs the HTTP server, the outbox poller and the promoter.
type ServeCmd struct {
	Listen       string `help:"Address to listen on." env:"TIERED_CACHE_LISTEN"`
	AuthToken    string `help:"Bearer token required on /v1 routes." env:"TIERED_CACHE_AUTH_TOKEN"`
	Dimension    int    `help:"Vector dimension." env:"TIERED_CACHE_DIMENSION"`
	MaxSize      int    `help:"Maximum L1 entries." env:"TIERED_CACHE_MAX_SIZE"`
	OutboxPath   string `help:"Path to the outbox database." env:"TIERED_CACHE_OUTBOX_PATH"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"TIERED_CACHE_OTLP_ENDPOINT"`
}

func (c *ServeCmd) apply(cfg *config.Config) error {
	if c.Listen != "" {
		cfg.Server.Listen = c.Listen
	}
	if c.AuthToken != "" {
		cfg.Server.AuthToken = c.AuthToken
	}
	if c.Dimension != 0 {
		cfg.Cache.Dimension = c.Dimension
	}
	if c.MaxSize != 0 {
		cfg.Cache.MaxSize = c.MaxSize
	}
	if c.OutboxPath != "" {
		cfg.Outbox.Path = c.OutboxPath
	}
	if c.OTLPEndpoint != "" {
		cfg.Metrics.OTLPEndpoint = c.OTLPEndpoint
	}
	return cfg.Validate()
}

// components is everything serve builds from the configuration.
type components struct {
	cache    *vcache.Locked
	outbox   *outbox.Outbox
	l2       *l2.Store
	poller   *poller.Poller
	promoter *promote.Promoter
}

func (c *components) Close() error {
	c.l2.Close()
	return c.outbox.Close()
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	cache, err := vcache.New(vcache.Config{
		Dimension:            cfg.Cache.Dimension,
		MaxSize:              cfg.Cache.MaxSize,
		PromotionThreshold:   cfg.Cache.PromotionThreshold,
		PromotionRequeueStep: cfg.Cache.PromotionRequeueStep,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	ob, err := openOutbox(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := l2.New(ob.DB(), l2.WithLogger(logger))
	if err != nil {
		_ = ob.Close()
		return nil, fmt.Errorf("creating l2 store: %w", err)
	}

	router := poller.NewRouter()
	if err := promote.Register(router, store); err != nil {
		store.Close()
		_ = ob.Close()
		return nil, fmt.Errorf("registering handlers: %w", err)
	}

	p := poller.New(ob, router.Handle,
		poller.Config{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
		},
		poller.WithLogger(logger),
		poller.WithMetrics(telemetry.Meter()),
		poller.WithDLQHandler(func(_ context.Context, entry *outbox.Entry) {
			attrs := []any{"id", entry.ID, "attempts", entry.Attempts}
			if f := entry.LastFailure(); f != nil {
				attrs = append(attrs, "reason", f.Reason)
			}
			logger.Error("outbox entry dead-lettered", attrs...)
		}),
	)

	locked := vcache.NewLocked(cache)
	promoter := promote.New(locked, ob,
		promote.Config{Interval: cfg.Cache.PromotionInterval},
		promote.WithLogger(logger),
	)

	return &components{
		cache:    locked,
		outbox:   ob,
		l2:       store,
		poller:   p,
		promoter: promoter,
	}, nil
}

func openOutbox(cfg *config.Config, logger *slog.Logger) (*outbox.Outbox, error) {
	ob, err := outbox.Open(cfg.Outbox.Path,
		outbox.WithLogger(logger),
		outbox.WithRetryLimit(cfg.Outbox.RetryLimit),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithVisibilityTimeout(cfg.Outbox.VisibilityTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}
	return ob, nil
}

// Run starts the service and blocks until a signal or a server error.
func (c *ServeCmd) Run(rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger
	if err := c.apply(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "tiered-cache",
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	comp, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comp.Close(); err != nil {
			logger.Warn("closing outbox failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:      cfg.Server.Listen,
		AuthToken:    cfg.Server.AuthToken,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Cache:        comp.cache,
		Outbox:       comp.outbox,
		L2:           comp.l2,
		Poller:       comp.poller,
		Promoter:     comp.promoter,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Workers stop through Shutdown, not the signal, so the promoter's final
	// drain still reaches the outbox.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"dimension", cfg.Cache.Dimension,
		"outbox", cfg.Outbox.Path,
		"pid", os.Getpid(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx))
}
