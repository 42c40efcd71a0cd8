// hubevents keeps a set of device event subscriptions alive against the hub,
// optionally recording every event to PostgreSQL, and serves health and debug
// endpoints.
//
// Usage: go run ./cmd/hubevents --config configs/hubevents.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devicehub/hubevents/internal/auth"
	"github.com/devicehub/hubevents/internal/codec"
	"github.com/devicehub/hubevents/internal/config"
	"github.com/devicehub/hubevents/internal/connection"
	"github.com/devicehub/hubevents/internal/database"
	"github.com/devicehub/hubevents/internal/events"
	"github.com/devicehub/hubevents/internal/recorder"
	"github.com/devicehub/hubevents/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/hubevents.example.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting hubevents",
		"version", version.String(),
		"config", *configPath,
		"gateway", cfg.Gateway.Address,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("hubevents failed", "error", err)
		os.Exit(1)
	}

	logger.Info("hubevents stopped")
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tokens, err := auth.NewProvider(cfg.Auth, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("token provider: %w", err)
	}

	evCfg, err := events.ConfigFrom(cfg.Gateway, cfg.Events)
	if err != nil {
		return fmt.Errorf("events config: %w", err)
	}

	factory := connection.NewSocketFactory(
		cfg.Gateway.Address,
		socketConfig(cfg, tokens, evCfg.Codec),
		logger.With("component", "socket"),
	)

	// Optional event recorder
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)

		db, err := database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()

		rec = recorder.New(recorder.ConfigFrom(cfg.Recorder), db, logger.With("component", "recorder"))
		if err := rec.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := rec.Start(ctx); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := rec.Stop(stopCtx); err != nil {
				logger.Warn("recorder stop", "error", err)
			}
		}()
	}

	// Event multiplexer
	mx := events.New(evCfg, factory, logger.With("component", "events"))
	mx.OnOpen(func() {
		logger.Info("event stream open", "subscriptions", len(mx.Subscriptions()))
	})
	mx.OnClose(func(err error) {
		logger.Info("event stream closed", "error", err)
	})
	mx.OnError(func(err error) {
		logger.Warn("event stream error", "error", err)
	})
	mx.OnGiveUp(func(attempts int) {
		logger.Error("event stream gave up reconnecting", "attempts", attempts)
	})

	for _, sc := range cfg.Subscriptions {
		spec, err := sc.Spec()
		if err != nil {
			return fmt.Errorf("subscription %s: %w", sc.CorrelationID, err)
		}
		if err := mx.Subscribe(spec, sc.CorrelationID, subscriptionListener(sc, rec, logger)); err != nil {
			return fmt.Errorf("subscribe %s: %w", sc.CorrelationID, err)
		}
	}

	if err := mx.Start(ctx); err != nil {
		return fmt.Errorf("start multiplexer: %w", err)
	}
	defer mx.Stop()

	// Raw per-device streams
	pool := connection.NewPool(connection.PoolConfig{
		ReconnectDelay:       cfg.Events.ReconnectDelay,
		MaxReconnectAttempts: cfg.Events.MaxReconnectAttempts,
	}, factory, logger.With("component", "pool"))
	defer pool.Close()

	for _, sc := range cfg.Streams {
		if err := pool.AddClient(streamSpec(sc, logger)); err != nil {
			return fmt.Errorf("add stream %s: %w", sc.Name, err)
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           newRouter(mx, pool, rec, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("hubevents running",
		"subscriptions", len(cfg.Subscriptions),
		"streams", len(cfg.Streams),
		"recorder", rec != nil,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.HTTP.Port),
	)

	return g.Wait()
}

// socketConfig maps the connection settings onto a socket template.
func socketConfig(cfg *config.Config, tokens auth.TokenProvider, c codec.Codec) connection.SocketConfig {
	sc := connection.DefaultSocketConfig()
	sc.Audience = cfg.Gateway.Audience
	sc.Tokens = tokens
	sc.Codec = c
	sc.HandshakeTimeout = cfg.Connections.HandshakeTimeout
	sc.WriteTimeout = cfg.Connections.WriteTimeout
	sc.PingInterval = cfg.Connections.PingInterval
	sc.PingTimeout = cfg.Connections.PingTimeout
	return sc
}

// subscriptionListener records events when asked to and a recorder is
// running, and logs them otherwise.
func subscriptionListener(sc config.SubscriptionConfig, rec *recorder.Recorder, logger *slog.Logger) events.Listener {
	if sc.Record {
		if rec != nil {
			return rec.Listener(sc.CorrelationID)
		}
		logger.Warn("recorder disabled, logging events instead", "correlation_id", sc.CorrelationID)
	}

	log := logger.With("correlation_id", sc.CorrelationID)
	return func(payload events.EventPayload) {
		log.Info("event", "payload", payload)
	}
}

// streamSpec builds a pool client that logs every frame it receives.
func streamSpec(sc config.StreamConfig, logger *slog.Logger) connection.ClientSpec {
	log := logger.With("stream", sc.Name)
	return connection.ClientSpec{
		Name:         sc.Name,
		Path:         sc.Path,
		DelayMessage: sc.DelayMessage,
		SendRate:     sc.SendRate,
		SendBurst:    sc.SendBurst,
		Listener: func(data []byte) {
			log.Debug("stream frame", "bytes", len(data))
		},
		OnOpen: func() {
			log.Info("stream open")
		},
		OnError: func(err error) {
			log.Warn("stream error", "error", err)
		},
	}
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
