// hubctl is an interactive console for the hub event stream. It shares the
// hubevents configuration file and prints every received event.
//
// Usage: go run ./cmd/hubctl --config configs/hubevents.example.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chzyer/readline"

	"github.com/devicehub/hubevents/internal/auth"
	"github.com/devicehub/hubevents/internal/config"
	"github.com/devicehub/hubevents/internal/connection"
	"github.com/devicehub/hubevents/internal/events"
	"github.com/devicehub/hubevents/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/hubevents.example.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hub> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create readline: %v\n", err)
		os.Exit(1)
	}

	// Logs go through readline so they do not clobber the prompt
	logger := newConsoleLogger(rl, cfg.Log.Level)
	slog.SetDefault(logger)

	logger.Info("starting hubctl", "version", version.String(), "gateway", cfg.Gateway.Address)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mx, err := newMultiplexer(cfg, logger)
	if err != nil {
		rl.Close()
		logger.Error("failed to set up", "error", err)
		os.Exit(1)
	}

	console := NewConsole(mx, rl.Stdout(), logger)

	for _, sc := range cfg.Subscriptions {
		spec, err := sc.Spec()
		if err != nil {
			logger.Warn("skipping subscription", "correlation_id", sc.CorrelationID, "error", err)
			continue
		}
		if err := mx.Subscribe(spec, sc.CorrelationID, console.printEvent(sc.CorrelationID)); err != nil {
			logger.Warn("subscribe failed", "correlation_id", sc.CorrelationID, "error", err)
		}
	}

	if err := mx.Start(ctx); err != nil {
		rl.Close()
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer mx.Stop()

	console.Run(ctx, rl, cancel)
}

// newMultiplexer builds the token provider, socket factory and multiplexer.
func newMultiplexer(cfg *config.Config, logger *slog.Logger) (*events.Multiplexer, error) {
	tokens, err := auth.NewProvider(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("token provider: %w", err)
	}

	evCfg, err := events.ConfigFrom(cfg.Gateway, cfg.Events)
	if err != nil {
		return nil, err
	}

	sc := connection.DefaultSocketConfig()
	sc.Audience = cfg.Gateway.Audience
	sc.Tokens = tokens
	sc.Codec = evCfg.Codec
	sc.HandshakeTimeout = cfg.Connections.HandshakeTimeout
	sc.WriteTimeout = cfg.Connections.WriteTimeout
	sc.PingInterval = cfg.Connections.PingInterval
	sc.PingTimeout = cfg.Connections.PingTimeout

	factory := connection.NewSocketFactory(cfg.Gateway.Address, sc, logger)

	mx := events.New(evCfg, factory, logger)
	mx.OnOpen(func() { logger.Info("connected") })
	mx.OnClose(func(err error) { logger.Info("disconnected", "error", err) })
	mx.OnError(func(err error) { logger.Warn("hub error", "error", err) })
	mx.OnGiveUp(func(attempts int) {
		logger.Error("gave up reconnecting, type 'connect' to retry", "attempts", attempts)
	})
	return mx, nil
}

// newConsoleLogger renders slog records with charmbracelet/log on the
// readline stderr.
func newConsoleLogger(rl *readline.Instance, level string) *slog.Logger {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	handler := log.NewWithOptions(rl.Stderr(), log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "hubctl",
	})
	return slog.New(handler)
}
