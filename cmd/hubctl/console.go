package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/devicehub/hubevents/internal/events"
	"github.com/devicehub/hubevents/internal/model"
)

// Console executes interactive commands against a multiplexer.
type Console struct {
	mx     *events.Multiplexer
	logger *slog.Logger

	outMu sync.Mutex
	out   io.Writer
}

// NewConsole creates a console that prints to out.
func NewConsole(mx *events.Multiplexer, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{mx: mx, out: out, logger: logger}
}

// Run reads commands until the user quits, input ends or ctx is done.
func (c *Console) Run(ctx context.Context, rl *readline.Instance, cancel context.CancelFunc) {
	defer rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			c.printf("Exiting...\n")
			cancel()
			return
		}

		if c.Execute(line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line and reports whether the console should exit.
func (c *Console) Execute(line string) (quit bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "sub", "subscribe":
		c.cmdSubscribe(args)
	case "unsub", "unsubscribe":
		c.cmdUnsubscribe(args)
	case "list", "ls":
		c.cmdList()
	case "state":
		c.cmdState()
	case "connect":
		c.cmdConnect()
	case "quit", "exit", "q":
		c.printf("Exiting...\n")
		return true
	default:
		c.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	c.printf(`
Hub Event Commands:
  sub <id|-> <EVENT,...> [deviceId,...]  - Subscribe; "-" picks a random id
  unsub <id>                             - Cancel a subscription
  list                                   - List subscriptions
  state                                  - Show connection state and counters
  connect                                - Reconnect after giving up
  help                                   - Show this help
  quit                                   - Exit
`)
}

func (c *Console) cmdSubscribe(args []string) {
	if len(args) < 2 {
		c.printf("Usage: sub <id|-> <EVENT,...> [deviceId,...]\n")
		return
	}

	correlationID := args[0]
	if correlationID == "-" {
		correlationID = events.NewCorrelationID()
	}

	eventTypes, err := model.ParseEventTypes(args[1])
	if err != nil {
		c.printf("Error: %v\n", err)
		return
	}

	spec := model.SubscriptionSpec{EventFilter: eventTypes}
	if len(args) > 2 {
		for _, id := range strings.Split(args[2], ",") {
			if id = strings.TrimSpace(id); id != "" {
				spec.DeviceIDFilter = append(spec.DeviceIDFilter, id)
			}
		}
	}
	if err := spec.Validate(); err != nil {
		c.printf("Error: %v\n", err)
		return
	}

	if err := c.mx.Subscribe(spec, correlationID, c.printEvent(correlationID)); err != nil {
		c.printf("Error: %v\n", err)
		return
	}
	c.printf("Subscribed %s (%s)\n", correlationID, c.mx.State())
}

func (c *Console) cmdUnsubscribe(args []string) {
	if len(args) != 1 {
		c.printf("Usage: unsub <id>\n")
		return
	}
	if err := c.mx.Unsubscribe(args[0]); err != nil {
		c.printf("Error: %v\n", err)
		return
	}
	c.printf("Unsubscribed %s\n", args[0])
}

func (c *Console) cmdList() {
	subs := c.mx.Subscriptions()
	if len(subs) == 0 {
		c.printf("No subscriptions\n")
		return
	}

	c.printf("%-38s %-38s %s\n", "CORRELATION ID", "SUBSCRIPTION ID", "LISTENING")
	for _, s := range subs {
		subID := s.SubscriptionID
		if subID == "" {
			subID = "-"
		}
		c.printf("%-38s %-38s %v\n", s.CorrelationID, subID, s.ListenerEnabled)
	}
}

func (c *Console) cmdState() {
	stats := c.mx.Stats()
	c.printf("State:         %s\n", stats.State)
	c.printf("Subscriptions: %d (queued %d)\n", stats.Subscriptions, stats.Queued)
	c.printf("Reconnects:    %d (gave up: %v)\n", stats.ReconnectAttempts, stats.GaveUp)
	c.printf("Events:        %d delivered, %d muted\n", stats.EventsDelivered, stats.EventsSuppressed)
	c.printf("Errors:        %d error frames, %d dropped frames\n", stats.ErrorFrames, stats.DroppedFrames)
}

func (c *Console) cmdConnect() {
	if err := c.mx.Connect(); err != nil {
		c.printf("Error: %v\n", err)
		return
	}
	c.printf("Connecting (%s)\n", c.mx.State())
}

// printEvent returns a listener that prints payloads as JSON.
func (c *Console) printEvent(correlationID string) events.Listener {
	return func(payload events.EventPayload) {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Warn("unprintable event", "correlation_id", correlationID, "error", err)
			return
		}
		c.printf("[%s] %s\n", correlationID, data)
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
