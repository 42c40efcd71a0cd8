package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/devicehub/hubevents/internal/codec"
	"github.com/devicehub/hubevents/internal/config"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrQueueFull          = errors.New("outbound queue full")
	ErrStopped            = errors.New("multiplexer stopped")
	ErrAlreadyStarted     = errors.New("multiplexer already started")
	ErrNotStarted         = errors.New("multiplexer not started")
	ErrEmptyCorrelationID = errors.New("correlation id is required")
	ErrNilListener        = errors.New("listener is required")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// FrameError is reported through OnError when the hub sends a frame with a
// non-zero code.
type FrameError struct {
	Code          int64
	CorrelationID string // Empty when the frame carried none
}

func (e *FrameError) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("hub error frame (code %d)", e.Code)
	}
	return fmt.Sprintf("hub error frame (code %d) for %s", e.Code, e.CorrelationID)
}

// SubscriptionError is reported through OnError when the hub acknowledges a
// createSubscription request with a status other than OK.
type SubscriptionError struct {
	CorrelationID string
	Code          string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s rejected: %s", e.CorrelationID, e.Code)
}

// EventPayload is an event frame's result with the routing fields removed.
type EventPayload map[string]any

// Listener receives event payloads for one subscription. Listeners are called
// from the connection's read goroutine, one frame at a time, and must not
// block. They may call Subscribe and Unsubscribe.
type Listener func(payload EventPayload)

// State is the multiplexer's connection state.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Multiplexer.
type Config struct {
	Path                 string        // Gateway path of the events endpoint
	ListenDelay          time.Duration // Passed to Socket.Connect
	ListenerEnableDelay  time.Duration // Mute window after each (re)subscribe
	ReconnectDelay       time.Duration // Wait before the first reconnect
	ReconnectMaxDelay    time.Duration // Backoff cap; equal to ReconnectDelay for a fixed delay
	MaxReconnectAttempts int           // Consecutive reconnects before giving up
	QueueSize            int           // Max subscribe intents queued while not open
	Codec                codec.Codec   // Frame encoding (nil = JSON)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:                 config.DefaultEventsPath,
		ListenerEnableDelay:  config.DefaultListenerEnableDelay,
		ReconnectDelay:       config.DefaultReconnectDelay,
		ReconnectMaxDelay:    config.DefaultReconnectDelay,
		MaxReconnectAttempts: config.DefaultMaxReconnectAttempts,
		QueueSize:            config.DefaultQueueSize,
		Codec:                codec.JSON{},
	}
}

// ConfigFrom builds a Config from the loaded configuration.
func ConfigFrom(gw config.GatewayConfig, ev config.EventsConfig) (Config, error) {
	c, err := codec.ByName(ev.Encoding)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Path:                 gw.EventsPath,
		ListenDelay:          ev.ListenDelay,
		ListenerEnableDelay:  ev.ListenerEnableDelay,
		ReconnectDelay:       ev.ReconnectDelay,
		ReconnectMaxDelay:    ev.ReconnectMaxDelay,
		MaxReconnectAttempts: ev.MaxReconnectAttempts,
		QueueSize:            ev.QueueSize,
		Codec:                c,
	}, nil
}

// SubscriptionInfo describes one registered subscription.
type SubscriptionInfo struct {
	CorrelationID   string `json:"correlation_id"`
	SubscriptionID  string `json:"subscription_id,omitempty"`
	ListenerEnabled bool   `json:"listener_enabled"`
}

// Stats provides statistics about the multiplexer.
type Stats struct {
	State             string `json:"state"`
	Subscriptions     int    `json:"subscriptions"`
	Queued            int    `json:"queued"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	GaveUp            bool   `json:"gave_up"`
	EventsDelivered   int64  `json:"events_delivered"`
	EventsSuppressed  int64  `json:"events_suppressed"`
	ErrorFrames       int64  `json:"error_frames"`
	DroppedFrames     int64  `json:"dropped_frames"`
}
