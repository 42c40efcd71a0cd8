package connection

import (
	"errors"
	"time"

	"github.com/devicehub/hubevents/internal/auth"
	"github.com/devicehub/hubevents/internal/codec"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrInvalidGateway   = errors.New("invalid gateway address")
	ErrUnknownClient    = errors.New("unknown client")
	ErrClosed           = errors.New("pool closed")
)

// State is the lifecycle state of a Socket.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Handlers receives socket lifecycle events. Any field may be nil.
//
// OnClose is called exactly once per Connect, after the socket has returned
// to StateDisconnected. err is nil when the close was requested through
// Disconnect.
type Handlers struct {
	OnOpen    func()
	OnClose   func(err error)
	OnError   func(err error)
	OnMessage func(data []byte)
}

// Socket is a single WebSocket connection to one URL.
type Socket interface {
	// Connect starts dialing and returns immediately. Frames received before
	// listenDelay has elapsed are discarded.
	Connect(listenDelay time.Duration) error

	// Disconnect stops message delivery and closes the connection.
	Disconnect() error

	// Send writes one frame. Returns ErrNotConnected unless open.
	Send(data []byte) error

	// State returns the current lifecycle state.
	State() State

	// SetHandlers replaces the event handlers.
	SetHandlers(h Handlers)
}

// SocketFactory creates a Socket for a gateway path.
type SocketFactory func(path string) (Socket, error)

// SocketConfig configures a WebSocket connection.
type SocketConfig struct {
	URL              string             // ws:// or wss:// URL, see BuildURL
	Audience         string             // Token audience
	Tokens           auth.TokenProvider // Supplies the auth frame token (nil = no auth frame)
	Codec            codec.Codec        // Auth frame encoding and frame type (nil = JSON)
	HandshakeTimeout time.Duration      // Dial plus token fetch deadline
	WriteTimeout     time.Duration      // Write deadline for sends
	PingInterval     time.Duration      // How often we ping the server
	PingTimeout      time.Duration      // Max time without ping/pong before considering connection stale
}

// DefaultSocketConfig returns sensible defaults.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		Codec:            codec.JSON{},
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      60 * time.Second,
	}
}

// AuthFrame is the first frame sent on every connection.
type AuthFrame struct {
	Token string `json:"token"`
}

// PoolConfig configures the reconnect policy of a Pool.
type PoolConfig struct {
	ReconnectDelay       time.Duration // Wait before reconnecting a closed client
	MaxReconnectAttempts int           // Consecutive reconnects before giving up
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// ClientSpec describes one named raw stream in a Pool.
type ClientSpec struct {
	Name         string
	Path         string            // Gateway path, e.g. /api/v1/ws/devices/dev-1
	Listener     func(data []byte) // Receives every frame after DelayMessage
	DelayMessage time.Duration     // Listen delay passed to Socket.Connect
	OnOpen       func()
	OnError      func(err error)
	SendRate     float64 // Messages per second, 0 = unlimited
	SendBurst    int
}

// ClientStat describes one pool client.
type ClientStat struct {
	Name              string `json:"name"`
	Path              string `json:"path"`
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	GaveUp            bool   `json:"gave_up"`
}
