package config

import (
	"time"

	"github.com/devicehub/hubevents/internal/model"
)

// Config is the root configuration for the event client.
type Config struct {
	Gateway       GatewayConfig        `yaml:"gateway"`
	Auth          AuthConfig           `yaml:"auth"`
	Events        EventsConfig         `yaml:"events"`
	Connections   ConnectionsConfig    `yaml:"connections"`
	Streams       []StreamConfig       `yaml:"streams"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Database      DatabaseConfig       `yaml:"database"`
	Recorder      RecorderConfig       `yaml:"recorder"`
	HTTP          HTTPConfig           `yaml:"http"`
	Log           LogConfig            `yaml:"log"`
}

// GatewayConfig locates the hub's HTTP gateway.
type GatewayConfig struct {
	Address    string `yaml:"address"`     // e.g. https://hub.example.com; https selects wss
	Audience   string `yaml:"audience"`    // Token audience
	EventsPath string `yaml:"events_path"` // Multiplexed events endpoint
}

// AuthConfig selects the access token source. The first non-empty of
// Token, TokenFile and TokenURL wins.
type AuthConfig struct {
	Token        string        `yaml:"token"`
	TokenFile    string        `yaml:"token_file"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scopes       []string      `yaml:"scopes"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	ExpirySkew   time.Duration `yaml:"expiry_skew"` // Refresh this long before expiry
}

// EventsConfig holds multiplexer settings.
type EventsConfig struct {
	ListenDelay          time.Duration `yaml:"listen_delay"` // Socket discards frames until this elapses
	ListenerEnableDelay  time.Duration `yaml:"listener_enable_delay"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	QueueSize            int           `yaml:"queue_size"`
	Encoding             string        `yaml:"encoding"` // "json" or "cbor"
}

// ConnectionsConfig holds per-socket transport settings.
type ConnectionsConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
}

// StreamConfig describes one raw pooled socket.
type StreamConfig struct {
	Name         string        `yaml:"name"`
	Path         string        `yaml:"path"`
	DelayMessage time.Duration `yaml:"delay_message"`
	SendRate     float64       `yaml:"send_rate"` // Messages per second, 0 = unlimited
	SendBurst    int           `yaml:"send_burst"`
}

// SubscriptionConfig describes one multiplexed subscription opened at startup.
type SubscriptionConfig struct {
	CorrelationID    string             `yaml:"correlation_id"`
	EventFilter      []string           `yaml:"event_filter"`
	DeviceIDFilter   []string           `yaml:"device_id_filter"`
	ResourceIDFilter []model.ResourceID `yaml:"resource_id_filter"`
	Record           bool               `yaml:"record"` // Send events to the recorder
}

// Spec converts the config entry to the wire subscription spec.
func (s SubscriptionConfig) Spec() (model.SubscriptionSpec, error) {
	spec := model.SubscriptionSpec{
		DeviceIDFilter:   s.DeviceIDFilter,
		ResourceIDFilter: s.ResourceIDFilter,
	}
	for _, name := range s.EventFilter {
		et, err := model.ParseEventType(name)
		if err != nil {
			return model.SubscriptionSpec{}, err
		}
		spec.EventFilter = append(spec.EventFilter, et)
	}
	return spec, spec.Validate()
}

// DatabaseConfig holds the PostgreSQL connection used by the recorder.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds event recorder batching settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// HTTPConfig holds the health/debug server settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
