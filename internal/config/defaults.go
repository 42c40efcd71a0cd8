package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultEventsPath           = "/api/v1/ws/events"
	DefaultAuthTimeout          = 10 * time.Second
	DefaultAuthMaxRetries       = 3
	DefaultExpirySkew           = 30 * time.Second
	DefaultListenerEnableDelay  = 1 * time.Second
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultQueueSize            = 1024
	DefaultEncoding             = "json"
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultPingInterval         = 15 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultBufferSize           = 10000
	DefaultHTTPPort             = 8080
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Gateway defaults
	if c.Gateway.EventsPath == "" {
		c.Gateway.EventsPath = DefaultEventsPath
	}

	// Auth defaults
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultAuthTimeout
	}
	if c.Auth.MaxRetries == 0 {
		c.Auth.MaxRetries = DefaultAuthMaxRetries
	}
	if c.Auth.ExpirySkew == 0 {
		c.Auth.ExpirySkew = DefaultExpirySkew
	}

	// Events defaults
	if c.Events.ListenerEnableDelay == 0 {
		c.Events.ListenerEnableDelay = DefaultListenerEnableDelay
	}
	if c.Events.ReconnectDelay == 0 {
		c.Events.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Events.ReconnectMaxDelay == 0 {
		c.Events.ReconnectMaxDelay = c.Events.ReconnectDelay
	}
	if c.Events.MaxReconnectAttempts == 0 {
		c.Events.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Events.QueueSize == 0 {
		c.Events.QueueSize = DefaultQueueSize
	}
	if c.Events.Encoding == "" {
		c.Events.Encoding = DefaultEncoding
	}

	// Connections defaults
	if c.Connections.HandshakeTimeout == 0 {
		c.Connections.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.PingInterval == 0 {
		c.Connections.PingInterval = DefaultPingInterval
	}
	if c.Connections.PingTimeout == 0 {
		c.Connections.PingTimeout = DefaultPingTimeout
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
