package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Gateway.Address == "" {
		return errors.New("gateway.address is required")
	}
	u, err := url.Parse(c.Gateway.Address)
	if err != nil || u.Host == "" {
		return fmt.Errorf("gateway.address must be an absolute URL, got %q", c.Gateway.Address)
	}
	if !strings.HasPrefix(c.Gateway.EventsPath, "/") {
		return errors.New("gateway.events_path must start with /")
	}

	if c.Auth.Token == "" && c.Auth.TokenFile == "" && c.Auth.TokenURL == "" {
		return errors.New("auth.token, auth.token_file or auth.token_url is required")
	}
	if c.Auth.Token == "" && c.Auth.TokenFile == "" && c.Auth.ClientID == "" {
		return errors.New("auth.client_id is required with auth.token_url")
	}

	if c.Events.ListenDelay < 0 {
		return errors.New("events.listen_delay must be >= 0")
	}
	if c.Events.ListenerEnableDelay < 0 {
		return errors.New("events.listener_enable_delay must be >= 0")
	}
	if c.Events.ReconnectDelay <= 0 {
		return errors.New("events.reconnect_delay must be > 0")
	}
	if c.Events.ReconnectMaxDelay < c.Events.ReconnectDelay {
		return fmt.Errorf("events.reconnect_max_delay (%s) cannot be less than reconnect_delay (%s)",
			c.Events.ReconnectMaxDelay, c.Events.ReconnectDelay)
	}
	if c.Events.MaxReconnectAttempts < 0 {
		return errors.New("events.max_reconnect_attempts must be >= 0")
	}
	if c.Events.QueueSize < 1 {
		return errors.New("events.queue_size must be >= 1")
	}
	if c.Events.Encoding != "json" && c.Events.Encoding != "cbor" {
		return fmt.Errorf("events.encoding must be json or cbor, got %q", c.Events.Encoding)
	}

	seenStreams := make(map[string]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("streams[%d].name is required", i)
		}
		if _, dup := seenStreams[s.Name]; dup {
			return fmt.Errorf("streams[%d].name %q is duplicated", i, s.Name)
		}
		seenStreams[s.Name] = struct{}{}
		if !strings.HasPrefix(s.Path, "/") {
			return fmt.Errorf("streams[%d].path must start with /", i)
		}
		if s.SendRate < 0 {
			return fmt.Errorf("streams[%d].send_rate must be >= 0", i)
		}
	}

	seenSubs := make(map[string]struct{}, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		if s.CorrelationID == "" {
			return fmt.Errorf("subscriptions[%d].correlation_id is required", i)
		}
		if _, dup := seenSubs[s.CorrelationID]; dup {
			return fmt.Errorf("subscriptions[%d].correlation_id %q is duplicated", i, s.CorrelationID)
		}
		seenSubs[s.CorrelationID] = struct{}{}
		if _, err := s.Spec(); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}

	if c.Recorder.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
