package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devicehub/hubevents/internal/codec"
)

// socket implements the Socket interface.
type socket struct {
	cfg    SocketConfig
	logger *slog.Logger
	dialer websocket.Dialer

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	handlers   Handlers
	done       chan struct{} // Closed when the current connection is torn down
	cancelDial context.CancelFunc
	closing    bool // Disconnect was requested
	lastPingAt time.Time
}

// NewSocket creates a new WebSocket wrapper. Nothing is dialed until Connect.
func NewSocket(cfg SocketConfig, logger *slog.Logger) Socket {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}

	return &socket{
		cfg:    cfg,
		logger: logger,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// NewSocketFactory returns a factory that builds sockets for paths under gateway.
func NewSocketFactory(gateway string, cfg SocketConfig, logger *slog.Logger) SocketFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(path string) (Socket, error) {
		u, err := BuildURL(gateway, path)
		if err != nil {
			return nil, err
		}
		c := cfg
		c.URL = u
		return NewSocket(c, logger.With("url", u)), nil
	}
}

// Connect starts dialing in the background.
func (s *socket) Connect(listenDelay time.Duration) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout())
	done := make(chan struct{})
	s.state = StateConnecting
	s.closing = false
	s.done = done
	s.cancelDial = cancel
	s.mu.Unlock()

	listenAt := time.Now().Add(listenDelay)
	go s.run(ctx, cancel, done, listenAt)

	return nil
}

// run dials, authenticates and then reads until the connection ends.
func (s *socket) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, listenAt time.Time) {
	conn, err := s.open(ctx)
	cancel()
	if err != nil {
		s.finish(done, err)
		return
	}

	s.mu.Lock()
	if s.done != done {
		// Disconnect won the race with the dial
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.cancelDial = nil
	s.lastPingAt = time.Now()
	onOpen := s.handlers.OnOpen
	s.mu.Unlock()

	// Set up ping handler - server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		s.touch()
		err := conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Set up pong handler - server responds to our ping
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	s.logger.Debug("websocket connected")

	if onOpen != nil {
		onOpen()
	}

	go s.heartbeatLoop(conn, done)
	s.readLoop(conn, done, listenAt)
}

// open dials the URL and sends the auth frame.
func (s *socket) open(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	if s.cfg.Tokens == nil {
		return conn, nil
	}

	token, err := s.cfg.Tokens.Token(ctx, s.cfg.Audience)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get access token: %w", err)
	}

	data, err := s.cfg.Codec.Marshal(AuthFrame{Token: token})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode auth frame: %w", err)
	}

	if err := s.write(conn, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth frame: %w", err)
	}

	return conn, nil
}

// Disconnect closes the connection. OnClose fires with a nil error before
// Disconnect returns.
func (s *socket) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.state = StateClosing
	conn := s.conn
	done := s.done
	cancelDial := s.cancelDial
	s.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}

	s.finish(done, nil)
	return nil
}

// Send writes raw bytes to the connection.
func (s *socket) Send(data []byte) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	return s.write(conn, data)
}

func (s *socket) write(conn *websocket.Conn, data []byte) error {
	messageType := websocket.TextMessage
	if s.cfg.Codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return conn.WriteMessage(messageType, data)
}

// State returns the current lifecycle state.
func (s *socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetHandlers replaces the event handlers.
func (s *socket) SetHandlers(h Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

// readLoop reads frames until the connection fails or is closed.
func (s *socket) readLoop(conn *websocket.Conn, done chan struct{}, listenAt time.Time) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.finish(done, err)
			return
		}

		if time.Now().Before(listenAt) {
			s.logger.Debug("discarding frame before listen delay", "bytes", len(data))
			continue
		}

		s.mu.Lock()
		current := s.done == done && !s.closing
		onMessage := s.handlers.OnMessage
		s.mu.Unlock()

		if !current {
			return
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// heartbeatLoop pings the server and detects stale connections.
func (s *socket) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.writeTimeout())
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
			}

			s.mu.Lock()
			lastPing := s.lastPingAt
			s.mu.Unlock()

			if s.cfg.PingTimeout > 0 && time.Since(lastPing) > s.cfg.PingTimeout {
				s.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", s.cfg.PingTimeout,
				)
				s.finish(done, ErrStaleConnection)
				return
			}
		}
	}
}

// finish tears down the connection identified by done and fires the close
// handlers. Only the first call per connection has any effect.
func (s *socket) finish(done chan struct{}, err error) {
	s.mu.Lock()
	if done == nil || s.done != done {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	requested := s.closing
	h := s.handlers
	s.conn = nil
	s.done = nil
	s.cancelDial = nil
	s.closing = false
	s.state = StateDisconnected
	s.mu.Unlock()

	close(done)
	if conn != nil {
		conn.Close()
	}

	if requested {
		err = nil
	}

	if err != nil && !isNormalClose(err) {
		s.logger.Debug("websocket error", "error", err)
		if h.OnError != nil {
			h.OnError(err)
		}
	}

	s.logger.Debug("websocket closed", "error", err)
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

func (s *socket) touch() {
	s.mu.Lock()
	s.lastPingAt = time.Now()
	s.mu.Unlock()
}

func (s *socket) handshakeTimeout() time.Duration {
	if s.cfg.HandshakeTimeout > 0 {
		return s.cfg.HandshakeTimeout
	}
	return 10 * time.Second
}

func (s *socket) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return time.Second
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
