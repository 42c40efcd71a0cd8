package connection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pool manages independently named raw sockets. Each client has its own
// bounded reconnect budget; there is no resubscription because the pool only
// passes frames through.
type Pool struct {
	cfg     PoolConfig
	factory SocketFactory
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*poolClient
	closed  bool
}

// poolClient holds the state for a single named client.
type poolClient struct {
	spec     ClientSpec
	socket   Socket
	limiter  *rate.Limiter
	attempts int
	gaveUp   bool
	removed  bool
	timer    *time.Timer
	logger   *slog.Logger
}

// NewPool creates a new connection pool.
func NewPool(cfg PoolConfig, factory SocketFactory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		clients: make(map[string]*poolClient),
	}
}

// AddClient registers spec under spec.Name. The latest spec always wins; a
// socket is created and connected only if the name is not yet instantiated.
func (p *Pool) AddClient(spec ClientSpec) error {
	if spec.Name == "" {
		return errors.New("client name is required")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	if c, ok := p.clients[spec.Name]; ok {
		c.spec = spec
		c.limiter = newLimiter(spec)
		p.mu.Unlock()
		p.logger.Debug("updated pool client", "client", spec.Name)
		return nil
	}

	sock, err := p.factory(spec.Path)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	c := &poolClient{
		spec:    spec,
		socket:  sock,
		limiter: newLimiter(spec),
		logger:  p.logger.With("client", spec.Name),
	}
	sock.SetHandlers(p.handlers(c))
	p.clients[spec.Name] = c
	p.mu.Unlock()

	c.logger.Info("adding pool client", "path", spec.Path)

	if err := sock.Connect(spec.DelayMessage); err != nil {
		c.logger.Warn("connect failed", "error", err)
	}
	return nil
}

// RemoveClient tears down and forgets the named client.
func (p *Pool) RemoveClient(name string) bool {
	p.mu.Lock()
	c, ok := p.clients[name]
	if ok {
		delete(p.clients, name)
		p.detachLocked(c)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	c.socket.SetHandlers(Handlers{})
	c.socket.Disconnect()
	c.logger.Info("removed pool client")
	return true
}

// RemoveAllClientsByPartialName removes every client whose name contains
// substr and returns how many were removed.
func (p *Pool) RemoveAllClientsByPartialName(substr string) int {
	p.mu.Lock()
	var names []string
	for name := range p.clients {
		if strings.Contains(name, substr) {
			names = append(names, name)
		}
	}
	p.mu.Unlock()

	removed := 0
	for _, name := range names {
		if p.RemoveClient(name) {
			removed++
		}
	}
	return removed
}

// Send writes data to the named client, waiting on its rate limiter first.
func (p *Pool) Send(ctx context.Context, name string, data []byte) error {
	p.mu.Lock()
	c, ok := p.clients[name]
	var limiter *rate.Limiter
	if ok {
		limiter = c.limiter
	}
	p.mu.Unlock()

	if !ok {
		return ErrUnknownClient
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	return c.socket.Send(data)
}

// Names returns the registered client names in sorted order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	p.mu.Unlock()

	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every client, sorted by name.
func (p *Pool) Stats() []ClientStat {
	p.mu.Lock()
	clients := make([]*poolClient, 0, len(p.clients))
	stats := make([]ClientStat, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
		stats = append(stats, ClientStat{
			Name:              c.spec.Name,
			Path:              c.spec.Path,
			ReconnectAttempts: c.attempts,
			GaveUp:            c.gaveUp,
		})
	}
	p.mu.Unlock()

	// Socket state is read outside the pool lock
	for i, c := range clients {
		stats[i].State = c.socket.State().String()
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Close removes every client. AddClient fails afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.RemoveClient(name)
	}

	p.logger.Info("connection pool closed", "clients", len(names))
}

// handlers wires the socket events of c to the pool.
func (p *Pool) handlers(c *poolClient) Handlers {
	return Handlers{
		OnOpen: func() {
			p.mu.Lock()
			if c.removed {
				p.mu.Unlock()
				return
			}
			c.attempts = 0
			c.gaveUp = false
			onOpen := c.spec.OnOpen
			p.mu.Unlock()

			c.logger.Info("pool client connected")
			if onOpen != nil {
				onOpen()
			}
		},
		OnMessage: func(data []byte) {
			p.mu.Lock()
			listener := c.spec.Listener
			removed := c.removed
			p.mu.Unlock()

			if !removed && listener != nil {
				listener(data)
			}
		},
		OnError: func(err error) {
			p.mu.Lock()
			onError := c.spec.OnError
			removed := c.removed
			p.mu.Unlock()

			if removed {
				return
			}
			c.logger.Warn("pool client error", "error", err)
			if onError != nil {
				onError(err)
			}
		},
		OnClose: func(err error) {
			p.handleClose(c, err)
		},
	}
}

// handleClose schedules a reconnect while the client's budget lasts.
func (p *Pool) handleClose(c *poolClient, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.removed || p.closed {
		return
	}

	if c.attempts >= p.cfg.MaxReconnectAttempts {
		c.gaveUp = true
		c.logger.Error("pool client reconnect attempts exhausted",
			"attempts", c.attempts,
			"error", err,
		)
		return
	}

	c.attempts++
	c.logger.Info("pool client closed, scheduling reconnect",
		"attempt", c.attempts,
		"delay", p.cfg.ReconnectDelay,
		"error", err,
	)
	c.timer = time.AfterFunc(p.cfg.ReconnectDelay, func() {
		p.reconnect(c)
	})
}

func (p *Pool) reconnect(c *poolClient) {
	p.mu.Lock()
	if c.removed || p.closed {
		p.mu.Unlock()
		return
	}
	c.timer = nil
	delay := c.spec.DelayMessage
	p.mu.Unlock()

	if err := c.socket.Connect(delay); err != nil {
		c.logger.Warn("reconnect failed", "error", err)
	}
}

func (p *Pool) detachLocked(c *poolClient) {
	c.removed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func newLimiter(spec ClientSpec) *rate.Limiter {
	if spec.SendRate <= 0 {
		return nil
	}
	burst := spec.SendBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(spec.SendRate), burst)
}
