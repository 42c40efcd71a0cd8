package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicehub/hubevents/internal/codec"
	"github.com/devicehub/hubevents/internal/connection"
)

// Multiplexer shares one hub connection among many logical subscriptions.
//
// All state is guarded by mu. Socket events are tagged with the generation of
// the socket that produced them so that callbacks and timers belonging to a
// superseded socket are ignored. User callbacks and listeners are always
// invoked without mu held.
type Multiplexer struct {
	cfg    Config
	dial   connection.SocketFactory
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	socket   connection.Socket
	gen      uint64 // Bumped whenever the socket is replaced or dropped
	attempts int    // Consecutive reconnects since the last open
	gaveUp   bool

	reconnectTimer *time.Timer

	subs  map[string]*subscription // correlation id → subscription
	ids   map[string]string        // correlation id → server subscription id
	queue []intent                 // Subscribe calls made while not open
	seq   uint64                   // Registration order

	onOpen   func()
	onClose  func(err error)
	onError  func(err error)
	onGiveUp func(attempts int)

	delivered  int64
	suppressed int64
	errFrames  int64
	dropped    int64
}

// subscription is one registered logical subscription.
type subscription struct {
	correlationID string
	spec          any
	listener      Listener
	seq           uint64
	enabled       bool
	epoch         uint64 // Bumped on every (re)send and disable; stale enable timers compare it
	timer         *time.Timer
}

// intent is a Subscribe call waiting for the connection to open.
type intent struct {
	correlationID string
	spec          any
	listener      Listener
}

// New creates a Multiplexer. Nothing is dialed until Start.
func New(cfg Config, dial connection.SocketFactory, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}

	return &Multiplexer{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		subs:   make(map[string]*subscription),
		ids:    make(map[string]string),
	}
}

// NewCorrelationID returns a random correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// OnOpen sets the callback fired after each successful open, once every
// subscription has been re-sent.
func (m *Multiplexer) OnOpen(fn func()) {
	m.mu.Lock()
	m.onOpen = fn
	m.mu.Unlock()
}

// OnClose sets the callback fired after each close.
func (m *Multiplexer) OnClose(fn func(err error)) {
	m.mu.Lock()
	m.onClose = fn
	m.mu.Unlock()
}

// OnError sets the callback for transport errors, hub error frames
// (*FrameError) and rejected subscriptions (*SubscriptionError).
func (m *Multiplexer) OnError(fn func(err error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// OnGiveUp sets the callback fired when the reconnect budget is exhausted.
func (m *Multiplexer) OnGiveUp(fn func(attempts int)) {
	m.mu.Lock()
	m.onGiveUp = fn
	m.mu.Unlock()
}

// Start dials the hub. The multiplexer stops when ctx is done.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInit {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	err := m.connectLocked()
	m.mu.Unlock()

	if err != nil {
		return err
	}

	context.AfterFunc(ctx, m.Stop)
	m.logger.Info("event multiplexer started", "path", m.cfg.Path)
	return nil
}

// Connect re-arms the multiplexer after it gave up, resetting the reconnect
// budget. It does nothing while a connection is live or pending, and
// returns ErrNotStarted before Start.
func (m *Multiplexer) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateInit:
		return ErrNotStarted
	case StateStopped:
		return ErrStopped
	case StateConnecting, StateOpen:
		return nil
	}

	m.attempts = 0
	m.gaveUp = false
	m.stopReconnectLocked()
	return m.connectLocked()
}

// Stop disconnects and releases all timers. Registered subscriptions are
// kept so Subscriptions still reports them.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	m.stopReconnectLocked()
	for _, sub := range m.subs {
		m.disableLocked(sub)
	}
	m.queue = nil
	sock := m.dropSocketLocked()
	m.mu.Unlock()

	if sock != nil {
		sock.SetHandlers(connection.Handlers{})
		sock.Disconnect()
	}

	m.logger.Info("event multiplexer stopped")
}

// Subscribe registers listener under correlationID and requests spec from the
// hub. spec is sent verbatim as createSubscription.
//
// While the connection is not open the call is queued and sent on the next
// open; ErrQueueFull is returned when the queue is at capacity. A
// correlationID that is already registered or queued is a no-op.
func (m *Multiplexer) Subscribe(spec any, correlationID string, listener Listener) error {
	if correlationID == "" {
		return ErrEmptyCorrelationID
	}
	if listener == nil {
		return ErrNilListener
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		return ErrStopped
	}

	if m.knownLocked(correlationID) {
		m.logger.Warn("already subscribed", "correlation_id", correlationID)
		return nil
	}

	if m.state != StateOpen {
		if len(m.queue) >= m.cfg.QueueSize {
			return ErrQueueFull
		}
		m.queue = append(m.queue, intent{
			correlationID: correlationID,
			spec:          spec,
			listener:      listener,
		})
		m.logger.Debug("queued subscription until open",
			"correlation_id", correlationID,
			"queued", len(m.queue),
		)
		return nil
	}

	m.registerLocked(correlationID, spec, listener)
	return nil
}

// Unsubscribe removes the subscription and any queued intent for
// correlationID. The hub is asked to cancel only when the connection is open
// and the subscription id is known; local cleanup always happens.
func (m *Multiplexer) Unsubscribe(correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := m.dequeueLocked(correlationID)

	if sub, ok := m.subs[correlationID]; ok {
		m.disableLocked(sub)
		delete(m.subs, correlationID)
		found = true
	}

	subscriptionID, known := m.ids[correlationID]
	delete(m.ids, correlationID)

	if !found {
		m.logger.Debug("unsubscribe for unknown correlation id", "correlation_id", correlationID)
		return nil
	}

	if known && m.state == StateOpen {
		req := cancelRequest{CancelSubscription: cancelSubscription{SubscriptionID: subscriptionID}}
		if err := m.sendLocked(req); err != nil {
			m.logger.Warn("failed to send cancel",
				"correlation_id", correlationID,
				"subscription_id", subscriptionID,
				"error", err,
			)
		}
	}

	m.logger.Debug("unsubscribed",
		"correlation_id", correlationID,
		"subscription_id", subscriptionID,
	)
	return nil
}

// Send encodes v with the configured codec and writes it to the hub.
func (m *Multiplexer) Send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen {
		return ErrNotConnected
	}
	return m.sendLocked(v)
}

// State returns the current connection state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscriptions returns the registered subscriptions in registration order.
func (m *Multiplexer) Subscriptions() []SubscriptionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.orderedLocked()
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, SubscriptionInfo{
			CorrelationID:   sub.correlationID,
			SubscriptionID:  m.ids[sub.correlationID],
			ListenerEnabled: sub.enabled,
		})
	}
	return out
}

// Stats returns current statistics.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		State:             m.state.String(),
		Subscriptions:     len(m.subs),
		Queued:            len(m.queue),
		ReconnectAttempts: m.attempts,
		GaveUp:            m.gaveUp,
		EventsDelivered:   m.delivered,
		EventsSuppressed:  m.suppressed,
		ErrorFrames:       m.errFrames,
		DroppedFrames:     m.dropped,
	}
}

// -----------------------------------------------------------------------------
// Socket events
// -----------------------------------------------------------------------------

func (m *Multiplexer) handleOpen(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.state = StateOpen
	m.attempts = 0
	m.gaveUp = false

	// Re-send the registry before draining the queue so that the hub sees
	// subscriptions in the order they were made
	resent := 0
	for _, sub := range m.orderedLocked() {
		m.sendSubscribeLocked(sub)
		resent++
	}

	queued := m.queue
	m.queue = nil
	for _, in := range queued {
		m.registerLocked(in.correlationID, in.spec, in.listener)
	}

	onOpen := m.onOpen
	m.mu.Unlock()

	m.logger.Info("event connection open",
		"resubscribed", resent,
		"drained", len(queued),
	)

	if onOpen != nil {
		onOpen()
	}
}

func (m *Multiplexer) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.dropSocketLocked()
	notify := m.closedLocked(err)
	m.mu.Unlock()

	notify()
}

// closedLocked moves to CLOSED and either schedules the next reconnect or
// gives up. The returned func fires the callbacks and must be called after
// mu is released.
func (m *Multiplexer) closedLocked(err error) func() {
	// Subscription ids do not survive the connection
	clear(m.ids)
	for _, sub := range m.subs {
		m.disableLocked(sub)
	}

	m.state = StateClosed

	var giveUp bool
	attempts := m.attempts
	if m.attempts < m.cfg.MaxReconnectAttempts {
		m.attempts++
		delay := m.backoff(m.attempts)
		m.logger.Info("event connection closed, scheduling reconnect",
			"attempt", m.attempts,
			"max_attempts", m.cfg.MaxReconnectAttempts,
			"delay", delay,
			"error", err,
		)
		m.scheduleReconnectLocked(delay)
	} else {
		giveUp = true
		m.gaveUp = true
		m.logger.Error("event connection closed, giving up",
			"attempts", attempts,
			"error", err,
		)
	}

	onClose, onGiveUp := m.onClose, m.onGiveUp
	return func() {
		if giveUp && onGiveUp != nil {
			onGiveUp(attempts)
		}
		if onClose != nil {
			onClose(err)
		}
	}
}

func (m *Multiplexer) handleError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	onError := m.onError
	m.mu.Unlock()

	m.logger.Warn("event connection error", "error", err)
	if onError != nil {
		onError(err)
	}
}

func (m *Multiplexer) handleMessage(gen uint64, data []byte) {
	frame, err := DecodeFrame(m.cfg.Codec, data)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	if err != nil {
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
		return
	}

	switch f := frame.(type) {
	case ErrorFrame:
		m.errFrames++
		onError := m.onError
		m.mu.Unlock()

		m.logger.Warn("hub error frame", "code", f.Code, "correlation_id", f.CorrelationID)
		if onError != nil {
			onError(&FrameError{Code: f.Code, CorrelationID: f.CorrelationID})
		}

	case AckFrame:
		if _, ok := m.subs[f.CorrelationID]; !ok {
			m.dropped++
			m.mu.Unlock()
			m.logger.Debug("dropping ack for unknown subscription", "correlation_id", f.CorrelationID)
			return
		}

		if !f.OK() {
			onError := m.onError
			m.mu.Unlock()

			m.logger.Warn("subscription rejected", "correlation_id", f.CorrelationID, "code", f.Code)
			if onError != nil {
				onError(&SubscriptionError{CorrelationID: f.CorrelationID, Code: f.Code})
			}
			return
		}

		if _, known := m.ids[f.CorrelationID]; !known && f.SubscriptionID != "" {
			m.ids[f.CorrelationID] = f.SubscriptionID
			m.logger.Debug("subscription acknowledged",
				"correlation_id", f.CorrelationID,
				"subscription_id", f.SubscriptionID,
			)
		}
		m.mu.Unlock()

	case EventFrame:
		sub, ok := m.subs[f.CorrelationID]
		if !ok {
			m.dropped++
			m.mu.Unlock()
			return
		}
		if !sub.enabled {
			m.suppressed++
			m.mu.Unlock()
			return
		}
		m.delivered++
		listener := sub.listener
		m.mu.Unlock()

		listener(f.Payload)

	default:
		m.mu.Unlock()
	}
}

// -----------------------------------------------------------------------------
// Internals (mu held)
// -----------------------------------------------------------------------------

// connectLocked creates a fresh socket and starts dialing.
func (m *Multiplexer) connectLocked() error {
	sock, err := m.dial(m.cfg.Path)
	if err != nil {
		return err
	}

	m.gen++
	gen := m.gen
	sock.SetHandlers(connection.Handlers{
		OnOpen:    func() { m.handleOpen(gen) },
		OnClose:   func(err error) { m.handleClose(gen, err) },
		OnError:   func(err error) { m.handleError(gen, err) },
		OnMessage: func(data []byte) { m.handleMessage(gen, data) },
	})

	m.socket = sock
	m.state = StateConnecting

	return sock.Connect(m.cfg.ListenDelay)
}

// dropSocketLocked forgets the current socket so its callbacks go stale.
func (m *Multiplexer) dropSocketLocked() connection.Socket {
	sock := m.socket
	m.socket = nil
	m.gen++
	return sock
}

func (m *Multiplexer) scheduleReconnectLocked(delay time.Duration) {
	m.stopReconnectLocked()

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.reconnectTimer != t || m.state != StateClosed {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil

		err := m.connectLocked()
		if err == nil {
			m.mu.Unlock()
			return
		}

		// A failed dial counts as a close against the attempt budget
		m.logger.Error("reconnect failed", "error", err)
		sock := m.dropSocketLocked()
		notify := m.closedLocked(err)
		m.mu.Unlock()

		if sock != nil {
			sock.SetHandlers(connection.Handlers{})
			sock.Disconnect()
		}
		notify()
	})
	m.reconnectTimer = t
}

func (m *Multiplexer) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// backoff returns the delay before reconnect attempt n (1-based).
func (m *Multiplexer) backoff(n int) time.Duration {
	delay := m.cfg.ReconnectDelay
	for i := 1; i < n && delay < m.cfg.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	if m.cfg.ReconnectMaxDelay > 0 && delay > m.cfg.ReconnectMaxDelay {
		delay = m.cfg.ReconnectMaxDelay
	}
	return delay
}

func (m *Multiplexer) knownLocked(correlationID string) bool {
	if _, ok := m.subs[correlationID]; ok {
		return true
	}
	for _, in := range m.queue {
		if in.correlationID == correlationID {
			return true
		}
	}
	return false
}

func (m *Multiplexer) dequeueLocked(correlationID string) bool {
	for i, in := range m.queue {
		if in.correlationID == correlationID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// registerLocked adds a subscription and sends it.
func (m *Multiplexer) registerLocked(correlationID string, spec any, listener Listener) {
	m.seq++
	sub := &subscription{
		correlationID: correlationID,
		spec:          spec,
		listener:      listener,
		seq:           m.seq,
	}
	m.subs[correlationID] = sub
	m.sendSubscribeLocked(sub)
}

// sendSubscribeLocked sends createSubscription for sub, mutes its listener
// and schedules the listener to be enabled after the delay window.
func (m *Multiplexer) sendSubscribeLocked(sub *subscription) {
	m.disableLocked(sub)

	req := subscribeRequest{
		CreateSubscription: sub.spec,
		CorrelationID:      sub.correlationID,
	}
	if err := m.sendLocked(req); err != nil {
		// Kept registered; the next open re-sends it
		m.logger.Warn("failed to send subscribe",
			"correlation_id", sub.correlationID,
			"error", err,
		)
		return
	}

	epoch := sub.epoch
	sub.timer = time.AfterFunc(m.cfg.ListenerEnableDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.subs[sub.correlationID] == sub && sub.epoch == epoch {
			sub.enabled = true
			sub.timer = nil
		}
	})

	m.logger.Debug("subscribe sent", "correlation_id", sub.correlationID)
}

// disableLocked mutes sub and invalidates its pending enable timer.
func (m *Multiplexer) disableLocked(sub *subscription) {
	sub.enabled = false
	sub.epoch++
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
}

func (m *Multiplexer) sendLocked(v any) error {
	if m.socket == nil {
		return ErrNotConnected
	}
	data, err := m.cfg.Codec.Marshal(v)
	if err != nil {
		return err
	}
	return m.socket.Send(data)
}

func (m *Multiplexer) orderedLocked() []*subscription {
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}
