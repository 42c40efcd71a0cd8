// Package connectiontest provides an in-memory connection.Socket for tests.
//
// A Socket never touches the network. Tests drive it explicitly with Open,
// Close, Fail and Deliver, which call the installed handlers synchronously.
package connectiontest

import (
	"sync"
	"time"

	"github.com/devicehub/hubevents/internal/connection"
)

// Socket is a scripted connection.Socket.
type Socket struct {
	Path string

	mu           sync.Mutex
	state        connection.State
	handlers     connection.Handlers
	sent         [][]byte
	connects     int
	listenDelays []time.Duration
	sendErr      error
}

var _ connection.Socket = (*Socket)(nil)

// NewSocket returns a disconnected Socket for path.
func NewSocket(path string) *Socket {
	return &Socket{Path: path}
}

func (s *Socket) Connect(listenDelay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != connection.StateDisconnected {
		return connection.ErrAlreadyConnected
	}
	s.state = connection.StateConnecting
	s.connects++
	s.listenDelays = append(s.listenDelays, listenDelay)
	return nil
}

// Disconnect fires OnClose(nil) synchronously, like the real socket.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	if s.state == connection.StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = connection.StateDisconnected
	h := s.handlers
	s.mu.Unlock()

	if h.OnClose != nil {
		h.OnClose(nil)
	}
	return nil
}

func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != connection.StateOpen {
		return connection.ErrNotConnected
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *Socket) State() connection.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) SetHandlers(h connection.Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

// Open moves the socket to OPEN and fires OnOpen.
func (s *Socket) Open() {
	s.mu.Lock()
	s.state = connection.StateOpen
	h := s.handlers
	s.mu.Unlock()

	if h.OnOpen != nil {
		h.OnOpen()
	}
}

// Close simulates the server dropping the connection.
func (s *Socket) Close(err error) {
	s.mu.Lock()
	s.state = connection.StateDisconnected
	h := s.handlers
	s.mu.Unlock()

	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// Fail fires OnError without closing.
func (s *Socket) Fail(err error) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()

	if h.OnError != nil {
		h.OnError(err)
	}
}

// Deliver hands data to OnMessage.
func (s *Socket) Deliver(data []byte) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()

	if h.OnMessage != nil {
		h.OnMessage(data)
	}
}

// FailSends makes every later Send return err. nil restores normal sends.
func (s *Socket) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Sent returns a copy of every frame written so far.
func (s *Socket) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// ResetSent forgets the frames written so far.
func (s *Socket) ResetSent() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

// Connects returns how many times Connect succeeded.
func (s *Socket) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// ListenDelays returns the listen delay passed to each Connect.
func (s *Socket) ListenDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.listenDelays...)
}

// HasHandlers reports whether any handler is installed.
func (s *Socket) HasHandlers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handlers
	return h.OnOpen != nil || h.OnClose != nil || h.OnError != nil || h.OnMessage != nil
}

// Factory records every socket it creates.
type Factory struct {
	mu      sync.Mutex
	sockets []*Socket
	err     error
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// New implements connection.SocketFactory.
func (f *Factory) New(path string) (connection.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := NewSocket(path)
	f.sockets = append(f.sockets, s)
	return s, nil
}

// FailWith makes later calls to New return err.
func (f *Factory) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Sockets returns every socket created so far, oldest first.
func (f *Factory) Sockets() []*Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Socket(nil), f.sockets...)
}

// Count returns how many sockets were created.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

// Last returns the most recently created socket, or nil.
func (f *Factory) Last() *Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// ByPath returns the most recent socket created for path, or nil.
func (f *Factory) ByPath(path string) *Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sockets) - 1; i >= 0; i-- {
		if f.sockets[i].Path == path {
			return f.sockets[i]
		}
	}
	return nil
}
