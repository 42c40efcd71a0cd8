package connection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hubevents/internal/connection"
	"github.com/devicehub/hubevents/internal/connection/connectiontest"
)

func newTestPool(t *testing.T, maxAttempts int) (*connection.Pool, *connectiontest.Factory) {
	t.Helper()
	factory := connectiontest.NewFactory()
	pool := connection.NewPool(connection.PoolConfig{
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: maxAttempts,
	}, factory.New, nil)
	t.Cleanup(pool.Close)
	return pool, factory
}

func TestPool_AddClientConnects(t *testing.T) {
	pool, factory := newTestPool(t, 3)

	var mu sync.Mutex
	var got []string
	opened := 0

	err := pool.AddClient(connection.ClientSpec{
		Name:         "device-dev-1",
		Path:         "/api/v1/ws/devices/dev-1",
		DelayMessage: 500 * time.Millisecond,
		Listener: func(data []byte) {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
		},
		OnOpen: func() {
			mu.Lock()
			opened++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	sock := factory.Last()
	require.NotNil(t, sock)
	assert.Equal(t, "/api/v1/ws/devices/dev-1", sock.Path)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, sock.ListenDelays())

	sock.Open()
	sock.Deliver([]byte("frame-1"))
	sock.Deliver([]byte("frame-2"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, opened)
	assert.Equal(t, []string{"frame-1", "frame-2"}, got)
}

func TestPool_AddClientSameNameLatestWins(t *testing.T) {
	pool, factory := newTestPool(t, 3)

	var first, second int
	require.NoError(t, pool.AddClient(connection.ClientSpec{
		Name:     "stream",
		Path:     "/a",
		Listener: func([]byte) { first++ },
	}))
	require.NoError(t, pool.AddClient(connection.ClientSpec{
		Name:     "stream",
		Path:     "/a",
		Listener: func([]byte) { second++ },
	}))

	assert.Equal(t, 1, factory.Count(), "an instantiated name is not dialed twice")

	sock := factory.Last()
	sock.Open()
	sock.Deliver([]byte("x"))

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestPool_ReconnectBounded(t *testing.T) {
	pool, factory := newTestPool(t, 2)
	require.NoError(t, pool.AddClient(connection.ClientSpec{Name: "s", Path: "/s"}))
	sock := factory.Last()
	require.Equal(t, 1, sock.Connects())

	// Two reconnects are allowed
	for want := 2; want <= 3; want++ {
		sock.Close(errors.New("dropped"))
		require.Eventually(t, func() bool { return sock.Connects() == want }, time.Second, 5*time.Millisecond)
	}

	// Third consecutive close exhausts the budget
	sock.Close(errors.New("dropped"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, sock.Connects())

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].GaveUp)
	assert.Equal(t, 2, stats[0].ReconnectAttempts)
}

func TestPool_OpenResetsReconnectCounter(t *testing.T) {
	pool, factory := newTestPool(t, 1)
	require.NoError(t, pool.AddClient(connection.ClientSpec{Name: "s", Path: "/s"}))
	sock := factory.Last()

	for i := 0; i < 3; i++ {
		want := sock.Connects() + 1
		sock.Close(errors.New("dropped"))
		require.Eventually(t, func() bool { return sock.Connects() == want }, time.Second, 5*time.Millisecond)
		sock.Open()
	}

	stats := pool.Stats()
	assert.Equal(t, 0, stats[0].ReconnectAttempts)
	assert.False(t, stats[0].GaveUp)
}

func TestPool_ErrorForwarded(t *testing.T) {
	pool, factory := newTestPool(t, 1)

	var got error
	require.NoError(t, pool.AddClient(connection.ClientSpec{
		Name:    "s",
		Path:    "/s",
		OnError: func(err error) { got = err },
	}))

	boom := errors.New("boom")
	factory.Last().Fail(boom)
	assert.Equal(t, boom, got)
}

func TestPool_RemoveClient(t *testing.T) {
	pool, factory := newTestPool(t, 3)
	require.NoError(t, pool.AddClient(connection.ClientSpec{Name: "s", Path: "/s"}))
	sock := factory.Last()
	sock.Open()

	assert.True(t, pool.RemoveClient("s"))
	assert.False(t, pool.RemoveClient("s"))
	assert.Empty(t, pool.Names())
	assert.Equal(t, connection.StateDisconnected, sock.State())
	assert.False(t, sock.HasHandlers())

	// No reconnect after removal
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, sock.Connects())
}

func TestPool_RemoveCancelsPendingReconnect(t *testing.T) {
	factory := connectiontest.NewFactory()
	pool := connection.NewPool(connection.PoolConfig{
		ReconnectDelay:       50 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}, factory.New, nil)
	defer pool.Close()

	require.NoError(t, pool.AddClient(connection.ClientSpec{Name: "s", Path: "/s"}))
	sock := factory.Last()
	sock.Close(errors.New("dropped"))

	pool.RemoveClient("s")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sock.Connects())
}

func TestPool_RemoveAllClientsByPartialName(t *testing.T) {
	pool, _ := newTestPool(t, 3)
	for _, name := range []string{"device-dev-1-res", "device-dev-1-cmd", "device-dev-2-res", "hub-status"} {
		require.NoError(t, pool.AddClient(connection.ClientSpec{Name: name, Path: "/" + name}))
	}

	n := pool.RemoveAllClientsByPartialName("dev-1")
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"device-dev-2-res", "hub-status"}, pool.Names())

	assert.Equal(t, 0, pool.RemoveAllClientsByPartialName("nothing"))
}

func TestPool_Send(t *testing.T) {
	pool, factory := newTestPool(t, 3)
	require.NoError(t, pool.AddClient(connection.ClientSpec{Name: "s", Path: "/s"}))
	sock := factory.Last()

	ctx := context.Background()
	assert.ErrorIs(t, pool.Send(ctx, "s", []byte("x")), connection.ErrNotConnected)
	assert.ErrorIs(t, pool.Send(ctx, "missing", []byte("x")), connection.ErrUnknownClient)

	sock.Open()
	require.NoError(t, pool.Send(ctx, "s", []byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, sock.Sent())
}

func TestPool_SendRateLimited(t *testing.T) {
	pool, factory := newTestPool(t, 3)
	require.NoError(t, pool.AddClient(connection.ClientSpec{
		Name:      "s",
		Path:      "/s",
		SendRate:  1,
		SendBurst: 1,
	}))
	factory.Last().Open()

	require.NoError(t, pool.Send(context.Background(), "s", []byte("first")))

	// The second send has to wait about a second for a token
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, pool.Send(ctx, "s", []byte("second")))
	assert.Len(t, factory.Last().Sent(), 1)
}

func TestPool_AddClientErrors(t *testing.T) {
	pool, factory := newTestPool(t, 3)

	assert.Error(t, pool.AddClient(connection.ClientSpec{Path: "/s"}), "name required")

	factory.FailWith(connection.ErrInvalidGateway)
	assert.ErrorIs(t, pool.AddClient(connection.ClientSpec{Name: "s", Path: "/s"}), connection.ErrInvalidGateway)
	assert.Empty(t, pool.Names())

	factory.FailWith(nil)
	pool.Close()
	assert.ErrorIs(t, pool.AddClient(connection.ClientSpec{Name: "s", Path: "/s"}), connection.ErrClosed)
}

func TestPool_Stats(t *testing.T) {
	pool, factory := newTestPool(t, 3)
	require.NoError(t, pool.AddClient(connection.ClientSpec{Name: "b", Path: "/b"}))
	require.NoError(t, pool.AddClient(connection.ClientSpec{Name: "a", Path: "/a"}))
	factory.ByPath("/a").Open()

	stats := pool.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Name)
	assert.Equal(t, "OPEN", stats[0].State)
	assert.Equal(t, "b", stats[1].Name)
	assert.Equal(t, "CONNECTING", stats[1].State)
}
