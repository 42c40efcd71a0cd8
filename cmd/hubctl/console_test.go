package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hubevents/internal/connection/connectiontest"
	"github.com/devicehub/hubevents/internal/events"
)

// syncBuffer is a bytes.Buffer safe for the listener goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}

func newTestConsole(t *testing.T) (*Console, *syncBuffer, *connectiontest.Factory) {
	t.Helper()

	cfg := events.DefaultConfig()
	cfg.ListenerEnableDelay = 0
	cfg.MaxReconnectAttempts = 0

	factory := connectiontest.NewFactory()
	mx := events.New(cfg, factory.New, nil)
	require.NoError(t, mx.Start(context.Background()))
	t.Cleanup(mx.Stop)

	out := &syncBuffer{}
	return NewConsole(mx, out, nil), out, factory
}

func TestConsole_SubscribeAndList(t *testing.T) {
	c, out, factory := newTestConsole(t)
	sock := factory.Last()
	sock.Open()

	assert.False(t, c.Execute("sub lights resource_changed,resource_updated dev-1,dev-2"))
	assert.Contains(t, out.String(), "Subscribed lights (OPEN)")

	sent := sock.Sent()
	require.Len(t, sent, 1)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(sent[0], &frame))
	assert.Equal(t, "lights", frame["correlationId"])
	create := frame["createSubscription"].(map[string]any)
	assert.Equal(t, []any{"RESOURCE_CHANGED", "RESOURCE_UPDATED"}, create["eventFilter"])
	assert.Equal(t, []any{"dev-1", "dev-2"}, create["deviceIdFilter"])

	out.Reset()
	c.Execute("list")
	assert.Contains(t, out.String(), "lights")
}

func TestConsole_RandomCorrelationID(t *testing.T) {
	c, _, factory := newTestConsole(t)
	factory.Last().Open()

	c.Execute("sub - registered")

	subs := c.mx.Subscriptions()
	require.Len(t, subs, 1)
	assert.Len(t, subs[0].CorrelationID, 36)
}

func TestConsole_PrintsEvents(t *testing.T) {
	c, out, factory := newTestConsole(t)
	sock := factory.Last()
	sock.Open()

	c.Execute("sub devices registered")

	ack, _ := json.Marshal(map[string]any{
		"result": map[string]any{
			"correlationId":  "devices",
			"subscriptionId": "sub-1",
			"operationProcessed": map[string]any{
				"errorStatus": map[string]any{"code": "OK"},
			},
		},
	})
	sock.Deliver(ack)

	event, _ := json.Marshal(map[string]any{
		"result": map[string]any{
			"correlationId": "devices",
			"subscriptionId": "sub-1",
			"deviceRegistered": map[string]any{"deviceIds": []string{"dev-1"}},
		},
	})
	require.Eventually(t, func() bool {
		sock.Deliver(event)
		return bytes.Contains([]byte(out.String()), []byte("[devices] "))
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "dev-1")
}

func TestConsole_Unsubscribe(t *testing.T) {
	c, out, factory := newTestConsole(t)
	factory.Last().Open()

	c.Execute("sub devices registered")
	c.Execute("unsub devices")
	assert.Contains(t, out.String(), "Unsubscribed devices")
	assert.Empty(t, c.mx.Subscriptions())

	out.Reset()
	c.Execute("list")
	assert.Contains(t, out.String(), "No subscriptions")
}

func TestConsole_StateAndConnect(t *testing.T) {
	c, out, factory := newTestConsole(t)
	sock := factory.Last()
	sock.Open()
	sock.Close(errors.New("reset"))

	c.Execute("state")
	assert.Contains(t, out.String(), "gave up: true")

	out.Reset()
	c.Execute("connect")
	assert.Contains(t, out.String(), "Connecting (CONNECTING)")
	assert.Equal(t, 2, factory.Count())
}

func TestConsole_Errors(t *testing.T) {
	c, out, _ := newTestConsole(t)

	tests := []struct {
		line string
		want string
	}{
		{"sub", "Usage: sub"},
		{"sub x bogus_event", "unknown event type"},
		{"unsub", "Usage: unsub"},
		{"frobnicate", "Unknown command: frobnicate"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			out.Reset()
			assert.False(t, c.Execute(tt.line))
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestConsole_Quit(t *testing.T) {
	c, _, _ := newTestConsole(t)
	assert.True(t, c.Execute("quit"))
	assert.True(t, c.Execute("  EXIT "))
	assert.False(t, c.Execute("   "))
}
