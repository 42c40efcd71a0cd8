package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hubevents/internal/connection"
	"github.com/devicehub/hubevents/internal/connection/connectiontest"
	"github.com/devicehub/hubevents/internal/events"
	"github.com/devicehub/hubevents/internal/model"
)

type testEnv struct {
	mx      *events.Multiplexer
	pool    *connection.Pool
	factory *connectiontest.Factory
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	factory := connectiontest.NewFactory()

	cfg := events.DefaultConfig()
	cfg.MaxReconnectAttempts = 0
	cfg.ListenerEnableDelay = 0
	mx := events.New(cfg, factory.New, logger)
	require.NoError(t, mx.Start(context.Background()))
	t.Cleanup(mx.Stop)

	pool := connection.NewPool(connection.DefaultPoolConfig(), factory.New, logger)
	t.Cleanup(pool.Close)

	server := httptest.NewServer(newRouter(mx, pool, nil, logger))
	t.Cleanup(server.Close)

	return &testEnv{mx: mx, pool: pool, factory: factory, server: server}
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	sock := env.factory.ByPath(events.DefaultConfig().Path)
	require.NotNil(t, sock)

	// Still connecting
	status, body := getJSON(t, env.server.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", body["status"])

	sock.Open()
	status, body = getJSON(t, env.server.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	// No reconnect budget: the first close is terminal
	sock.Close(errors.New("connection reset"))
	status, body = getJSON(t, env.server.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, events.ErrReconnectExhausted.Error(), body["error"])
}

func TestDebugSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	spec := model.SubscriptionSpec{EventFilter: []model.EventType{model.EventRegistered}}
	require.NoError(t, env.mx.Subscribe(spec, "devices", func(events.EventPayload) {}))

	env.factory.Last().Open()

	status, body := getJSON(t, env.server.URL+"/debug/subscriptions")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OPEN", body["state"])
	assert.EqualValues(t, 1, body["count"])

	subs := body["subscriptions"].([]any)
	require.Len(t, subs, 1)
	assert.Equal(t, "devices", subs[0].(map[string]any)["correlation_id"])
}

func TestDebugStreams(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.pool.AddClient(connection.ClientSpec{
		Name: "device-1",
		Path: "/api/v1/ws/devices/1",
	}))

	status, body := getJSON(t, env.server.URL+"/debug/streams")
	assert.Equal(t, http.StatusOK, status)

	streams := body["streams"].([]any)
	require.Len(t, streams, 1)
	assert.Equal(t, "device-1", streams[0].(map[string]any)["name"])
}

func TestDebugRecorderDisabled(t *testing.T) {
	env := newTestEnv(t)

	status, body := getJSON(t, env.server.URL+"/debug/recorder")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "recorder disabled", body["error"])
}

func TestStreamSend(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.pool.AddClient(connection.ClientSpec{
		Name: "device-1",
		Path: "/api/v1/ws/devices/1",
	}))
	sock := env.factory.ByPath("/api/v1/ws/devices/1")
	require.NotNil(t, sock)

	post := func(name, body string) int {
		resp, err := http.Post(env.server.URL+"/streams/"+name+"/send", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	// Not open yet
	assert.Equal(t, http.StatusConflict, post("device-1", `{"ping":1}`))

	sock.Open()
	assert.Equal(t, http.StatusAccepted, post("device-1", `{"ping":1}`))
	require.Eventually(t, func() bool { return len(sock.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"ping":1}`, string(sock.Sent()[0]))

	assert.Equal(t, http.StatusNotFound, post("nope", `{}`))
	assert.Equal(t, http.StatusBadRequest, post("device-1", ""))
}
