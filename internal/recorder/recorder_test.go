package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hubevents/internal/events"
)

// fakeDB records every batch and answers each queued insert with the next
// entry of tags, defaulting to one inserted row.
type fakeDB struct {
	mu       sync.Mutex
	execs    []string
	batches  [][]*pgx.QueuedQuery
	tags     []string
	batchErr error
	execErr  error
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	res := &fakeResults{err: f.batchErr}
	for range b.QueuedQueries {
		tag := "INSERT 0 1"
		if len(f.tags) > 0 {
			tag, f.tags = f.tags[0], f.tags[1:]
		}
		res.tags = append(res.tags, tag)
	}
	return res
}

func (f *fakeDB) queued() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeDB) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeResults struct {
	tags []string
	err  error
	next int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := r.tags[r.next]
	r.next++
	return pgconn.NewCommandTag(tag), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func testRecorderConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Hour,
		BufferSize:    10,
		FlushTimeout:  time.Second,
	}
}

func stopRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestRecorder_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	r := New(testRecorderConfig(), db, nil)

	require.NoError(t, r.EnsureSchema(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS device_events")

	db.execErr = errors.New("permission denied")
	err := r.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, db.execErr)
}

func TestRecorder_FlushOnStop(t *testing.T) {
	db := &fakeDB{}
	r := New(testRecorderConfig(), db, nil)
	fixed := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.Start(context.Background()))

	listener := r.Listener("temp-sensors")
	listener(events.EventPayload{"deviceId": "dev-1", "value": 21.5})
	listener(events.EventPayload{
		"resourceId": map[string]any{"deviceId": "dev-2", "resource": "temp"},
	})

	stopRecorder(t, r)

	queued := db.queued()
	require.Len(t, queued, 2)

	first := queued[0].Arguments
	require.Len(t, first, 5)
	assert.Equal(t, "temp-sensors", first[1])
	assert.Equal(t, "dev-1", first[2])
	assert.Equal(t, fixed, first[4])

	var payload map[string]any
	require.NoError(t, json.Unmarshal(first[3].([]byte), &payload))
	assert.Equal(t, 21.5, payload["value"])

	assert.Equal(t, "dev-2", queued[1].Arguments[2])
	assert.NotEqual(t, first[0], queued[1].Arguments[0], "event ids must be unique")

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Inserts)
	assert.Equal(t, int64(1), stats.Flushes)
	assert.Equal(t, int64(2), stats.Buffer.Popped)
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	cfg := testRecorderConfig()
	cfg.BatchSize = 3
	r := New(cfg, db, nil)
	require.NoError(t, r.Start(context.Background()))
	defer stopRecorder(t, r)

	for i := 0; i < 3; i++ {
		r.Record("c1", events.EventPayload{"n": i})
	}

	require.Eventually(t, func() bool { return db.batchCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Len(t, db.queued(), 3)
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	db := &fakeDB{}
	cfg := testRecorderConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	r := New(cfg, db, nil)
	require.NoError(t, r.Start(context.Background()))
	defer stopRecorder(t, r)

	r.Record("c1", events.EventPayload{"deviceId": "dev-1"})

	require.Eventually(t, func() bool { return db.batchCount() >= 1 },
		time.Second, 5*time.Millisecond)
}

func TestRecorder_CountsConflicts(t *testing.T) {
	db := &fakeDB{tags: []string{"INSERT 0 1", "INSERT 0 0", "INSERT 0 1"}}
	r := New(testRecorderConfig(), db, nil)
	require.NoError(t, r.Start(context.Background()))

	for i := 0; i < 3; i++ {
		r.Record("c1", events.EventPayload{"n": i})
	}
	stopRecorder(t, r)

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Inserts)
	assert.Equal(t, int64(1), stats.Conflicts)
}

func TestRecorder_RedeliveredEventSharesID(t *testing.T) {
	db := &fakeDB{}
	r := New(testRecorderConfig(), db, nil)
	require.NoError(t, r.Start(context.Background()))

	payload := events.EventPayload{"deviceId": "dev-1", "version": 4}
	r.Record("c1", payload)
	r.Record("c1", events.EventPayload{"version": 4, "deviceId": "dev-1"})
	r.Record("c2", payload)
	stopRecorder(t, r)

	queued := db.queued()
	require.Len(t, queued, 3)
	assert.Equal(t, queued[0].Arguments[0], queued[1].Arguments[0], "same event, same id")
	assert.NotEqual(t, queued[0].Arguments[0], queued[2].Arguments[0], "id is scoped to the subscription")
}

func TestRecorder_UnencodablePayloadDropped(t *testing.T) {
	r := New(testRecorderConfig(), &fakeDB{}, nil)
	assert.False(t, r.Record("c1", events.EventPayload{"bad": make(chan int)}))
	assert.Zero(t, r.input.Len())
}

func TestEventID(t *testing.T) {
	a := EventID("c1", []byte(`{"n":1}`))
	assert.Equal(t, a, EventID("c1", []byte(`{"n":1}`)))
	assert.NotEqual(t, a, EventID("c1", []byte(`{"n":2}`)))
	assert.NotEqual(t, a, EventID("c2", []byte(`{"n":1}`)))
	assert.Equal(t, uuid.Version(5), a.Version())
}

func TestRecorder_InsertError(t *testing.T) {
	db := &fakeDB{batchErr: errors.New("connection reset")}
	r := New(testRecorderConfig(), db, nil)
	require.NoError(t, r.Start(context.Background()))

	r.Record("c1", events.EventPayload{"n": 1})
	stopRecorder(t, r)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Zero(t, stats.Inserts)
	assert.Zero(t, stats.Flushes)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	db := &fakeDB{}
	cfg := testRecorderConfig()
	cfg.BufferSize = 2
	r := New(cfg, db, nil)

	// Not started: nothing consumes, so the buffer fills
	assert.True(t, r.Record("c1", events.EventPayload{"n": 1}))
	assert.True(t, r.Record("c1", events.EventPayload{"n": 2}))
	assert.False(t, r.Record("c1", events.EventPayload{"n": 3}))

	assert.Equal(t, int64(1), r.Stats().Buffer.Dropped)
}

func TestRecorder_RecordAfterStop(t *testing.T) {
	db := &fakeDB{}
	r := New(testRecorderConfig(), db, nil)
	require.NoError(t, r.Start(context.Background()))
	stopRecorder(t, r)

	assert.False(t, r.Record("c1", events.EventPayload{"n": 1}))
	assert.Zero(t, db.batchCount())
}

func TestDeviceIDOf(t *testing.T) {
	tests := []struct {
		name    string
		payload events.EventPayload
		want    string
	}{
		{"top level", events.EventPayload{"deviceId": "d1"}, "d1"},
		{"resource id", events.EventPayload{"resourceId": map[string]any{"deviceId": "d2"}}, "d2"},
		{"top level wins", events.EventPayload{"deviceId": "d1", "resourceId": map[string]any{"deviceId": "d2"}}, "d1"},
		{"wrong type", events.EventPayload{"deviceId": 42}, ""},
		{"missing", events.EventPayload{"value": 1}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deviceIDOf(tt.payload))
		})
	}
}
