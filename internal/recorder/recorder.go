package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/devicehub/hubevents/internal/config"
	"github.com/devicehub/hubevents/internal/events"
)

// DB is the subset of *pgxpool.Pool the recorder needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Schema creates the device_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS device_events (
	event_id       UUID PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	device_id      TEXT NOT NULL DEFAULT '',
	payload        JSONB NOT NULL,
	received_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS device_events_device_received_idx
	ON device_events (device_id, received_at);
`

const insertEvent = `
	INSERT INTO device_events (event_id, correlation_id, device_id, payload, received_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (event_id) DO NOTHING
`

// eventNamespace seeds the name-based event ids.
var eventNamespace = uuid.MustParse("4c7b1f0e-2f4d-5a8e-9a37-6d0e9b1c2a55")

// Record is one received event waiting to be written.
type Record struct {
	EventID       uuid.UUID
	CorrelationID string
	DeviceID      string
	Payload       []byte // JSON
	ReceivedAt    time.Time
}

// EventID derives a stable id from the subscription and the encoded payload.
// A frame redelivered by the hub maps to the same row.
func EventID(correlationID string, payload []byte) uuid.UUID {
	name := make([]byte, 0, len(correlationID)+1+len(payload))
	name = append(name, correlationID...)
	name = append(name, 0)
	name = append(name, payload...)
	return uuid.NewSHA1(eventNamespace, name)
}

// Config holds recorder batching settings.
type Config struct {
	BatchSize     int           // Flush when this many records are pending
	FlushInterval time.Duration // Flush at least this often
	BufferSize    int           // Max records held before new ones are dropped
	FlushTimeout  time.Duration // Deadline for one batch insert
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     config.DefaultBatchSize,
		FlushInterval: config.DefaultFlushInterval,
		BufferSize:    config.DefaultBufferSize,
		FlushTimeout:  10 * time.Second,
	}
}

// ConfigFrom builds a Config from the loaded configuration.
func ConfigFrom(cfg config.RecorderConfig) Config {
	c := DefaultConfig()
	c.BatchSize = cfg.BatchSize
	c.FlushInterval = cfg.FlushInterval
	c.BufferSize = cfg.BufferSize
	return c
}

// Metrics tracks recorder activity.
type Metrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Flushes   int64 `json:"flushes"`
	Errors    int64 `json:"errors"`
}

// Stats combines writer metrics and buffer statistics.
type Stats struct {
	Metrics
	Buffer BufferStats `json:"buffer"`
}

// Recorder persists events delivered to its listeners into device_events.
// Listeners only enqueue; a consumer goroutine batches records and a flush
// loop writes them on a timer.
type Recorder struct {
	cfg    Config
	db     DB
	logger *slog.Logger
	now    func() time.Time

	input *GrowableBuffer[Record]

	// Batching
	batch   []Record
	batchMu sync.Mutex

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a Recorder writing to db.
func New(cfg Config, db DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	initial := cfg.BatchSize * 2
	return &Recorder{
		cfg:    cfg,
		db:     db,
		logger: logger,
		now:    time.Now,
		input:  NewGrowableBuffer[Record](initial, cfg.BufferSize),
		batch:  make([]Record, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the device_events table if it does not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create device_events: %w", err)
	}
	return nil
}

// Listener returns an events.Listener that records every payload under
// correlationID.
func (r *Recorder) Listener(correlationID string) events.Listener {
	return func(payload events.EventPayload) {
		r.Record(correlationID, payload)
	}
}

// Record enqueues one event. Returns false if it was dropped because the
// recorder is stopped or its buffer is full.
func (r *Recorder) Record(correlationID string, payload events.EventPayload) bool {
	// Map keys marshal sorted, so equal payloads encode identically
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("dropping event, payload not encodable",
			"correlation_id", correlationID,
			"error", err,
		)
		return false
	}

	rec := Record{
		EventID:       EventID(correlationID, data),
		CorrelationID: correlationID,
		DeviceID:      deviceIDOf(payload),
		Payload:       data,
		ReceivedAt:    r.now(),
	}
	if !r.input.Push(rec) {
		r.logger.Warn("dropping event, recorder buffer unavailable",
			"correlation_id", correlationID,
			"buffered", r.input.Len(),
		)
		return false
	}
	return true
}

// Start begins consuming records and writing them.
func (r *Recorder) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	// Consumer goroutine
	r.wg.Add(1)
	go r.consumeLoop()

	// Flush ticker goroutine
	r.wg.Add(1)
	go r.flushLoop(ctx)

	r.logger.Info("event recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
		"buffer_size", r.cfg.BufferSize,
	)
	return nil
}

// Stop drains buffered records, writes them and shuts down.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping event recorder")

	// The consumer exits once the closed buffer is empty
	r.input.Close()
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("event recorder stop timed out")
		return ctx.Err()
	}

	// Final flush
	r.flush()

	r.logger.Info("event recorder stopped")
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Stats {
	r.batchMu.Lock()
	m := r.metrics
	r.batchMu.Unlock()

	return Stats{
		Metrics: m,
		Buffer:  r.input.Stats(),
	}
}

// consumeLoop moves records from the input buffer into the pending batch.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		rec, ok := r.input.Pop()
		if !ok {
			return
		}

		r.batchMu.Lock()
		r.batch = append(r.batch, rec)
		shouldFlush := len(r.batch) >= r.cfg.BatchSize
		r.batchMu.Unlock()

		if shouldFlush {
			r.flush()
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	if r.cfg.FlushInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush writes the current batch to the database.
func (r *Recorder) flush() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]Record, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()

	conflicts, err := r.batchInsert(ctx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []Record) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, rec := range rows {
		batch.Queue(insertEvent, rec.EventID, rec.CorrelationID, rec.DeviceID, rec.Payload, rec.ReceivedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

// deviceIDOf finds the device id of an event, either at the top level or
// inside its resourceId.
func deviceIDOf(payload events.EventPayload) string {
	if id, ok := payload["deviceId"].(string); ok {
		return id
	}
	if res, ok := payload["resourceId"].(map[string]any); ok {
		if id, ok := res["deviceId"].(string); ok {
			return id
		}
	}
	return ""
}
