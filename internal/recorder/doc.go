// Package recorder persists subscription events to PostgreSQL.
//
// A Recorder hands out events.Listener values. Listeners only push onto a
// bounded GrowableBuffer, so the socket read goroutine never waits on the
// database. A consumer goroutine moves records into a batch that is written
// with pgx.Batch when it reaches BatchSize or when FlushInterval elapses.
//
// Rows are append-only. Each event gets a fresh UUID and inserts use
// ON CONFLICT (event_id) DO NOTHING, so a retried batch never duplicates rows.
package recorder
