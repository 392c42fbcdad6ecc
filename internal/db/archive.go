// Package db archives completed sessions and their event timelines to
// an embedded SQLite database. Writes are queued and asynchronous; a
// full queue or a write failure never fails a session.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_results (
	session_id  TEXT PRIMARY KEY,
	topic       TEXT NOT NULL,
	task_type   TEXT NOT NULL,
	status      TEXT NOT NULL,
	success     INTEGER NOT NULL,
	output      TEXT,
	metadata    TEXT,
	quality     REAL,
	duration_ms INTEGER,
	created_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	stage      TEXT,
	payload    TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, seq);
`

type writeRequest struct {
	insert string
	args   []interface{}
}

// Archive is the async writer. Close drains the queue.
type Archive struct {
	db       *sqlx.DB
	logger   *zap.Logger
	queue    chan writeRequest
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

// Open opens (creating if needed) the archive at path and starts the
// write workers.
func Open(path string, logger *zap.Logger) (*Archive, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}

	a := &Archive{
		db:     db,
		logger: logger,
		queue:  make(chan writeRequest, 256),
		stopCh: make(chan struct{}),
	}
	a.workerWg.Add(1)
	go a.worker()
	return a, nil
}

// NewWithDB wraps an existing connection; tests inject sqlmock here.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Archive {
	a := &Archive{
		db:     db,
		logger: logger,
		queue:  make(chan writeRequest, 256),
		stopCh: make(chan struct{}),
	}
	a.workerWg.Add(1)
	go a.worker()
	return a
}

func (a *Archive) worker() {
	defer a.workerWg.Done()
	for {
		select {
		case req := <-a.queue:
			a.exec(req)
		case <-a.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case req := <-a.queue:
					a.exec(req)
				default:
					return
				}
			}
		}
	}
}

func (a *Archive) exec(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.db.ExecContext(ctx, req.insert, req.args...); err != nil {
		a.logger.Warn("Archive write failed", zap.Error(err))
	}
}

func (a *Archive) enqueue(req writeRequest) {
	select {
	case a.queue <- req:
	default:
		a.logger.Warn("Archive queue full, dropping write")
	}
}

// RecordResult archives the final TaskResult of a session.
func (a *Archive) RecordResult(sessionID string, task models.Task, result models.TaskResult) {
	metadata, _ := json.Marshal(result.Metadata)
	quality := 0.0
	if result.QualityScore != nil {
		quality = result.QualityScore.Overall
	}
	a.enqueue(writeRequest{
		insert: `INSERT OR REPLACE INTO task_results
			(session_id, topic, task_type, status, success, output, metadata, quality, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []interface{}{
			sessionID, task.Topic, task.TaskType, result.Status, result.Success,
			result.OutputContent, string(metadata), quality,
			result.ExecutionTime.Milliseconds(), time.Now(),
		},
	})
}

// RecordEvent archives one progress event for the session timeline.
func (a *Archive) RecordEvent(sessionID string, seq uint64, eventType, stage string, payload []byte) {
	a.enqueue(writeRequest{
		insert: `INSERT INTO session_events (session_id, seq, type, stage, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		args: []interface{}{sessionID, seq, eventType, stage, string(payload), time.Now()},
	})
}

// Close stops the worker after draining queued writes.
func (a *Archive) Close() error {
	close(a.stopCh)
	a.workerWg.Wait()
	return a.db.Close()
}
