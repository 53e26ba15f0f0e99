package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Writer serializes every mutating transaction through one goroutine.
// There is exactly one Writer per datastore; readers use the pool
// directly. Serializing writes is what makes concurrent failover
// decisions safe: two decisions for the same exit group can never
// interleave.
type Writer struct {
	db   *sql.DB
	jobs chan job

	closeOnce sync.Once
	done      chan struct{}
}

type job struct {
	ctx context.Context
	fn  func(tx *sql.Tx) error
	res chan error
}

// NewWriter starts the writer worker.
func NewWriter(db *sql.DB) *Writer {
	w := &Writer{
		db:   db,
		jobs: make(chan job, 64),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.jobs {
		j.res <- w.exec(j.ctx, j.fn)
	}
}

func (w *Writer) exec(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}
	return nil
}

// Do runs fn inside one write transaction on the writer goroutine. The
// transaction is rolled back if fn returns an error, so a model mutation
// and its audit entry land together or not at all.
func (w *Writer) Do(ctx context.Context, fn func(tx *sql.Tx) error) error {
	j := job{ctx: ctx, fn: fn, res: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.res:
		return err
	case <-ctx.Done():
		// The job still runs to completion on the worker; only the caller
		// stops waiting.
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for the queue to drain.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.jobs)
		<-w.done
	})
}
