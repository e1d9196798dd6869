package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// microbatchInsert buffers inserts behind a pgx.Batch and flushes once
// batchSize is reached, so the bootstrap crawl can land its release rows
// without a round trip per row.
type microbatchInsert struct {
	tx        pgx.Tx
	batch     *pgx.Batch
	batchSize int
	queued    int
	timeout   time.Duration
}

func newMicrobatchInsert(tx pgx.Tx, batchSize int, timeout time.Duration) *microbatchInsert {
	if timeout == 0 {
		timeout = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &microbatchInsert{tx: tx, batchSize: batchSize, timeout: timeout}
}

// Queue enqueues a statement, flushing the current batch first if it is
// already at capacity.
func (m *microbatchInsert) Queue(ctx context.Context, query string, args ...interface{}) error {
	if m.queued == m.batchSize {
		if err := m.flush(ctx); err != nil {
			return fmt.Errorf("flushing microbatch: %w", err)
		}
	}
	if m.batch == nil {
		m.batch = &pgx.Batch{}
	}
	m.batch.Queue(query, args...)
	m.queued++
	return nil
}

func (m *microbatchInsert) flush(ctx context.Context) error {
	if m.queued == 0 {
		return nil
	}
	tctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	res := m.tx.SendBatch(tctx, m.batch)
	defer res.Close()
	for i := 0; i < m.queued; i++ {
		if _, err := res.Exec(); err != nil {
			// A duplicate key within a bulk insert is as benign here as
			// it is for a single insert; the caller is expected to pass
			// ON CONFLICT DO NOTHING statements so this path only sees
			// genuine failures.
			return err
		}
	}
	m.batch = nil
	m.queued = 0
	return nil
}

// Done flushes any remaining queued statements. Callers must call Done once
// after the final Queue call.
func (m *microbatchInsert) Done(ctx context.Context) error {
	return m.flush(ctx)
}
