package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/progress/internal/logging"
)

const maxBackoff = time.Hour

// DLQManager retries failed outbox messages and quarantines entries that exhaust their retries.
// Entries are locked one at a time, so several managers can share the DLQ table.
type DLQManager struct {
	pool       *pgxpool.Pool
	logger     *logging.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, logger *logging.Logger, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &DLQManager{pool: pool, logger: logger, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (m *DLQManager) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		processed, err := m.RunOnce(ctx, batchSize)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			m.logger.Error("dlq manager error", "error", err, "processed", processed)
		case processed > 0:
			m.logger.Info("dlq manager processed entries", "count", processed)
		}
	}
}

// RunOnce handles up to batchSize due entries, oldest first, and returns how many it
// settled. It stops at the first entry it cannot settle.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	defer refreshDLQBacklog(ctx, m.pool)

	processed := 0
	for processed < batchSize {
		found, err := m.handleNext(ctx)
		if err != nil {
			return processed, err
		}
		if !found {
			break
		}
		processed++
	}
	return processed, nil
}

// handleNext locks the oldest due entry and either quarantines it, moves it back to the
// outbox, or pushes its next attempt out. It reports false when nothing is due.
func (m *DLQManager) handleNext(ctx context.Context) (bool, error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at, dlq_id
        LIMIT 1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return false, err
	}
	entry, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[dlqEntry])
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	outcome := dlqOutcomeQuarantined
	if entry.RetryCount >= m.maxRetries {
		err = quarantine(ctx, tx, entry)
	} else {
		outcome, err = m.requeueOrDefer(ctx, tx, entry)
	}
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	recordDLQOutcome(entry, outcome)
	if outcome == dlqOutcomeQuarantined {
		m.logger.Warn("dlq entry quarantined", "dlq_id", entry.ID, "event_type", entry.EventType, "retries", entry.RetryCount)
	}
	return true, nil
}

// requeueOrDefer tries the outbox insert under a savepoint. When it fails the savepoint
// is discarded and the entry keeps its lock while the retry is scheduled.
func (m *DLQManager) requeueOrDefer(ctx context.Context, tx pgx.Tx, entry dlqEntry) (string, error) {
	cause := requeue(ctx, tx, entry)
	if cause == nil {
		return dlqOutcomeRequeued, nil
	}

	delay := backoffDelay(m.baseDelay, entry.RetryCount+1)
	_, err := tx.Exec(ctx,
		`UPDATE outbox_dlq
            SET retry_count = retry_count + 1,
                last_attempt_at = NOW(),
                next_retry_at = NOW() + $1::interval,
                reason = $2
          WHERE dlq_id = $3`,
		delay, cause.Error(), entry.ID,
	)
	if err != nil {
		return "", err
	}
	m.logger.Debug("dlq retry scheduled", "dlq_id", entry.ID, "attempt", entry.RetryCount+1, "delay", delay, "cause", cause)
	return dlqOutcomeRetryScheduled, nil
}

func requeue(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	savepoint, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer savepoint.Rollback(ctx)

	if _, err := savepoint.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic, entry.SchemaSubject, entry.PartitionKey, entry.Payload,
	); err != nil {
		return err
	}
	if _, err := savepoint.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return err
	}
	return savepoint.Commit(ctx)
}

func quarantine(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	_, err := tx.Exec(ctx,
		`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
		"retry limit reached", entry.ID,
	)
	return err
}

// backoffDelay doubles base for every attempt after the first, capped at one hour.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return maxBackoff
	}
	delay := time.Duration(1<<uint(attempt-1)) * base
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay
}

// dlqEntry mirrors the columns selected by handleNext, in order.
type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}
