package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// deliveryFailure pairs an outbox message with the reason it could not be published.
type deliveryFailure struct {
	msg Message
	err error
}

// DLQWriter persists events that could not be published.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter initialises a writer backed by the provided connection pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Write records failed messages in the DLQ in one round trip. Each entry is due for
// its first retry immediately.
func (w *DLQWriter) Write(ctx context.Context, failures []deliveryFailure) error {
	if len(failures) == 0 {
		return nil
	}

	const stmt = `INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, NOW())`

	batch := &pgx.Batch{}
	for _, f := range failures {
		m := f.msg
		batch.Queue(stmt, m.EventID, m.EventType, m.Topic, []byte(m.Payload), f.err.Error(), m.AggregateType, m.AggregateID, m.SchemaSubject, m.PartitionKey)
	}
	return w.pool.SendBatch(ctx, batch).Close()
}
