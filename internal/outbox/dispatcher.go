// Package outbox delivers progress and badge events recorded in Postgres to Kafka.
package outbox

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/progress/internal/logging"
)

// claimLease is how long a claimed row stays invisible to other dispatchers. Rows whose
// dispatcher died mid-batch become claimable again once it expires.
const claimLease = 5 * time.Minute

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Message represents a claimed outbox row.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// Dispatcher drains the outbox table and delivers events to Kafka using Schema Registry metadata.
// Several dispatchers may share one table; rows are claimed with SKIP LOCKED.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	dlq          *DLQWriter
	logger       *logging.Logger
	pollInterval time.Duration
	batchSize    int
	schemaIDs    sync.Map // subject -> schema id
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, logger *logging.Logger, pollInterval time.Duration, batchSize int) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		dlq:          NewDLQWriter(pool),
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run polls the outbox until ctx is cancelled. A full batch is followed immediately by
// the next one, so a backlog drains without waiting for the ticker.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		claimed, err := d.processBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox dispatcher error", "error", err)
		}
		if err == nil && claimed == d.batchSize {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processBatch claims, delivers and settles one batch and reports how many rows it claimed.
// Rows that fail delivery are written to the DLQ; every claimed row ends up published.
func (d *Dispatcher) processBatch(ctx context.Context) (int, error) {
	start := time.Now()

	messages, err := d.claim(ctx)
	if err != nil || len(messages) == 0 {
		return 0, err
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	failures := d.deliver(ctx, messages)
	if len(failures) > 0 {
		d.logger.Warn("outbox delivery failure",
			"error", failures[0].err,
			"failed", len(failures),
			"batch_size", len(messages),
		)
		if err := d.dlq.Write(ctx, failures); err != nil {
			return len(messages), fmt.Errorf("write dlq: %w", err)
		}
	}

	failed := make(map[int64]bool, len(failures))
	for _, f := range failures {
		failed[f.msg.EventID] = true
		recordEvent(f.msg, resultDeadLettered)
	}
	for _, msg := range messages {
		if !failed[msg.EventID] {
			recordEvent(msg, resultDelivered)
		}
	}

	return len(messages), d.markPublished(ctx, messages)
}

func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	const query = `UPDATE outbox SET claimed_at = NOW()
        WHERE event_id IN (
            SELECT event_id FROM outbox
            WHERE published_at IS NULL
              AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
            ORDER BY event_id
            LIMIT $1
            FOR UPDATE SKIP LOCKED)
        RETURNING event_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload`

	rows, err := d.pool.Query(ctx, query, d.batchSize, claimLease)
	if err != nil {
		return nil, err
	}
	messages, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
	if err != nil {
		return nil, err
	}
	slices.SortFunc(messages, func(a, b Message) int { return cmp.Compare(a.EventID, b.EventID) })
	return messages, nil
}

// deliver publishes messages with one write per topic. A failure only affects the
// messages it concerns; the rest of the batch is still sent.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) []deliveryFailure {
	var (
		failures []deliveryFailure
		topics   []string
		pending  = make(map[string][]Message)
		records  = make(map[string][]kafka.Message)
	)

	for _, msg := range messages {
		record, err := d.encode(ctx, msg)
		if err != nil {
			failures = append(failures, deliveryFailure{msg: msg, err: err})
			continue
		}
		if _, seen := records[msg.Topic]; !seen {
			topics = append(topics, msg.Topic)
		}
		pending[msg.Topic] = append(pending[msg.Topic], msg)
		records[msg.Topic] = append(records[msg.Topic], record)
	}

	for _, topic := range topics {
		if err := d.producer.WriteMessages(ctx, topic, records[topic]...); err != nil {
			err = fmt.Errorf("write %s: %w", topic, err)
			for _, msg := range pending[topic] {
				failures = append(failures, deliveryFailure{msg: msg, err: err})
			}
		}
	}
	return failures
}

func (d *Dispatcher) encode(ctx context.Context, msg Message) (kafka.Message, error) {
	schema, ok := eventSchemas[msg.EventType]
	if !ok {
		return kafka.Message{}, fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
	}
	schemaID, err := d.schemaID(ctx, msg.SchemaSubject, schema)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(schemaID, msg.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
			{Key: "student_id", Value: []byte(msg.PartitionKey)},
		},
		Time: time.Now().UTC(),
	}, nil
}

// schemaID returns the registry id for subject, registering schema on first use.
// Ids are cached for the life of the dispatcher.
func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	if cached, ok := d.schemaIDs.Load(subject); ok {
		return cached.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, fmt.Errorf("schema for %s: %w", subject, err)
	}
	d.schemaIDs.Store(subject, id)
	return id, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}
