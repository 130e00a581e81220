// Package consumer reads progress and badge events from Kafka and reacts to them.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/progress/internal/logging"
	"example.com/progress/internal/outbox"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record emitted by the outbox dispatcher.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	StudentID     string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRetry makes the processor call the handler up to attempts times per message,
// doubling the wait from backoff between calls.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(p *Processor) {
		p.attempts = max(attempts, 1)
		p.backoff = backoff
	}
}

// ErrHandlerFailed is returned by Run when a message still fails after every retry.
// Run stops there so no later offset on the partition is committed past it; the caller
// closes the reader and starts again from the last committed offset.
var ErrHandlerFailed = errors.New("handler failed")

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
// Offsets are committed for handled and undecodable messages only.
type Processor struct {
	reader   Reader
	handler  Handler
	logger   *logging.Logger
	attempts int
	backoff  time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:   reader,
		handler:  handler,
		logger:   logging.Nop(),
		attempts: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("fetch error", "error", err)
			continue
		}

		event, err := p.process(ctx, msg)
		if err != nil {
			return err
		}
		if err := p.reader.CommitMessages(ctx, msg); err != nil {
			p.logger.Warn("commit error", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		if event != nil {
			recordProcessed(*event)
		}
	}
}

// process returns an error when msg must not be committed. Undecodable messages return
// a nil event and no error so they cannot block the partition.
func (p *Processor) process(ctx context.Context, msg kafka.Message) (*Message, error) {
	event, err := decodeMessage(msg)
	if err != nil {
		p.logger.Warn("decode error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		recordDecodeError(msg.Topic)
		return nil, nil
	}

	wait := p.backoff
	for attempt := 1; ; attempt++ {
		err = p.handler.Handle(ctx, event)
		if err == nil {
			return &event, nil
		}
		if attempt >= p.attempts || ctx.Err() != nil {
			break
		}
		p.logger.Debug("handler retry", "event_type", event.EventType, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		wait *= 2
	}

	p.logger.Error("handler error", "event_type", event.EventType, "student_id", event.StudentID, "offset", event.Offset, "error", err)
	recordHandlerError(event)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("%w: %s partition %d offset %d: %w", ErrHandlerFailed, event.Topic, event.Partition, event.Offset, err)
}

func decodeMessage(msg kafka.Message) (Message, error) {
	schemaID, body, err := outbox.DecodeWireFormat(msg.Value)
	if err != nil {
		return Message{}, err
	}

	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	schemaSubject, _ := headerValue(msg, "schema_subject")
	studentID, ok := headerValue(msg, "student_id")
	if !ok {
		studentID = msg.Key
	}

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		StudentID:     string(studentID),
		SchemaSubject: string(schemaSubject),
		SchemaID:      schemaID,
		Payload:       json.RawMessage(append([]byte(nil), body...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}

// Chain runs handlers in order and stops at the first error.
type Chain []Handler

// Handle implements Handler.
func (c Chain) Handle(ctx context.Context, msg Message) error {
	for _, h := range c {
		if err := h.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
