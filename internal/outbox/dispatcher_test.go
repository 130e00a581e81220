package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/progress/internal/events"
)

func TestEncodeWireFormatRoundTrip(t *testing.T) {
	payload := []byte(`{"record_id":"r-1"}`)

	frame := encodeWireFormat(258, payload)
	require.Equal(t, byte(0), frame[0])
	require.Equal(t, []byte{0, 0, 1, 2}, frame[1:5])

	id, body, err := DecodeWireFormat(frame)
	require.NoError(t, err)
	require.Equal(t, 258, id)
	require.Equal(t, payload, body)

	_, _, err = DecodeWireFormat([]byte{1, 2})
	require.Error(t, err)
	_, _, err = DecodeWireFormat([]byte{7, 0, 0, 0, 1, '{'})
	require.Error(t, err)
}

func TestBackoffDelayDoublesUntilCapped(t *testing.T) {
	base := time.Minute
	require.Equal(t, time.Minute, backoffDelay(base, 1))
	require.Equal(t, 2*time.Minute, backoffDelay(base, 2))
	require.Equal(t, 16*time.Minute, backoffDelay(base, 5))
	require.Equal(t, time.Hour, backoffDelay(base, 7))
	require.Equal(t, time.Hour, backoffDelay(base, 80))
	require.Equal(t, time.Minute, backoffDelay(base, 0))
}

func TestDeliverGroupsByTopicAndCachesSchemaIDs(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 11}
	dispatcher := NewDispatcher(nil, producer, registry, nil, time.Second, 10)

	messages := []Message{
		{EventID: 1, EventType: events.TypeProgressSaved, Topic: "progress_events", SchemaSubject: "progress_events-value", PartitionKey: "student-1", Payload: json.RawMessage(`{"a":1}`)},
		{EventID: 2, EventType: events.TypeProgressSaved, Topic: "progress_events", SchemaSubject: "progress_events-value", PartitionKey: "student-2", Payload: json.RawMessage(`{"a":2}`)},
		{EventID: 3, EventType: events.TypeBadgeAwarded, Topic: "badge_events", SchemaSubject: "badge_events-value", PartitionKey: "student-1", Payload: json.RawMessage(`{"b":1}`)},
	}

	require.Empty(t, dispatcher.deliver(context.Background(), messages))
	require.Len(t, registry.calls, 2)

	byTopic := producer.byTopic()
	require.Len(t, byTopic["progress_events"], 2)
	require.Len(t, byTopic["badge_events"], 1)

	first := byTopic["progress_events"][0]
	require.Equal(t, []byte("student-1"), first.Key)
	id, body, err := DecodeWireFormat(first.Value)
	require.NoError(t, err)
	require.Equal(t, 11, id)
	require.JSONEq(t, `{"a":1}`, string(body))
	require.Contains(t, first.Headers, kafka.Header{Key: "event_type", Value: []byte(events.TypeProgressSaved)})

	require.Empty(t, dispatcher.deliver(context.Background(), messages[:1]))
	require.Len(t, registry.calls, 2, "schema ids should be served from cache")
}

func TestDeliverRejectsUnknownEventType(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 1}
	dispatcher := NewDispatcher(nil, producer, registry, nil, time.Second, 10)

	failures := dispatcher.deliver(context.Background(), []Message{{EventType: "progress.unknown", Topic: "progress_events"}})
	require.Len(t, failures, 1)
	require.ErrorContains(t, failures[0].err, "no schema metadata for event_type=progress.unknown")
	require.Empty(t, producer.writes)
	require.Empty(t, registry.calls)
}

func TestDeliverPropagatesRegistryFailure(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{err: errors.New("registry down")}
	dispatcher := NewDispatcher(nil, producer, registry, nil, time.Second, 10)

	failures := dispatcher.deliver(context.Background(), []Message{{EventType: events.TypeBadgeAwarded, Topic: "badge_events", SchemaSubject: "badge_events-value"}})
	require.Len(t, failures, 1)
	require.ErrorContains(t, failures[0].err, "registry down")
	require.Empty(t, producer.writes)
}

func TestDeliverIsolatesFailingTopic(t *testing.T) {
	producer := &stubProducer{failTopic: "badge_events"}
	dispatcher := NewDispatcher(nil, producer, &stubRegistry{id: 3}, nil, time.Second, 10)

	messages := []Message{
		{EventID: 1, EventType: events.TypeBadgeAwarded, Topic: "badge_events", SchemaSubject: "badge_events-value", PartitionKey: "student-1"},
		{EventID: 2, EventType: events.TypeProgressSaved, Topic: "progress_events", SchemaSubject: "progress_events-value", PartitionKey: "student-1"},
		{EventID: 3, EventType: "progress.unknown", Topic: "progress_events", PartitionKey: "student-2"},
	}

	failures := dispatcher.deliver(context.Background(), messages)
	require.Len(t, failures, 2)

	failedIDs := []int64{failures[0].msg.EventID, failures[1].msg.EventID}
	require.ElementsMatch(t, []int64{1, 3}, failedIDs)

	byTopic := producer.byTopic()
	require.Len(t, byTopic["progress_events"], 1)
	require.Equal(t, []byte("student-1"), byTopic["progress_events"][0].Key)
	require.Empty(t, byTopic["badge_events"])
}

func TestSchemaRegistryClientRegistersMissingSubject(t *testing.T) {
	var registered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subjects/progress_events-value/versions/latest":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/subjects/progress_events-value/versions":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			registered = body["schema"]
			_, _ = w.Write([]byte(`{"id":5}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewSchemaRegistryClient(srv.URL)
	id, err := client.EnsureSchema(context.Background(), "progress_events-value", progressSavedSchema)
	require.NoError(t, err)
	require.Equal(t, 5, id)
	require.Equal(t, progressSavedSchema, registered)
}

func TestSchemaRegistryClientReusesLatestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":9,"version":3}`))
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "badge_events-value", badgeAwardedSchema)
	require.NoError(t, err)
	require.Equal(t, 9, id)
}

type stubProducer struct {
	mu        sync.Mutex
	err       error
	failTopic string
	writes    []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if topic == s.failTopic {
		return errors.New("leader not available")
	}

	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

func (s *stubProducer) byTopic() map[string][]kafka.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]kafka.Message)
	for _, w := range s.writes {
		out[w.topic] = append(out[w.topic], w.messages...)
	}
	return out
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}

func TestSchemaRegistryClientDoesNotRegisterOnServerError(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts++
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL+"/").EnsureSchema(context.Background(), "badge_events-value", badgeAwardedSchema)
	require.ErrorContains(t, err, "status 500")
	require.Zero(t, posts)
}
