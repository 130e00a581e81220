package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/progress/internal/domain"
	"example.com/progress/internal/events"
	"example.com/progress/internal/persistence/memory"
)

func TestBadgeHandlerAwardsWeeklyStreakOnCompletedSave(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	svc := domain.NewService(store, store, domain.WithClock(func() time.Time { return now }), domain.WithLocation(time.UTC))

	for i, session := range []string{"s1", "s2", "s3", "s4"} {
		seedCompleted(t, store, "student-1", session, now.AddDate(0, 0, -i))
	}

	handler := NewBadgeHandler(svc, testLogger(t))
	require.NoError(t, handler.Handle(ctx, progressSavedMessage(t, "student-1", true)))

	awards, err := store.ListAwards(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, awards, 1)
	require.Equal(t, "badge-streak-7-days", awards[0].BadgeID)

	require.NoError(t, handler.Handle(ctx, progressSavedMessage(t, "student-1", true)))
	awards, err = store.ListAwards(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, awards, 1, "redelivery must not grant a second award")
}

func TestBadgeHandlerIgnoresIncompleteSaves(t *testing.T) {
	awarder := &stubAwarder{}
	handler := NewBadgeHandler(awarder, testLogger(t))

	require.NoError(t, handler.Handle(context.Background(), progressSavedMessage(t, "student-1", false)))
	require.Zero(t, awarder.calls)

	require.NoError(t, handler.Handle(context.Background(), Message{EventType: "progress.unknown"}))
	require.Zero(t, awarder.calls)
}

func TestBadgeHandlerReturnsErrorWhenMetricsUnavailable(t *testing.T) {
	awarder := &stubAwarder{outcome: domain.Outcome{Kind: domain.OutcomeUnavailable, Reason: errors.New("db down")}}
	handler := NewBadgeHandler(awarder, testLogger(t))

	err := handler.Handle(context.Background(), progressSavedMessage(t, "student-1", true))
	require.ErrorContains(t, err, "db down")
	require.Equal(t, 2, awarder.calls)
}

func TestBadgeHandlerCountsObservedAwards(t *testing.T) {
	handler := NewBadgeHandler(&stubAwarder{}, testLogger(t))
	before := testutil.ToFloat64(awardsObservedCounter.WithLabelValues("badge-perfect-session"))

	body, err := json.Marshal(events.BadgeAwarded{AwardID: "a-1", StudentID: "student-1", BadgeID: "badge-perfect-session", AwardedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, handler.Handle(context.Background(), Message{EventType: events.TypeBadgeAwarded, Payload: body}))

	require.InDelta(t, before+1, testutil.ToFloat64(awardsObservedCounter.WithLabelValues("badge-perfect-session")), 0.0001)
}

func seedCompleted(t *testing.T, store *memory.Store, studentID, sessionID string, savedAt time.Time) {
	t.Helper()
	_, _, err := store.UpsertRecord(context.Background(), domain.ActivityRecord{
		StudentID: studentID,
		SessionID: sessionID,
		SavedAt:   savedAt,
		Payload:   json.RawMessage(`{"completed":true}`),
	})
	require.NoError(t, err)
}

func progressSavedMessage(t *testing.T, studentID string, completed bool) Message {
	t.Helper()
	body, err := json.Marshal(events.ProgressSaved{
		RecordID:  "r-1",
		StudentID: studentID,
		SessionID: "s1",
		Completed: completed,
		SavedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return Message{Topic: "progress_events", EventType: events.TypeProgressSaved, StudentID: studentID, Payload: body}
}

type stubAwarder struct {
	calls   int
	outcome domain.Outcome
}

func (s *stubAwarder) Award(_ context.Context, _ string, _ domain.Event) domain.Outcome {
	s.calls++
	if s.outcome.Kind == "" {
		return domain.Outcome{Kind: domain.OutcomeNotEarned}
	}
	return s.outcome
}
