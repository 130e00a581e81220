package domain_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/progress/internal/domain"
	"example.com/progress/internal/persistence/memory"
)

var (
	today   = time.Date(2024, time.March, 10, 15, 0, 0, 0, time.UTC)
	errDown = errors.New("connection refused")
)

func fixedClock(t time.Time) domain.Clock {
	return func() time.Time { return t }
}

func save(t *testing.T, store *memory.Store, studentID, sessionID string, savedAt time.Time, payload string) {
	t.Helper()
	_, _, err := store.UpsertRecord(context.Background(), domain.ActivityRecord{
		ID:        uuid.NewString(),
		StudentID: studentID,
		SessionID: sessionID,
		SavedAt:   savedAt,
		Payload:   json.RawMessage(payload),
		CreatedAt: savedAt,
	})
	require.NoError(t, err)
}

func completed(t *testing.T, store *memory.Store, studentID, sessionID string, savedAt time.Time) {
	t.Helper()
	save(t, store, studentID, sessionID, savedAt, `{"completed":true}`)
}

// failingRecords fails every query.
type failingRecords struct {
	*memory.Store
}

func (failingRecords) CountDistinctSessions(context.Context, domain.RecordFilter) (int, error) {
	return 0, errDown
}

func (failingRecords) LatestRecords(context.Context, string, int) ([]domain.ActivityRecord, error) {
	return nil, errDown
}

// countingRecords counts CountDistinctSessions calls.
type countingRecords struct {
	*memory.Store
	calls int
}

func (c *countingRecords) CountDistinctSessions(ctx context.Context, filter domain.RecordFilter) (int, error) {
	c.calls++
	return c.Store.CountDistinctSessions(ctx, filter)
}

type failingBadges struct {
	*memory.Store
	lookupErr error
	findErr   error
	createErr error
	panicMsg  string
}

func (f failingBadges) BadgeByKey(ctx context.Context, key domain.BadgeKey) (*domain.Badge, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.Store.BadgeByKey(ctx, key)
}

func (f failingBadges) FindAward(ctx context.Context, userID, badgeID string) (*domain.BadgeAward, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.Store.FindAward(ctx, userID, badgeID)
}

func (f failingBadges) CreateAward(ctx context.Context, award domain.BadgeAward) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.CreateAward(ctx, award)
}

// racingBadges lets a competing writer land an award between the existence check and
// the insert.
type racingBadges struct {
	*memory.Store
	winner domain.BadgeAward
}

func (r racingBadges) CreateAward(ctx context.Context, award domain.BadgeAward) error {
	if err := r.Store.CreateAward(ctx, r.winner); err != nil {
		return err
	}
	return r.Store.CreateAward(ctx, award)
}
