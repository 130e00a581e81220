package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/progress/internal/domain"
)

var base = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestUpsertRecordKeepsIdentity(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first, created, err := store.UpsertRecord(ctx, domain.ActivityRecord{
		StudentID: "student-1",
		SessionID: "s-1",
		SavedAt:   base,
		Payload:   json.RawMessage(`{"completed":false}`),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, first.ID)
	require.Equal(t, base, first.CreatedAt)

	second, created, err := store.UpsertRecord(ctx, domain.ActivityRecord{
		ID:        "ignored",
		StudentID: "student-1",
		SessionID: "s-1",
		SavedAt:   base.Add(time.Hour),
		Payload:   json.RawMessage(`{"completed":true}`),
		CreatedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, base, second.CreatedAt)
	require.Equal(t, base.Add(time.Hour), second.SavedAt)
	require.JSONEq(t, `{"completed":true}`, string(second.Payload))
}

func TestCountDistinctSessionsMatchesNestedPath(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	seed := []struct {
		session string
		at      time.Time
		payload string
	}{
		{"a", base, `{"completed":true,"summary":{"grade":"A"}}`},
		{"b", base.Add(-48 * time.Hour), `{"completed":true,"summary":{"grade":"A"}}`},
		{"c", base, `{"completed":false,"summary":{"grade":"B"}}`},
		{"d", base, `{"completed":true,"summary":"flat"}`},
	}
	for _, s := range seed {
		_, _, err := store.UpsertRecord(ctx, domain.ActivityRecord{
			StudentID: "student-1",
			SessionID: s.session,
			SavedAt:   s.at,
			Payload:   json.RawMessage(s.payload),
		})
		require.NoError(t, err)
	}

	count, err := store.CountDistinctSessions(ctx, domain.RecordFilter{StudentID: "student-1", Path: []string{"summary", "grade"}, Equals: "A"})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	since := base.Add(-24 * time.Hour)
	count, err = store.CountDistinctSessions(ctx, domain.RecordFilter{StudentID: "student-1", Path: []string{"completed"}, Equals: true, Since: &since})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	until := base
	count, err = store.CountDistinctSessions(ctx, domain.RecordFilter{StudentID: "student-1", Path: []string{"completed"}, Equals: true, Until: &until})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = store.CountDistinctSessions(ctx, domain.RecordFilter{StudentID: "student-2", Path: []string{"completed"}, Equals: true})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestListRecordsOrdersBySavedAtThenID(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for _, rec := range []domain.ActivityRecord{
		{ID: "rec-1", SessionID: "a", SavedAt: base},
		{ID: "rec-2", SessionID: "b", SavedAt: base},
		{ID: "rec-3", SessionID: "c", SavedAt: base.Add(-time.Minute)},
		{ID: "rec-4", SessionID: "d", SavedAt: base.Add(time.Minute)},
	} {
		rec.StudentID = "student-1"
		rec.Payload = json.RawMessage(`{}`)
		_, _, err := store.UpsertRecord(ctx, rec)
		require.NoError(t, err)
	}

	page, next, err := store.ListRecords(ctx, "student-1", nil, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"rec-4", "rec-2"}, ids(page))
	require.NotNil(t, next)
	require.Equal(t, "rec-2", next.ID)

	page, next, err = store.ListRecords(ctx, "student-1", next, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"rec-1", "rec-3"}, ids(page))
	require.NotNil(t, next)

	page, next, err = store.ListRecords(ctx, "student-1", next, 2)
	require.NoError(t, err)
	require.Empty(t, page)
	require.Nil(t, next)

	latest, err := store.LatestRecords(ctx, "student-1", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"rec-4"}, ids(latest))
}

func TestCreateAwardRejectsDuplicates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	award := domain.BadgeAward{ID: "award-1", UserID: "student-1", BadgeID: "badge-streak-7-days", AwardedAt: base}
	require.NoError(t, store.CreateAward(ctx, award))

	dup := award
	dup.ID = "award-2"
	require.ErrorIs(t, store.CreateAward(ctx, dup), domain.ErrAwardExists)

	found, err := store.FindAward(ctx, "student-1", "badge-streak-7-days")
	require.NoError(t, err)
	require.Equal(t, "award-1", found.ID)

	missing, err := store.FindAward(ctx, "student-2", "badge-streak-7-days")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestListAwardsOldestFirst(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.CreateAward(ctx, domain.BadgeAward{ID: "b", UserID: "student-1", BadgeID: "badge-perfect-session", AwardedAt: base}))
	require.NoError(t, store.CreateAward(ctx, domain.BadgeAward{ID: "a", UserID: "student-1", BadgeID: "badge-session-completed", AwardedAt: base}))
	require.NoError(t, store.CreateAward(ctx, domain.BadgeAward{ID: "c", UserID: "student-1", BadgeID: "badge-personal-record", AwardedAt: base.Add(-time.Hour)}))
	require.NoError(t, store.CreateAward(ctx, domain.BadgeAward{ID: "z", UserID: "student-2", BadgeID: "badge-personal-record", AwardedAt: base}))

	awards, err := store.ListAwards(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, awards, 3)
	require.Equal(t, "c", awards[0].ID)
	require.Equal(t, "a", awards[1].ID)
	require.Equal(t, "b", awards[2].ID)
}

func TestCatalogLookups(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	badge, err := store.BadgeByKey(ctx, domain.BadgeStreak30Days)
	require.NoError(t, err)
	require.Equal(t, "badge-streak-30-days", badge.ID)

	badge, err = store.BadgeByKey(ctx, domain.BadgeKey("unknown"))
	require.NoError(t, err)
	require.Nil(t, badge)

	badges, err := store.ListBadges(ctx)
	require.NoError(t, err)
	require.Len(t, badges, len(domain.DefaultCatalog()))
	for i := 1; i < len(badges); i++ {
		require.Less(t, badges[i-1].ID, badges[i].ID)
	}
}

func ids(records []domain.ActivityRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
