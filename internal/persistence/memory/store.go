// Package memory provides an in-memory record and badge store for local development and tests.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"example.com/progress/internal/domain"
)

type recordKey struct {
	studentID string
	sessionID string
}

type awardKey struct {
	userID  string
	badgeID string
}

// Store keeps records, the badge catalog and awards in memory. It enforces the same
// uniqueness rules as the Postgres schema.
type Store struct {
	mu      sync.RWMutex
	records map[recordKey]domain.ActivityRecord
	badges  []domain.Badge
	awards  map[awardKey]domain.BadgeAward
}

// NewStore constructs a Store seeded with the default badge catalog.
func NewStore() *Store {
	return NewStoreWithCatalog(domain.DefaultCatalog())
}

// NewStoreWithCatalog constructs a Store with a custom catalog.
func NewStoreWithCatalog(catalog []domain.Badge) *Store {
	badges := make([]domain.Badge, len(catalog))
	copy(badges, catalog)
	sort.Slice(badges, func(i, j int) bool { return badges[i].ID < badges[j].ID })
	return &Store{
		records: make(map[recordKey]domain.ActivityRecord),
		badges:  badges,
		awards:  make(map[awardKey]domain.BadgeAward),
	}
}

// UpsertRecord implements domain.RecordStore.
func (s *Store) UpsertRecord(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{studentID: record.StudentID, sessionID: record.SessionID}
	if existing, ok := s.records[key]; ok {
		existing.SavedAt = record.SavedAt
		existing.Payload = clonePayload(record.Payload)
		s.records[key] = existing
		return existing, false, nil
	}

	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.SavedAt
	}
	record.Payload = clonePayload(record.Payload)
	s.records[key] = record
	return record, true, nil
}

// CountDistinctSessions implements domain.RecordStore.
func (s *Store) CountDistinctSessions(ctx context.Context, filter domain.RecordFilter) (int, error) {
	want, err := json.Marshal(filter.Equals)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make(map[string]struct{})
	for key, record := range s.records {
		if key.studentID != filter.StudentID {
			continue
		}
		if filter.Since != nil && record.SavedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !record.SavedAt.Before(*filter.Until) {
			continue
		}
		if !matchesPath(record.Payload, filter.Path, want) {
			continue
		}
		sessions[key.sessionID] = struct{}{}
	}
	return len(sessions), nil
}

// LatestRecords implements domain.RecordStore.
func (s *Store) LatestRecords(ctx context.Context, studentID string, limit int) ([]domain.ActivityRecord, error) {
	records := s.sortedByStudent(studentID)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ListRecords implements domain.RecordStore.
func (s *Store) ListRecords(ctx context.Context, studentID string, cursor *domain.Cursor, limit int) ([]domain.ActivityRecord, *domain.Cursor, error) {
	records := s.sortedByStudent(studentID)

	results := make([]domain.ActivityRecord, 0)
	for _, record := range records {
		if cursor != nil && !olderThan(record, *cursor) {
			continue
		}
		results = append(results, record)
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{SavedAt: last.SavedAt, ID: last.ID}
	}
	return results, next, nil
}

// BadgeByKey implements domain.BadgeStore.
func (s *Store) BadgeByKey(ctx context.Context, key domain.BadgeKey) (*domain.Badge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, badge := range s.badges {
		if badge.Key == key {
			b := badge
			return &b, nil
		}
	}
	return nil, nil
}

// ListBadges implements domain.BadgeStore.
func (s *Store) ListBadges(ctx context.Context) ([]domain.Badge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Badge, len(s.badges))
	copy(out, s.badges)
	return out, nil
}

// FindAward implements domain.BadgeStore.
func (s *Store) FindAward(ctx context.Context, userID, badgeID string) (*domain.BadgeAward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	award, ok := s.awards[awardKey{userID: userID, badgeID: badgeID}]
	if !ok {
		return nil, nil
	}
	return &award, nil
}

// CreateAward implements domain.BadgeStore.
func (s *Store) CreateAward(ctx context.Context, award domain.BadgeAward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := awardKey{userID: award.UserID, badgeID: award.BadgeID}
	if _, ok := s.awards[key]; ok {
		return domain.ErrAwardExists
	}
	s.awards[key] = award
	return nil
}

// ListAwards implements domain.BadgeStore.
func (s *Store) ListAwards(ctx context.Context, userID string) ([]domain.BadgeAward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BadgeAward, 0)
	for key, award := range s.awards {
		if key.userID == userID {
			out = append(out, award)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AwardedAt.Equal(out[j].AwardedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AwardedAt.Before(out[j].AwardedAt)
	})
	return out, nil
}

func (s *Store) sortedByStudent(studentID string) []domain.ActivityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ActivityRecord, 0)
	for key, record := range s.records {
		if key.studentID == studentID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return olderThan(out[j], domain.Cursor{SavedAt: out[i].SavedAt, ID: out[i].ID})
	})
	return out
}

// olderThan reports whether record comes after the cursor in (saved_at, id) DESC order.
func olderThan(record domain.ActivityRecord, cursor domain.Cursor) bool {
	if record.SavedAt.Equal(cursor.SavedAt) {
		return record.ID < cursor.ID
	}
	return record.SavedAt.Before(cursor.SavedAt)
}

func matchesPath(payload json.RawMessage, path []string, want []byte) bool {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}
	for _, segment := range path {
		obj, ok := doc.(map[string]any)
		if !ok {
			return false
		}
		if doc, ok = obj[segment]; !ok {
			return false
		}
	}
	got, err := json.Marshal(doc)
	if err != nil {
		return false
	}
	return bytes.Equal(got, want)
}

func clonePayload(payload json.RawMessage) json.RawMessage {
	if payload == nil {
		return nil
	}
	return append(json.RawMessage(nil), payload...)
}
