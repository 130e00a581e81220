package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActivityRecord is the saved snapshot of a student's progress on one workout session.
// There is at most one record per (StudentID, SessionID); later saves update it in place.
type ActivityRecord struct {
	ID        string
	StudentID string
	SessionID string
	SavedAt   time.Time
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ProgressPayload is the typed view of the fields the service reads from a record payload.
type ProgressPayload struct {
	Completed bool       `json:"completed"`
	Sets      []SetEntry `json:"sets,omitempty"`
}

// SetEntry is one logged set.
type SetEntry struct {
	Weight float64 `json:"weight"`
	Reps   int     `json:"reps"`
}

// DecodePayload parses the record payload. An empty payload decodes to the zero value.
func DecodePayload(raw json.RawMessage) (ProgressPayload, error) {
	var payload ProgressPayload
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ProgressPayload{}, fmt.Errorf("decode progress payload: %w", err)
	}
	return payload, nil
}

// MaxWeight returns the heaviest positive weight across all sets.
func (p ProgressPayload) MaxWeight() (float64, bool) {
	var (
		max   float64
		found bool
	)
	for _, set := range p.Sets {
		if set.Weight > 0 && (!found || set.Weight > max) {
			max = set.Weight
			found = true
		}
	}
	return max, found
}

// Cursor models the pagination token for record listings.
type Cursor struct {
	SavedAt time.Time
	ID      string
}

// RecordFilter selects a student's records whose payload value at Path equals Equals.
// Since is inclusive and Until exclusive; nil bounds are open.
type RecordFilter struct {
	StudentID string
	Path      []string
	Equals    any
	Since     *time.Time
	Until     *time.Time
}

// CompletedFilter matches records flagged payload.completed == true.
func CompletedFilter(studentID string) RecordFilter {
	return RecordFilter{
		StudentID: studentID,
		Path:      []string{"completed"},
		Equals:    true,
	}
}

// Between returns a copy of the filter bounded to [since, until).
func (f RecordFilter) Between(since, until time.Time) RecordFilter {
	f.Since = &since
	f.Until = &until
	return f
}

// From returns a copy of the filter bounded below by since.
func (f RecordFilter) From(since time.Time) RecordFilter {
	f.Since = &since
	f.Until = nil
	return f
}

// RecordStore captures persistence operations for activity records.
type RecordStore interface {
	// UpsertRecord inserts or updates the record keyed on (StudentID, SessionID) and
	// reports whether a new row was created.
	UpsertRecord(ctx context.Context, record ActivityRecord) (ActivityRecord, bool, error)
	CountDistinctSessions(ctx context.Context, filter RecordFilter) (int, error)
	LatestRecords(ctx context.Context, studentID string, limit int) ([]ActivityRecord, error)
	ListRecords(ctx context.Context, studentID string, cursor *Cursor, limit int) ([]ActivityRecord, *Cursor, error)
}
