// Package events defines the event payloads published through the outbox.
package events

import "time"

const (
	TypeProgressSaved = "progress.saved"
	TypeBadgeAwarded  = "badge.awarded"
)

// ProgressSaved is emitted whenever a progress record is inserted or updated.
type ProgressSaved struct {
	RecordID  string    `json:"record_id"`
	StudentID string    `json:"student_id"`
	SessionID string    `json:"session_id"`
	Completed bool      `json:"completed"`
	SavedAt   time.Time `json:"saved_at"`
}

// BadgeAwarded is emitted once per granted (student, badge) pair.
type BadgeAwarded struct {
	AwardID   string    `json:"award_id"`
	StudentID string    `json:"student_id"`
	BadgeID   string    `json:"badge_id"`
	AwardedAt time.Time `json:"awarded_at"`
}
