package domain

import (
	"context"
	"encoding/json"
	"time"
)

// BadgeKey is the stable event name a catalog badge is registered under.
type BadgeKey string

const (
	BadgeSessionCompleted     BadgeKey = "session_completed"
	BadgePerfectSession       BadgeKey = "perfect_session"
	BadgeStreak7Days          BadgeKey = "streak_7_days"
	BadgeStreak30Days         BadgeKey = "streak_30_days"
	BadgePersonalRecord       BadgeKey = "personal_record"
	BadgeTotalVolumeMilestone BadgeKey = "total_volume_milestone"
)

// Badge is a catalog entry. Criteria is informational; award decisions are made in code.
type Badge struct {
	ID          string
	Key         BadgeKey
	Title       string
	Description string
	Criteria    json.RawMessage
}

// BadgeAward records that a student earned a badge. Unique per (UserID, BadgeID).
type BadgeAward struct {
	ID        string
	UserID    string
	BadgeID   string
	AwardedAt time.Time
}

// BadgeStore captures catalog lookups and award persistence.
type BadgeStore interface {
	BadgeByKey(ctx context.Context, key BadgeKey) (*Badge, error)
	ListBadges(ctx context.Context) ([]Badge, error)
	FindAward(ctx context.Context, userID, badgeID string) (*BadgeAward, error)
	// CreateAward persists the award, returning ErrAwardExists when the
	// (UserID, BadgeID) pair is already taken.
	CreateAward(ctx context.Context, award BadgeAward) error
	ListAwards(ctx context.Context, userID string) ([]BadgeAward, error)
}

// DefaultCatalog is the seed badge catalog. The Postgres migration inserts the same rows.
func DefaultCatalog() []Badge {
	return []Badge{
		{ID: "badge-session-completed", Key: BadgeSessionCompleted, Title: "First Steps", Description: "Complete a workout session.", Criteria: json.RawMessage(`{"type":"session_completed"}`)},
		{ID: "badge-perfect-session", Key: BadgePerfectSession, Title: "Flawless", Description: "Complete every exercise in a session.", Criteria: json.RawMessage(`{"type":"perfect_session"}`)},
		{ID: "badge-streak-7-days", Key: BadgeStreak7Days, Title: "Week Warrior", Description: "Stay consistent over seven days.", Criteria: json.RawMessage(`{"type":"streak","days":7}`)},
		{ID: "badge-streak-30-days", Key: BadgeStreak30Days, Title: "Monthly Machine", Description: "Stay consistent over thirty days.", Criteria: json.RawMessage(`{"type":"streak","days":30}`)},
		{ID: "badge-personal-record", Key: BadgePersonalRecord, Title: "New Heights", Description: "Set a personal record.", Criteria: json.RawMessage(`{"type":"personal_record"}`)},
		{ID: "badge-total-volume-milestone", Key: BadgeTotalVolumeMilestone, Title: "Heavy Lifter", Description: "Reach a total volume milestone.", Criteria: json.RawMessage(`{"type":"volume_milestone"}`)},
	}
}
