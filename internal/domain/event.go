package domain

import (
	"fmt"
	"strings"
)

// Event is a badge-triggering event. The set of implementations is closed; each
// carries only the metadata its award rule reads.
type Event interface {
	Key() BadgeKey
	isEvent()
}

// SessionCompleted fires whenever a session is saved as completed.
type SessionCompleted struct{}

// PerfectSession fires for a completed session; it qualifies only when every exercise was done.
type PerfectSession struct {
	AllExercisesCompleted bool
}

// Streak7Days asks for the seven-day session-volume rule.
type Streak7Days struct{}

// Streak30Days asks for the thirty-day session-volume rule.
type Streak30Days struct{}

// PersonalRecord qualifies when the caller reports a new personal record.
type PersonalRecord struct {
	IsPersonalRecord bool
}

// TotalVolumeMilestone qualifies when the caller reports a volume milestone.
type TotalVolumeMilestone struct {
	VolumeMilestone bool
}

func (SessionCompleted) Key() BadgeKey     { return BadgeSessionCompleted }
func (PerfectSession) Key() BadgeKey       { return BadgePerfectSession }
func (Streak7Days) Key() BadgeKey          { return BadgeStreak7Days }
func (Streak30Days) Key() BadgeKey         { return BadgeStreak30Days }
func (PersonalRecord) Key() BadgeKey       { return BadgePersonalRecord }
func (TotalVolumeMilestone) Key() BadgeKey { return BadgeTotalVolumeMilestone }

func (SessionCompleted) isEvent()     {}
func (PerfectSession) isEvent()       {}
func (Streak7Days) isEvent()          {}
func (Streak30Days) isEvent()         {}
func (PersonalRecord) isEvent()       {}
func (TotalVolumeMilestone) isEvent() {}

// ParseEvent maps a wire event name (SESSION_COMPLETED or session_completed) and its
// metadata onto an Event. Metadata flags only count when they are literally true.
func ParseEvent(name string, metadata map[string]any) (Event, error) {
	switch BadgeKey(strings.ToLower(strings.TrimSpace(name))) {
	case BadgeSessionCompleted:
		return SessionCompleted{}, nil
	case BadgePerfectSession:
		return PerfectSession{AllExercisesCompleted: flag(metadata, "allExercisesCompleted", "all_exercises_completed")}, nil
	case BadgeStreak7Days:
		return Streak7Days{}, nil
	case BadgeStreak30Days:
		return Streak30Days{}, nil
	case BadgePersonalRecord:
		return PersonalRecord{IsPersonalRecord: flag(metadata, "isPersonalRecord", "is_personal_record")}, nil
	case BadgeTotalVolumeMilestone:
		return TotalVolumeMilestone{VolumeMilestone: flag(metadata, "volumeMilestone", "volume_milestone")}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

// ParseAwardMetadata reads the badge flags from free-form request metadata using the
// same key spellings and literal-true rule as ParseEvent.
func ParseAwardMetadata(metadata map[string]any) AwardMetadata {
	return AwardMetadata{
		AllExercisesCompleted: flag(metadata, "allExercisesCompleted", "all_exercises_completed"),
		IsPersonalRecord:      flag(metadata, "isPersonalRecord", "is_personal_record"),
		VolumeMilestone:       flag(metadata, "volumeMilestone", "volume_milestone"),
	}
}

func flag(metadata map[string]any, keys ...string) bool {
	for _, key := range keys {
		if v, ok := metadata[key].(bool); ok && v {
			return true
		}
	}
	return false
}
