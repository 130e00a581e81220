package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/progress/internal/logging"
	"example.com/progress/internal/observability"
)

// OutcomeKind classifies the result of an award attempt.
type OutcomeKind string

const (
	OutcomeAwarded     OutcomeKind = "awarded"
	OutcomeNotEarned   OutcomeKind = "not_earned"
	OutcomeUnavailable OutcomeKind = "unavailable"
)

// Outcome is the result of BadgeEvaluator.AwardIfEarned. Replay is set when Award
// already existed before the call.
type Outcome struct {
	Kind   OutcomeKind
	Award  *BadgeAward
	Replay bool
	Reason error
}

// AwardOrNil collapses the outcome to the award, treating "not earned" and
// "unavailable" alike.
func (o Outcome) AwardOrNil() *BadgeAward {
	if o.Kind != OutcomeAwarded {
		return nil
	}
	return o.Award
}

// BadgeEvaluator grants catalog badges at most once per student.
type BadgeEvaluator struct {
	badges  BadgeStore
	records RecordStore
	logger  *logging.Logger
	now     Clock
}

// NewBadgeEvaluator constructs a BadgeEvaluator.
func NewBadgeEvaluator(badges BadgeStore, records RecordStore, logger *logging.Logger, now Clock) *BadgeEvaluator {
	if logger == nil {
		logger = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &BadgeEvaluator{badges: badges, records: records, logger: logger, now: now}
}

// AwardIfEarned grants the badge registered under event.Key() when its rule holds.
// Store faults are logged and reported as OutcomeUnavailable; they never surface as
// errors so callers can treat badge awarding as a side channel.
func (e *BadgeEvaluator) AwardIfEarned(ctx context.Context, studentID string, event Event) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = e.fail(e.logger.With("student_id", studentID), keyOf(event), "badge evaluation panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	return e.award(ctx, studentID, event)
}

func (e *BadgeEvaluator) award(ctx context.Context, studentID string, event Event) Outcome {
	if event == nil {
		return e.record("", Outcome{Kind: OutcomeNotEarned})
	}
	key := event.Key()
	log := e.logger.With("student_id", studentID, "badge_key", key)

	badge, err := e.badges.BadgeByKey(ctx, key)
	if err != nil {
		return e.fail(log, key, "badge lookup failed", err)
	}
	if badge == nil {
		return e.record(key, Outcome{Kind: OutcomeNotEarned})
	}

	existing, err := e.badges.FindAward(ctx, studentID, badge.ID)
	if err != nil {
		return e.fail(log, key, "award lookup failed", err)
	}
	if existing != nil {
		return e.record(key, Outcome{Kind: OutcomeAwarded, Award: existing, Replay: true})
	}

	earned, err := e.earned(ctx, studentID, event)
	if err != nil {
		return e.fail(log, key, "criteria evaluation failed", err)
	}
	if !earned {
		return e.record(key, Outcome{Kind: OutcomeNotEarned})
	}

	award := BadgeAward{
		ID:        uuid.NewString(),
		UserID:    studentID,
		BadgeID:   badge.ID,
		AwardedAt: e.now().UTC(),
	}
	if err := e.badges.CreateAward(ctx, award); err != nil {
		if !errors.Is(err, ErrAwardExists) {
			return e.fail(log, key, "award insert failed", err)
		}
		// Lost the race to a concurrent caller; hand back the winning row.
		winner, findErr := e.badges.FindAward(ctx, studentID, badge.ID)
		if findErr != nil || winner == nil {
			return e.fail(log, key, "award insert conflicted", errors.Join(err, findErr))
		}
		return e.record(key, Outcome{Kind: OutcomeAwarded, Award: winner, Replay: true})
	}

	log.Info("badge awarded", "award_id", award.ID)
	return e.record(key, Outcome{Kind: OutcomeAwarded, Award: &award})
}

func (e *BadgeEvaluator) earned(ctx context.Context, studentID string, event Event) (bool, error) {
	switch ev := event.(type) {
	case SessionCompleted:
		return true, nil
	case PerfectSession:
		return ev.AllExercisesCompleted, nil
	case Streak7Days:
		return e.windowVolume(ctx, studentID, 7)
	case Streak30Days:
		return e.windowVolume(ctx, studentID, 30)
	case PersonalRecord:
		return ev.IsPersonalRecord, nil
	case TotalVolumeMilestone:
		return ev.VolumeMilestone, nil
	default:
		return false, nil
	}
}

// windowVolume holds when the distinct completed sessions saved in the last `days`
// days reach days/2 (so 4 of 7, 15 of 30).
func (e *BadgeEvaluator) windowVolume(ctx context.Context, studentID string, days int) (bool, error) {
	since := e.now().AddDate(0, 0, -days)
	count, err := e.records.CountDistinctSessions(ctx, CompletedFilter(studentID).From(since))
	if err != nil {
		return false, err
	}
	return float64(count) >= float64(days)/2, nil
}

func keyOf(event Event) BadgeKey {
	if event == nil {
		return ""
	}
	return event.Key()
}

func (e *BadgeEvaluator) fail(log *logging.Logger, key BadgeKey, msg string, err error) Outcome {
	log.Warn(msg, "error", err)
	return e.record(key, Outcome{Kind: OutcomeUnavailable, Reason: err})
}

func (e *BadgeEvaluator) record(key BadgeKey, outcome Outcome) Outcome {
	observability.RecordBadgeOutcome(string(key), string(outcome.Kind))
	return outcome
}
