package domain

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/progress/internal/observability"
)

// maxStreakScanDays bounds the backward day walk of CurrentStreak. It is a loop
// limit, not a calendar-year rule.
const maxStreakScanDays = 365

// Clock returns the current time.
type Clock func() time.Time

// BadgeProgress bundles the metrics shown on the badge dashboard.
type BadgeProgress struct {
	SessionsCompleted int
	CurrentStreak     int
	MaxWeight         *float64
}

// MetricsEngine derives activity metrics from a student's records. It keeps no state
// between calls and re-reads the store every time.
type MetricsEngine struct {
	records RecordStore
	now     Clock
	loc     *time.Location
}

// NewMetricsEngine constructs a MetricsEngine. A nil clock uses time.Now and a nil
// location uses time.Local.
func NewMetricsEngine(records RecordStore, now Clock, loc *time.Location) *MetricsEngine {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &MetricsEngine{records: records, now: now, loc: loc}
}

// CompletedSessionCount counts distinct sessions with at least one completed record.
func (m *MetricsEngine) CompletedSessionCount(ctx context.Context, studentID string) (int, error) {
	count, err := m.records.CountDistinctSessions(ctx, CompletedFilter(studentID))
	if err != nil {
		return 0, unavailable("completed session count", err)
	}
	return count, nil
}

// CurrentStreak walks backwards one day at a time from today, counting days with a
// completed record. Days before the first hit are skipped; the first empty day after
// a hit ends the streak. A zero today means the current date.
func (m *MetricsEngine) CurrentStreak(ctx context.Context, studentID string, today time.Time) (int, error) {
	if today.IsZero() {
		today = m.now()
	}
	today = today.In(m.loc)
	year, month, day := today.Date()
	filter := CompletedFilter(studentID)

	streak := 0
	for i := 0; i < maxStreakScanDays; i++ {
		start := time.Date(year, month, day-i, 0, 0, 0, 0, m.loc)
		end := time.Date(year, month, day-i+1, 0, 0, 0, 0, m.loc)

		count, err := m.records.CountDistinctSessions(ctx, filter.Between(start, end))
		if err != nil {
			return 0, unavailable("current streak", err)
		}
		if count > 0 {
			streak++
			continue
		}
		if streak > 0 {
			break
		}
	}
	return streak, nil
}

// MaxWeightLogged reports the heaviest set in the most recently saved record only.
// It returns nil when there is no record, no sets, or no positive weight.
func (m *MetricsEngine) MaxWeightLogged(ctx context.Context, studentID string) (*float64, error) {
	latest, err := m.records.LatestRecords(ctx, studentID, 1)
	if err != nil {
		return nil, unavailable("max weight", err)
	}
	if len(latest) == 0 {
		return nil, nil
	}
	payload, err := DecodePayload(latest[0].Payload)
	if err != nil {
		return nil, unavailable("max weight", err)
	}
	weight, ok := payload.MaxWeight()
	if !ok {
		return nil, nil
	}
	return &weight, nil
}

// WeeklyBadgeProgress composes the three metrics above.
func (m *MetricsEngine) WeeklyBadgeProgress(ctx context.Context, studentID string) (BadgeProgress, error) {
	start := time.Now()
	defer observability.ObserveMetricsComputation(start)

	var progress BadgeProgress
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		count, err := m.CompletedSessionCount(gctx, studentID)
		progress.SessionsCompleted = count
		return err
	})
	g.Go(func() error {
		streak, err := m.CurrentStreak(gctx, studentID, time.Time{})
		progress.CurrentStreak = streak
		return err
	})
	g.Go(func() error {
		weight, err := m.MaxWeightLogged(gctx, studentID)
		progress.MaxWeight = weight
		return err
	})
	if err := g.Wait(); err != nil {
		return BadgeProgress{}, err
	}
	return progress, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMetricsUnavailable, op, err)
}
