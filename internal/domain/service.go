// Package domain defines the business logic for the progress service.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/progress/internal/logging"
)

var (
	// ErrInvalidInput wraps validation failures on service inputs.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMetricsUnavailable is returned when metrics cannot be derived from the record store.
	ErrMetricsUnavailable = errors.New("metrics unavailable")
	// ErrUnknownEvent is returned by ParseEvent for names outside the badge event set.
	ErrUnknownEvent = errors.New("unknown badge event")
	// ErrAwardExists is returned by BadgeStore.CreateAward on a duplicate (user, badge) pair.
	ErrAwardExists = errors.New("badge already awarded")
)

const defaultListLimit = 20

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now Clock) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLocation sets the timezone used for streak day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		s.loc = loc
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service orchestrates progress saves, metrics and badge awards.
type Service struct {
	records   RecordStore
	badges    BadgeStore
	metrics   *MetricsEngine
	evaluator *BadgeEvaluator
	logger    *logging.Logger
	now       Clock
	loc       *time.Location
}

// NewService constructs a Service.
func NewService(records RecordStore, badges BadgeStore, opts ...Option) *Service {
	s := &Service{
		records: records,
		badges:  badges,
		logger:  logging.Nop(),
		now:     time.Now,
		loc:     time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = NewMetricsEngine(records, s.now, s.loc)
	s.evaluator = NewBadgeEvaluator(badges, records, s.logger, s.now)
	return s
}

// Metrics exposes the metrics engine.
func (s *Service) Metrics() *MetricsEngine {
	return s.metrics
}

// Evaluator exposes the badge evaluator.
func (s *Service) Evaluator() *BadgeEvaluator {
	return s.evaluator
}

// AwardMetadata carries caller-reported facts that badge rules cannot derive from records.
type AwardMetadata struct {
	AllExercisesCompleted bool
	IsPersonalRecord      bool
	VolumeMilestone       bool
}

// SaveProgressInput captures the payload from the API layer.
type SaveProgressInput struct {
	StudentID string
	SessionID string
	Payload   json.RawMessage
	Metadata  AwardMetadata
}

// SaveProgressResult reports the stored record and any badges granted by this save.
type SaveProgressResult struct {
	Record  ActivityRecord
	Created bool
	Awards  []BadgeAward
}

// SaveProgress upserts the record for (student, session). Completed saves then run the
// metadata-driven badge rules; badge failures never fail the save.
func (s *Service) SaveProgress(ctx context.Context, input SaveProgressInput) (*SaveProgressResult, error) {
	if strings.TrimSpace(input.StudentID) == "" {
		return nil, fmt.Errorf("%w: student_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(input.SessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	payload, err := DecodePayload(input.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	raw := input.Payload
	if len(raw) == 0 {
		raw = json.RawMessage(`{"completed":false}`)
	}

	now := s.now().UTC()
	stored, created, err := s.records.UpsertRecord(ctx, ActivityRecord{
		ID:        uuid.NewString(),
		StudentID: input.StudentID,
		SessionID: input.SessionID,
		SavedAt:   now,
		Payload:   raw,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	result := &SaveProgressResult{Record: stored, Created: created}
	if !payload.Completed {
		return result, nil
	}

	events := []Event{
		SessionCompleted{},
		PerfectSession{AllExercisesCompleted: input.Metadata.AllExercisesCompleted},
		PersonalRecord{IsPersonalRecord: input.Metadata.IsPersonalRecord},
		TotalVolumeMilestone{VolumeMilestone: input.Metadata.VolumeMilestone},
	}
	for _, event := range events {
		outcome := s.evaluator.AwardIfEarned(ctx, input.StudentID, event)
		if award := outcome.AwardOrNil(); award != nil && !outcome.Replay {
			result.Awards = append(result.Awards, *award)
		}
	}
	return result, nil
}

// ListProgress fetches a student's records, newest first, with cursor pagination.
func (s *Service) ListProgress(ctx context.Context, studentID string, cursor *Cursor, limit int) ([]ActivityRecord, *Cursor, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.records.ListRecords(ctx, studentID, cursor, limit)
}

// BadgeProgress returns the dashboard metrics for a student.
func (s *Service) BadgeProgress(ctx context.Context, studentID string) (BadgeProgress, error) {
	return s.metrics.WeeklyBadgeProgress(ctx, studentID)
}

// Award runs the evaluator for an explicit event.
func (s *Service) Award(ctx context.Context, studentID string, event Event) Outcome {
	return s.evaluator.AwardIfEarned(ctx, studentID, event)
}

// Catalog lists the badge catalog.
func (s *Service) Catalog(ctx context.Context) ([]Badge, error) {
	return s.badges.ListBadges(ctx)
}

// Awards lists the badges a student has earned.
func (s *Service) Awards(ctx context.Context, studentID string) ([]BadgeAward, error) {
	return s.badges.ListAwards(ctx, studentID)
}
