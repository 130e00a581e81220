package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"example.com/progress/internal/domain"
	"example.com/progress/internal/events"
	"example.com/progress/internal/logging"
)

// Awarder grants badges for a student.
type Awarder interface {
	Award(ctx context.Context, studentID string, event domain.Event) domain.Outcome
}

// BadgeHandler evaluates the window badges whenever a completed session is saved.
type BadgeHandler struct {
	awarder Awarder
	logger  *logging.Logger
}

// NewBadgeHandler constructs a BadgeHandler.
func NewBadgeHandler(awarder Awarder, logger *logging.Logger) *BadgeHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &BadgeHandler{awarder: awarder, logger: logger}
}

// Handle implements Handler. Unavailable outcomes are returned as errors so the
// processor stops before committing the message.
func (h *BadgeHandler) Handle(ctx context.Context, msg Message) error {
	switch msg.EventType {
	case events.TypeProgressSaved:
		return h.progressSaved(ctx, msg)
	case events.TypeBadgeAwarded:
		return h.badgeAwarded(msg)
	default:
		return nil
	}
}

func (h *BadgeHandler) progressSaved(ctx context.Context, msg Message) error {
	var evt events.ProgressSaved
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	if !evt.Completed {
		return nil
	}
	studentID := evt.StudentID
	if studentID == "" {
		studentID = msg.StudentID
	}

	var errs error
	for _, event := range []domain.Event{domain.Streak7Days{}, domain.Streak30Days{}} {
		outcome := h.awarder.Award(ctx, studentID, event)
		switch {
		case outcome.Kind == domain.OutcomeUnavailable:
			errs = errors.Join(errs, fmt.Errorf("%s: %w", event.Key(), outcome.Reason))
		case outcome.Kind == domain.OutcomeAwarded && !outcome.Replay:
			h.logger.Info("streak badge granted", "student_id", studentID, "badge_key", event.Key(), "award_id", outcome.Award.ID)
		}
	}
	return errs
}

func (h *BadgeHandler) badgeAwarded(msg Message) error {
	var evt events.BadgeAwarded
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	recordAwardObserved(evt.BadgeID)
	return nil
}
