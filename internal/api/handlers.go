// Package api exposes HTTP handlers for the progress service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/progress/internal/auth"
	"example.com/progress/internal/domain"
	"example.com/progress/internal/logging"
	"example.com/progress/internal/persistence"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	logger  *logging.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/progress", h.saveProgress)
	mux.HandleFunc("GET /v1/progress", h.listProgress)
	mux.HandleFunc("GET /v1/students/{id}/metrics", h.studentMetrics)
	mux.HandleFunc("GET /v1/students/{id}/badges", h.studentBadges)
	mux.HandleFunc("GET /v1/badges", h.catalog)
	mux.HandleFunc("POST /v1/badges/award", h.awardBadge)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) saveProgress(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeProgressWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope progress:write required")
		return
	}

	var req SaveProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.StudentID == "" {
		req.StudentID = claims.Subject
	}
	if req.StudentID != claims.Subject {
		writeError(w, http.StatusForbidden, "forbidden", "cannot save progress for another student")
		return
	}

	result, err := h.service.SaveProgress(r.Context(), domain.SaveProgressInput{
		StudentID: req.StudentID,
		SessionID: req.SessionID,
		Payload:   req.Payload,
		Metadata:  domain.ParseAwardMetadata(req.Metadata),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		h.logger.Error("save progress failed", "student_id", req.StudentID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "unable to save progress")
		return
	}

	resp := SaveProgressResponse{
		Record:  toRecordView(result.Record),
		Created: result.Created,
		Awards:  make([]AwardView, 0, len(result.Awards)),
	}
	for _, award := range result.Awards {
		resp.Awards = append(resp.Awards, toAwardView(award))
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handler) listProgress(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	studentID := strings.TrimSpace(r.URL.Query().Get("student_id"))
	if studentID == "" {
		studentID = claims.Subject
	}
	if !claims.CanRead(studentID) {
		writeError(w, http.StatusForbidden, "forbidden", "scope progress:read required")
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, next, err := h.service.ListProgress(r.Context(), studentID, cursor, limit)
	if err != nil {
		h.logger.Error("list progress failed", "student_id", studentID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "unable to list progress")
		return
	}

	items := make([]RecordView, 0, len(records))
	for _, record := range records {
		items = append(items, toRecordView(record))
	}
	writeJSON(w, http.StatusOK, ListProgressResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) studentMetrics(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.authorizeStudent(w, r)
	if !ok {
		return
	}

	progress, err := h.service.BadgeProgress(r.Context(), studentID)
	if err != nil {
		if errors.Is(err, domain.ErrMetricsUnavailable) {
			h.logger.Warn("metrics unavailable", "student_id", studentID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "metrics_unavailable", "progress metrics are temporarily unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, MetricsResponse{
		StudentID:         studentID,
		SessionsCompleted: progress.SessionsCompleted,
		CurrentStreak:     progress.CurrentStreak,
		MaxWeight:         progress.MaxWeight,
	})
}

func (h *Handler) studentBadges(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.authorizeStudent(w, r)
	if !ok {
		return
	}

	awards, err := h.service.Awards(r.Context(), studentID)
	if err != nil {
		h.logger.Error("list awards failed", "student_id", studentID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "unable to list badges")
		return
	}

	items := make([]AwardView, 0, len(awards))
	for _, award := range awards {
		items = append(items, toAwardView(award))
	}
	writeJSON(w, http.StatusOK, AwardsResponse{Items: items})
}

func (h *Handler) catalog(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.FromContext(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	badges, err := h.service.Catalog(r.Context())
	if err != nil {
		h.logger.Error("list catalog failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "unable to list badges")
		return
	}

	items := make([]BadgeView, 0, len(badges))
	for _, badge := range badges {
		items = append(items, BadgeView{
			BadgeID:     badge.ID,
			Key:         string(badge.Key),
			Title:       badge.Title,
			Description: badge.Description,
			Criteria:    badge.Criteria,
		})
	}
	writeJSON(w, http.StatusOK, CatalogResponse{Items: items})
}

func (h *Handler) awardBadge(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeBadgesAward) {
		writeError(w, http.StatusForbidden, "forbidden", "scope badges:award required")
		return
	}

	var req AwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.StudentID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "student_id is required")
		return
	}

	event, err := domain.ParseEvent(req.Event, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	outcome := h.service.Award(r.Context(), req.StudentID, event)
	resp := AwardResponse{Outcome: string(outcome.Kind), Replay: outcome.Replay}

	switch outcome.Kind {
	case domain.OutcomeAwarded:
		view := toAwardView(*outcome.Award)
		resp.Award = &view
		status := http.StatusCreated
		if outcome.Replay {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	case domain.OutcomeUnavailable:
		writeError(w, http.StatusServiceUnavailable, "metrics_unavailable", "badge evaluation is temporarily unavailable")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// authorizeStudent resolves the {id} path value and checks the caller may read it.
func (h *Handler) authorizeStudent(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	studentID := strings.TrimSpace(r.PathValue("id"))
	if studentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing student id")
		return "", false
	}
	if !claims.CanRead(studentID) {
		writeError(w, http.StatusForbidden, "forbidden", "scope progress:read required")
		return "", false
	}
	return studentID, true
}

// SaveProgressRequest is the payload for POST /v1/progress.
type SaveProgressRequest struct {
	StudentID string          `json:"student_id"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata"`
}

// SaveProgressResponse describes the stored record and badges granted by the save.
type SaveProgressResponse struct {
	Record  RecordView  `json:"record"`
	Created bool        `json:"created"`
	Awards  []AwardView `json:"awards"`
}

// RecordView exposes a stored progress record.
type RecordView struct {
	RecordID  string          `json:"record_id"`
	StudentID string          `json:"student_id"`
	SessionID string          `json:"session_id"`
	SavedAt   time.Time       `json:"saved_at"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListProgressResponse packages list results.
type ListProgressResponse struct {
	Items      []RecordView `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// MetricsResponse is the dashboard view of a student's progress.
type MetricsResponse struct {
	StudentID         string   `json:"student_id"`
	SessionsCompleted int      `json:"sessions_completed"`
	CurrentStreak     int      `json:"current_streak"`
	MaxWeight         *float64 `json:"max_weight"`
}

// BadgeView is a catalog entry.
type BadgeView struct {
	BadgeID     string          `json:"badge_id"`
	Key         string          `json:"key"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Criteria    json.RawMessage `json:"criteria,omitempty"`
}

// CatalogResponse lists the badge catalog.
type CatalogResponse struct {
	Items []BadgeView `json:"items"`
}

// AwardView is a granted badge.
type AwardView struct {
	AwardID   string    `json:"award_id"`
	StudentID string    `json:"student_id"`
	BadgeID   string    `json:"badge_id"`
	AwardedAt time.Time `json:"awarded_at"`
}

// AwardsResponse lists a student's badges.
type AwardsResponse struct {
	Items []AwardView `json:"items"`
}

// AwardRequest is the payload for POST /v1/badges/award.
type AwardRequest struct {
	StudentID string         `json:"student_id"`
	Event     string         `json:"event"`
	Metadata  map[string]any `json:"metadata"`
}

// AwardResponse reports the evaluation outcome.
type AwardResponse struct {
	Outcome string     `json:"outcome"`
	Replay  bool       `json:"idempotent_replay"`
	Award   *AwardView `json:"award,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toRecordView(record domain.ActivityRecord) RecordView {
	return RecordView{
		RecordID:  record.ID,
		StudentID: record.StudentID,
		SessionID: record.SessionID,
		SavedAt:   record.SavedAt,
		Payload:   record.Payload,
		CreatedAt: record.CreatedAt,
	}
}

func toAwardView(award domain.BadgeAward) AwardView {
	return AwardView{
		AwardID:   award.ID,
		StudentID: award.UserID,
		BadgeID:   award.BadgeID,
		AwardedAt: award.AwardedAt,
	}
}
