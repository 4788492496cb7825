package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/service"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *service.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, version string) *Handler {
	return &Handler{
		svc:     svc,
		version: version,
	}
}

// Calculate handles POST /calculate requests: it scores one activity
// against the active ruleset and returns the full breakdown.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	resp, err := h.svc.Calculate(ctx, &req)
	if err != nil {
		h.writeCalculateError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeCalculateError(w http.ResponseWriter, err error) {
	var unknownErr *domain.UnknownExerciseError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &unknownErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": unknownErr.Error()})
	case errors.Is(err, service.ErrNoActiveRuleset):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no active ruleset"})
	default:
		slog.Error("calculation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "calculation failed"})
	}
}

// GetCalculation retrieves a stored calculation by ID.
func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "calculation id is required",
		})
		return
	}

	calc, err := h.svc.GetCalculation(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "calculation not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get calculation", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get calculation",
		})
		return
	}

	writeJSON(w, http.StatusOK, calc)
}

// ActivityResponse is the response for GET /activities/{id}.
type ActivityResponse struct {
	Activity    *domain.ActivityRecord    `json:"activity"`
	Calculation *domain.PointsCalculation `json:"calculation,omitempty"`
}

// GetActivity retrieves a stored activity and its calculation.
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "activity id is required",
		})
		return
	}

	activity, calc, err := h.svc.GetActivity(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "activity not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get activity", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get activity",
		})
		return
	}

	writeJSON(w, http.StatusOK, ActivityResponse{Activity: activity, Calculation: calc})
}

// ActiveRulesetVersion reports the version scoring currently uses.
func (h *Handler) ActiveRulesetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.svc.ActiveRulesetVersion()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no active ruleset",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

// ImportRuleset handles POST /rulesets: it validates and stores a
// ruleset document without activating it. The document format follows
// the Content-Type header, defaulting to JSON.
func (h *Handler) ImportRuleset(w http.ResponseWriter, r *http.Request) {
	document, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	format := "json"
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		format = "yaml"
	}

	version, err := h.svc.ImportRuleset(r.Context(), document, format)
	if err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": cfgErr.Error()})
			return
		}
		slog.Error("ruleset import failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "ruleset import failed",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"version": version})
}

// ActivateRuleset handles POST /rulesets/{version}/activate.
func (h *Handler) ActivateRuleset(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ruleset version is required",
		})
		return
	}

	err := h.svc.ActivateRuleset(r.Context(), version)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "ruleset version not found",
		})
		return
	}
	if err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": cfgErr.Error()})
			return
		}
		slog.Error("ruleset activation failed", "version", version, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "ruleset activation failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

// ListExercises returns the active ruleset's exercise catalog.
func (h *Handler) ListExercises(w http.ResponseWriter, r *http.Request) {
	exercises, err := h.svc.ListExercises()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no active ruleset",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exercises": exercises,
		"count":     len(exercises),
	})
}

// ListAchievements returns the active ruleset's achievement catalog.
func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	achievements, err := h.svc.ListAchievements()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no active ruleset",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"achievements": achievements,
		"count":        len(achievements),
	})
}

// ProgressResponse is the response for GET /users/{id}/progress.
type ProgressResponse struct {
	Progress *domain.UserProgressSnapshot     `json:"progress"`
	Unlocks  []*domain.AchievementUnlockEvent `json:"unlocks,omitempty"`
}

// GetUserProgress returns a user's snapshot and unlock history.
func (h *Handler) GetUserProgress(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user id is required",
		})
		return
	}

	snap, unlocks, err := h.svc.GetUserProgress(r.Context(), userID)
	if err != nil {
		slog.Error("failed to get progress", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get progress",
		})
		return
	}

	writeJSON(w, http.StatusOK, ProgressResponse{Progress: snap, Unlocks: unlocks})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.svc.Healthy(r.Context()); err != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.ActiveRulesetVersion(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
