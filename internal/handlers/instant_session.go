package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AdwelloTech/MathMentor-sub008/internal/middleware"
	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
	"github.com/AdwelloTech/MathMentor-sub008/internal/services"
)

type InstantSessionHandler struct {
	matching  *services.MatchingService
	lifecycle *services.LifecycleService
	validate  *validator.Validate
}

func NewInstantSessionHandler(matching *services.MatchingService, lifecycle *services.LifecycleService) *InstantSessionHandler {
	return &InstantSessionHandler{
		matching:  matching,
		lifecycle: lifecycle,
		validate:  validator.New(),
	}
}

type createRequestPayload struct {
	SubjectID string `json:"subject_id" validate:"required,uuid"`
}

func (h *InstantSessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "subject_id must be a valid UUID", r))
		return
	}

	subjectID, _ := uuid.Parse(payload.SubjectID)
	studentID := middleware.GetUserID(r.Context())

	req, err := h.matching.CreateRequest(r.Context(), studentID, subjectID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"request": req})
}

func (h *InstantSessionHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	var subjectID *uuid.UUID
	if raw := r.URL.Query().Get("subject_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid subject_id", r))
			return
		}
		subjectID = &id
	}

	requests, err := h.matching.PendingPool(r.Context(), subjectID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

func (h *InstantSessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	req, err := h.matching.Get(r.Context(), requestID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	// Pending requests sit in the shared pool and stay browsable, but
	// once claimed the snapshot (tutor, meeting link) is for the two
	// participants only.
	if req.Status != models.StatusPending && !req.IsParty(middleware.GetUserID(r.Context())) {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "Only a session participant may view this request", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":         req,
		"elapsed_seconds": int(services.Elapsed(req, time.Now().UTC()).Seconds()),
	})
}

type acceptPayload struct {
	TutorID string `json:"tutor_id" validate:"omitempty,uuid"`
}

func (h *InstantSessionHandler) Accept(w http.ResponseWriter, r *http.Request) {
	requestID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	tutorID := middleware.GetUserID(r.Context())

	// An explicit tutor_id in the body must be the caller's own; tutors
	// cannot claim on someone else's behalf.
	var payload acceptPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err == nil && payload.TutorID != "" {
		bodyID, parseErr := uuid.Parse(payload.TutorID)
		if parseErr != nil || bodyID != tutorID {
			writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "tutor_id must match the authenticated tutor", r))
			return
		}
	}

	req, err := h.matching.Accept(r.Context(), requestID, tutorID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

type cancelPayload struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

func (h *InstantSessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	requestID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	var payload cancelPayload
	// Body is optional; a bare cancel is valid.
	json.NewDecoder(r.Body).Decode(&payload)
	if err := h.validate.Struct(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "reason must be at most 500 characters", r))
		return
	}

	req, err := h.matching.Cancel(r.Context(), requestID, middleware.GetUserID(r.Context()), payload.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

func (h *InstantSessionHandler) TutorJoined(w http.ResponseWriter, r *http.Request) {
	h.lifecycleUpdate(w, r, h.lifecycle.MarkTutorJoined)
}

func (h *InstantSessionHandler) StudentJoined(w http.ResponseWriter, r *http.Request) {
	h.lifecycleUpdate(w, r, h.lifecycle.MarkStudentJoined)
}

func (h *InstantSessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycleUpdate(w, r, h.lifecycle.Start)
}

func (h *InstantSessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.lifecycleUpdate(w, r, h.lifecycle.Complete)
}

func (h *InstantSessionHandler) StudentHistory(w http.ResponseWriter, r *http.Request) {
	studentID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	requests, err := h.matching.HistoryByStudent(r.Context(), studentID, parseLimit(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

func (h *InstantSessionHandler) TutorHistory(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	requests, err := h.matching.HistoryByTutor(r.Context(), tutorID, parseLimit(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

type lifecycleFn func(ctx context.Context, requestID, callerID uuid.UUID) (*models.SessionRequest, error)

func (h *InstantSessionHandler) lifecycleUpdate(w http.ResponseWriter, r *http.Request, fn lifecycleFn) {
	requestID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	req, err := fn(r.Context(), requestID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request ID", r))
		return uuid.Nil, false
	}
	return id, true
}

func parseLimit(r *http.Request) int {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	return limit
}
