package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
	"github.com/AdwelloTech/MathMentor-sub008/internal/repository"
)

// LifecycleService tracks an already-claimed request through join,
// start, and completion. It never touches pending requests; the claim
// coordinator owns those.
type LifecycleService struct {
	store RequestStore
}

func NewLifecycleService(store RequestStore) *LifecycleService {
	return &LifecycleService{store: store}
}

// MarkTutorJoined stamps the tutor's join time. Idempotent: the store
// only writes the timestamp when it is unset, so a second call returns
// the original value.
func (s *LifecycleService) MarkTutorJoined(ctx context.Context, requestID, callerID uuid.UUID) (*models.SessionRequest, error) {
	req, err := s.getActive(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.TutorID == nil || *req.TutorID != callerID {
		return nil, &UnauthorizedError{Message: "Only the assigned tutor may mark tutor joined"}
	}

	now := time.Now().UTC()
	return s.updateActive(ctx, requestID, repository.RequestPatch{TutorJoinedAt: &now})
}

// MarkStudentJoined stamps the student's join time, idempotently.
func (s *LifecycleService) MarkStudentJoined(ctx context.Context, requestID, callerID uuid.UUID) (*models.SessionRequest, error) {
	req, err := s.getActive(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.StudentID != callerID {
		return nil, &UnauthorizedError{Message: "Only the requesting student may mark student joined"}
	}

	now := time.Now().UTC()
	return s.updateActive(ctx, requestID, repository.RequestPatch{StudentJoinedAt: &now})
}

// Start moves an accepted request into in_progress. Legal only from
// accepted; anything else is an invalid transition.
func (s *LifecycleService) Start(ctx context.Context, requestID, callerID uuid.UUID) (*models.SessionRequest, error) {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParty(callerID) {
		return nil, &UnauthorizedError{Message: "Only a session participant may start the session"}
	}

	now := time.Now().UTC()
	inProgress := models.StatusInProgress
	updated, err := s.store.UpdateIf(ctx, requestID, []models.RequestStatus{models.StatusAccepted}, repository.RequestPatch{
		Status:    &inProgress,
		StartedAt: &now,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, &NotFoundError{Message: "Session request not found"}
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, &InvalidTransitionError{Message: "Session can only be started from accepted"}
		default:
			return nil, err
		}
	}
	return updated, nil
}

// Complete finishes the session. Idempotent: completing an already
// completed request is a no-op success so duplicate client calls don't
// surface spurious errors.
func (s *LifecycleService) Complete(ctx context.Context, requestID, callerID uuid.UUID) (*models.SessionRequest, error) {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParty(callerID) {
		return nil, &UnauthorizedError{Message: "Only a session participant may complete the session"}
	}
	if req.Status == models.StatusCompleted {
		return req, nil
	}

	now := time.Now().UTC()
	completed := models.StatusCompleted
	updated, err := s.store.UpdateIf(ctx, requestID, []models.RequestStatus{models.StatusAccepted, models.StatusInProgress}, repository.RequestPatch{
		Status:      &completed,
		CompletedAt: &now,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, &NotFoundError{Message: "Session request not found"}
		case errors.Is(err, repository.ErrStatusConflict):
			// Lost a race with another completer: still a success.
			current, getErr := s.get(ctx, requestID)
			if getErr == nil && current.Status == models.StatusCompleted {
				return current, nil
			}
			return nil, &InvalidTransitionError{Message: "Session cannot be completed in its current state"}
		default:
			return nil, err
		}
	}
	return updated, nil
}

// Elapsed reports how long the session has been running. Computed on
// read from started_at (or accepted_at before an explicit start), never
// persisted.
func Elapsed(req *models.SessionRequest, now time.Time) time.Duration {
	var since time.Time
	switch {
	case req.StartedAt != nil:
		since = *req.StartedAt
	case req.AcceptedAt != nil:
		since = *req.AcceptedAt
	default:
		return 0
	}
	if req.CompletedAt != nil {
		now = *req.CompletedAt
	}
	if now.Before(since) {
		return 0
	}
	return now.Sub(since)
}

func (s *LifecycleService) get(ctx context.Context, requestID uuid.UUID) (*models.SessionRequest, error) {
	req, err := s.store.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Message: "Session request not found"}
		}
		return nil, err
	}
	return req, nil
}

func (s *LifecycleService) getActive(ctx context.Context, requestID uuid.UUID) (*models.SessionRequest, error) {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusAccepted && req.Status != models.StatusInProgress {
		return nil, &InvalidTransitionError{Message: "Session is not active"}
	}
	return req, nil
}

func (s *LifecycleService) updateActive(ctx context.Context, requestID uuid.UUID, patch repository.RequestPatch) (*models.SessionRequest, error) {
	active := []models.RequestStatus{models.StatusAccepted, models.StatusInProgress}
	updated, err := s.store.UpdateIf(ctx, requestID, active, patch)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, &NotFoundError{Message: "Session request not found"}
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, &InvalidTransitionError{Message: "Session is not active"}
		default:
			return nil, err
		}
	}
	return updated, nil
}
