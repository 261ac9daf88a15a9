package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
	"github.com/AdwelloTech/MathMentor-sub008/internal/repository"
)

// RequestStore is the persistence boundary for session requests. All
// mutation goes through UpdateIf, whose atomic status guard is the only
// concurrency control the matching engine needs.
type RequestStore interface {
	Create(ctx context.Context, studentID, subjectID uuid.UUID, durationMinutes int) (*models.SessionRequest, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.SessionRequest, error)
	ListPending(ctx context.Context, subjectID *uuid.UUID) ([]*models.SessionRequest, error)
	ListByStudent(ctx context.Context, studentID uuid.UUID, limit int) ([]*models.SessionRequest, error)
	ListByTutor(ctx context.Context, tutorID uuid.UUID, limit int) ([]*models.SessionRequest, error)
	UpdateIf(ctx context.Context, id uuid.UUID, expected []models.RequestStatus, patch repository.RequestPatch) (*models.SessionRequest, error)
}

// MeetingProvisioner creates a joinable meeting URL for a request.
type MeetingProvisioner interface {
	Provision(ctx context.Context, requestID uuid.UUID) (string, error)
}

// EventPublisher fans a state-change event out to subscribers. Delivery
// is best-effort; subscribers recover missed events by polling.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.RequestEvent)
}

// MatchingService is the claim coordinator: every accept and cancel
// funnels through it, and the store's conditional update decides races.
type MatchingService struct {
	store    RequestStore
	meetings MeetingProvisioner
	events   EventPublisher
}

func NewMatchingService(store RequestStore, meetings MeetingProvisioner, events EventPublisher) *MatchingService {
	return &MatchingService{store: store, meetings: meetings, events: events}
}

// CreateRequest opens a new pending request for the student and
// announces it to tutors watching the subject's pool.
func (s *MatchingService) CreateRequest(ctx context.Context, studentID, subjectID uuid.UUID) (*models.SessionRequest, error) {
	req, err := s.store.Create(ctx, studentID, subjectID, models.DefaultDurationMinutes)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, models.RequestEvent{
		Type:      models.EventInserted,
		RequestID: req.ID,
		SubjectID: req.SubjectID,
		Status:    req.Status,
	})
	return req, nil
}

// Accept claims a pending request for tutorID. Exactly one of N racing
// tutors wins; the rest get a ConflictError they must not retry against
// the same request. A duplicate accept by the winning tutor is treated
// as a resume: it re-enters provisioning instead of failing, so a tutor
// whose first call died after the claim can still obtain the link.
func (s *MatchingService) Accept(ctx context.Context, requestID, tutorID uuid.UUID) (*models.SessionRequest, error) {
	now := time.Now().UTC()
	accepted := models.StatusAccepted

	req, err := s.store.UpdateIf(ctx, requestID, []models.RequestStatus{models.StatusPending}, repository.RequestPatch{
		Status:     &accepted,
		TutorID:    &tutorID,
		AcceptedAt: &now,
	})

	freshClaim := true
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, &NotFoundError{Message: "Session request not found"}
		case errors.Is(err, repository.ErrStatusConflict):
			current, getErr := s.store.GetByID(ctx, requestID)
			if getErr != nil {
				return nil, &ConflictError{Message: "Request is no longer available"}
			}
			if current.Status == models.StatusAccepted && current.TutorID != nil && *current.TutorID == tutorID {
				req = current
				freshClaim = false
			} else {
				return nil, &ConflictError{Message: "Request was already claimed"}
			}
		default:
			return nil, err
		}
	}

	if freshClaim {
		// Announce the claim before provisioning so the request leaves
		// every pending pool as soon as the transition commits.
		s.publish(ctx, models.RequestEvent{
			Type:      models.EventAccepted,
			RequestID: req.ID,
			SubjectID: req.SubjectID,
			Status:    req.Status,
		})
	}

	return s.ensureMeetingURL(ctx, req)
}

// ensureMeetingURL provisions and persists the meeting link if the
// request does not have one yet. The store writes meeting_url only when
// it is still empty, so concurrent or retried provisioning can never
// replace an earlier writer's URL.
func (s *MatchingService) ensureMeetingURL(ctx context.Context, req *models.SessionRequest) (*models.SessionRequest, error) {
	if req.MeetingURL != nil {
		return req, nil
	}

	url, err := s.meetings.Provision(ctx, req.ID)
	if err != nil {
		log.Printf("matching: provisioning failed for request %s: %v", req.ID, err)
		return req, &ProvisioningError{Message: "Could not obtain a meeting link, please try again"}
	}

	updated, err := s.store.UpdateIf(ctx, req.ID, []models.RequestStatus{models.StatusAccepted}, repository.RequestPatch{
		MeetingURL: &url,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			// The request left accepted while we were provisioning. If a
			// URL landed anyway, use it; otherwise the session is past
			// the point where a link can be attached.
			current, getErr := s.store.GetByID(ctx, req.ID)
			if getErr == nil && current.MeetingURL != nil {
				return current, nil
			}
			return nil, &InvalidTransitionError{Message: "Request can no longer receive a meeting link"}
		}
		return nil, err
	}
	return updated, nil
}

// Cancel aborts a request before the session starts. The requesting
// student may cancel while pending or accepted; the assigned tutor only
// while accepted. The guarded update decides any race with a concurrent
// accept or start: exactly one side wins.
func (s *MatchingService) Cancel(ctx context.Context, requestID, callerID uuid.UUID, reason string) (*models.SessionRequest, error) {
	req, err := s.store.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Message: "Session request not found"}
		}
		return nil, err
	}

	var expected []models.RequestStatus
	switch {
	case req.StudentID == callerID:
		expected = []models.RequestStatus{models.StatusPending, models.StatusAccepted}
	case req.TutorID != nil && *req.TutorID == callerID:
		expected = []models.RequestStatus{models.StatusAccepted}
	default:
		return nil, &UnauthorizedError{Message: "Only the requesting student or assigned tutor may cancel"}
	}

	now := time.Now().UTC()
	cancelled := models.StatusCancelled
	patch := repository.RequestPatch{
		Status:      &cancelled,
		CancelledAt: &now,
	}
	if reason != "" {
		patch.CancellationReason = &reason
	}

	updated, err := s.store.UpdateIf(ctx, requestID, expected, patch)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, &NotFoundError{Message: "Session request not found"}
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, &InvalidTransitionError{Message: "Request cannot be cancelled in its current state"}
		default:
			return nil, err
		}
	}

	s.publish(ctx, models.RequestEvent{
		Type:      models.EventCancelled,
		RequestID: updated.ID,
		SubjectID: updated.SubjectID,
		Status:    updated.Status,
	})
	return updated, nil
}

// PendingPool lists open requests, optionally scoped to a subject. This
// is the poll fallback every subscriber diffs against.
func (s *MatchingService) PendingPool(ctx context.Context, subjectID *uuid.UUID) ([]*models.SessionRequest, error) {
	return s.store.ListPending(ctx, subjectID)
}

func (s *MatchingService) Get(ctx context.Context, requestID uuid.UUID) (*models.SessionRequest, error) {
	req, err := s.store.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Message: "Session request not found"}
		}
		return nil, err
	}
	return req, nil
}

func (s *MatchingService) HistoryByStudent(ctx context.Context, studentID uuid.UUID, limit int) ([]*models.SessionRequest, error) {
	return s.store.ListByStudent(ctx, studentID, limit)
}

func (s *MatchingService) HistoryByTutor(ctx context.Context, tutorID uuid.UUID, limit int) ([]*models.SessionRequest, error) {
	return s.store.ListByTutor(ctx, tutorID, limit)
}

func (s *MatchingService) publish(ctx context.Context, ev models.RequestEvent) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, ev)
}
