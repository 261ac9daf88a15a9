package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a SessionRequest. The string
// values are part of the wire contract and must not change.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
	StatusExpired    RequestStatus = "expired"
)

// Terminal reports whether s is a final state. A request in a terminal
// state never transitions again.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Rank orders statuses by lifecycle progress. Used by the client
// reconciler to decide whether an event moves a request forward; a
// lower-ranked event arriving late is a duplicate and is ignored.
func (s RequestStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAccepted:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusCancelled, StatusExpired:
		return 3
	default:
		return -1
	}
}

// DefaultDurationMinutes is the fixed policy length of an instant session.
const DefaultDurationMinutes = 15

type SessionRequest struct {
	ID                 uuid.UUID     `json:"id"`
	StudentID          uuid.UUID     `json:"student_id"`
	SubjectID          uuid.UUID     `json:"subject_id"`
	DurationMinutes    int           `json:"duration_minutes"`
	Status             RequestStatus `json:"status"`
	TutorID            *uuid.UUID    `json:"tutor_id,omitempty"`
	MeetingURL         *string       `json:"meeting_url,omitempty"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	RequestedAt        time.Time     `json:"requested_at"`
	AcceptedAt         *time.Time    `json:"accepted_at,omitempty"`
	TutorJoinedAt      *time.Time    `json:"tutor_joined_at,omitempty"`
	StudentJoinedAt    *time.Time    `json:"student_joined_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	ExpiredAt          *time.Time    `json:"expired_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// IsParty reports whether userID is the requesting student or the
// assigned tutor.
func (r *SessionRequest) IsParty(userID uuid.UUID) bool {
	if r.StudentID == userID {
		return true
	}
	return r.TutorID != nil && *r.TutorID == userID
}
