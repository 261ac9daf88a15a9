package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
)

var (
	// ErrNotFound means no request exists with the given id.
	ErrNotFound = errors.New("session request not found")
	// ErrStatusConflict means the conditional update's expected status did
	// not match the current row. Routine under concurrent claims.
	ErrStatusConflict = errors.New("session request status conflict")
)

// RequestPatch is the set of columns a conditional update may touch.
// Nil fields are left untouched. Every field except Status is set-once:
// the write only lands if the column is currently NULL, so a duplicated
// patch can never overwrite an earlier writer (first-writer-wins).
type RequestPatch struct {
	Status             *models.RequestStatus
	TutorID            *uuid.UUID
	MeetingURL         *string
	CancellationReason *string
	AcceptedAt         *time.Time
	TutorJoinedAt      *time.Time
	StudentJoinedAt    *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	ExpiredAt          *time.Time
}

const requestColumns = `
	id, student_id, subject_id, duration_minutes, status,
	tutor_id, meeting_url, cancellation_reason,
	requested_at, accepted_at, tutor_joined_at, student_joined_at,
	started_at, completed_at, cancelled_at, expired_at,
	created_at, updated_at`

type SessionRequestRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRequestRepo(pool *pgxpool.Pool) *SessionRequestRepo {
	return &SessionRequestRepo{pool: pool}
}

func (r *SessionRequestRepo) Create(ctx context.Context, studentID, subjectID uuid.UUID, durationMinutes int) (*models.SessionRequest, error) {
	query := `
		INSERT INTO session_requests (student_id, subject_id, duration_minutes)
		VALUES ($1, $2, $3)
		RETURNING` + requestColumns

	row := r.pool.QueryRow(ctx, query, studentID, subjectID, durationMinutes)
	return scanRequest(row)
}

func (r *SessionRequestRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.SessionRequest, error) {
	query := `SELECT` + requestColumns + ` FROM session_requests WHERE id = $1`

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// ListPending returns pending requests oldest-first, optionally filtered
// by subject. Rows that changed status concurrently simply stop showing
// up here; subscribers detect that by diffing successive snapshots.
func (r *SessionRequestRepo) ListPending(ctx context.Context, subjectID *uuid.UUID) ([]*models.SessionRequest, error) {
	query := `
		SELECT` + requestColumns + `
		FROM session_requests
		WHERE status = 'pending'
		  AND ($1::uuid IS NULL OR subject_id = $1)
		ORDER BY requested_at ASC`

	rows, err := r.pool.Query(ctx, query, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (r *SessionRequestRepo) ListByStudent(ctx context.Context, studentID uuid.UUID, limit int) ([]*models.SessionRequest, error) {
	query := `
		SELECT` + requestColumns + `
		FROM session_requests
		WHERE student_id = $1
		ORDER BY requested_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (r *SessionRequestRepo) ListByTutor(ctx context.Context, tutorID uuid.UUID, limit int) ([]*models.SessionRequest, error) {
	query := `
		SELECT` + requestColumns + `
		FROM session_requests
		WHERE tutor_id = $1
		ORDER BY requested_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, tutorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// UpdateIf is the single write path for request mutation. It atomically
// verifies the current status is one of expected before applying patch,
// all in one UPDATE, which is what makes racing claimants safe without
// any external lock: exactly one writer observes a matching status.
//
// Zero rows updated is disambiguated with a follow-up read: a missing
// row is ErrNotFound, an existing row whose status moved on is
// ErrStatusConflict.
func (r *SessionRequestRepo) UpdateIf(ctx context.Context, id uuid.UUID, expected []models.RequestStatus, patch RequestPatch) (*models.SessionRequest, error) {
	query := `
		UPDATE session_requests
		SET status              = COALESCE($3::text, status),
		    tutor_id            = COALESCE(tutor_id, $4::uuid),
		    meeting_url         = COALESCE(meeting_url, $5::text),
		    cancellation_reason = COALESCE(cancellation_reason, $6::text),
		    accepted_at         = COALESCE(accepted_at, $7::timestamptz),
		    tutor_joined_at     = COALESCE(tutor_joined_at, $8::timestamptz),
		    student_joined_at   = COALESCE(student_joined_at, $9::timestamptz),
		    started_at          = COALESCE(started_at, $10::timestamptz),
		    completed_at        = COALESCE(completed_at, $11::timestamptz),
		    cancelled_at        = COALESCE(cancelled_at, $12::timestamptz),
		    expired_at          = COALESCE(expired_at, $13::timestamptz),
		    updated_at          = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING` + requestColumns

	args := append([]interface{}{id, statusStrings(expected)}, patchArgs(patch)...)
	row := r.pool.QueryRow(ctx, query, args...)

	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStatusConflict
	}
	return req, err
}

// patchArgs lays the patch fields out in the positional order UpdateIf's
// statement binds them ($3 through $13). Status is flattened to *string
// so the text cast sees NULL when no status change is requested.
func patchArgs(patch RequestPatch) []interface{} {
	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}
	return []interface{}{
		status,
		patch.TutorID,
		patch.MeetingURL,
		patch.CancellationReason,
		patch.AcceptedAt,
		patch.TutorJoinedAt,
		patch.StudentJoinedAt,
		patch.StartedAt,
		patch.CompletedAt,
		patch.CancelledAt,
		patch.ExpiredAt,
	}
}

func statusStrings(statuses []models.RequestStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func scanRequest(row pgx.Row) (*models.SessionRequest, error) {
	var req models.SessionRequest
	err := row.Scan(
		&req.ID,
		&req.StudentID,
		&req.SubjectID,
		&req.DurationMinutes,
		&req.Status,
		&req.TutorID,
		&req.MeetingURL,
		&req.CancellationReason,
		&req.RequestedAt,
		&req.AcceptedAt,
		&req.TutorJoinedAt,
		&req.StudentJoinedAt,
		&req.StartedAt,
		&req.CompletedAt,
		&req.CancelledAt,
		&req.ExpiredAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func collectRequests(rows pgx.Rows) ([]*models.SessionRequest, error) {
	requests := []*models.SessionRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
