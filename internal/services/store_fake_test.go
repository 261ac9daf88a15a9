package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
	"github.com/AdwelloTech/MathMentor-sub008/internal/repository"
)

// fakeStore implements RequestStore in memory with the same semantics
// the SQL store guarantees: a single mutex serializes UpdateIf, the
// status guard is checked under it, and set-once fields never change
// after first write. Concurrency tests against it exercise the real
// race-handling logic in the services.
type fakeStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*models.SessionRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{requests: make(map[uuid.UUID]*models.SessionRequest)}
}

func (f *fakeStore) Create(_ context.Context, studentID, subjectID uuid.UUID, durationMinutes int) (*models.SessionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	req := &models.SessionRequest{
		ID:              uuid.New(),
		StudentID:       studentID,
		SubjectID:       subjectID,
		DurationMinutes: durationMinutes,
		Status:          models.StatusPending,
		RequestedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	f.requests[req.ID] = req
	return clone(req), nil
}

func (f *fakeStore) seed(req *models.SessionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.ID] = clone(req)
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.SessionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(req), nil
}

func (f *fakeStore) ListPending(_ context.Context, subjectID *uuid.UUID) ([]*models.SessionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []*models.SessionRequest{}
	for _, req := range f.requests {
		if req.Status != models.StatusPending {
			continue
		}
		if subjectID != nil && req.SubjectID != *subjectID {
			continue
		}
		out = append(out, clone(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (f *fakeStore) ListByStudent(_ context.Context, studentID uuid.UUID, limit int) ([]*models.SessionRequest, error) {
	return f.listBy(func(req *models.SessionRequest) bool { return req.StudentID == studentID }, limit), nil
}

func (f *fakeStore) ListByTutor(_ context.Context, tutorID uuid.UUID, limit int) ([]*models.SessionRequest, error) {
	return f.listBy(func(req *models.SessionRequest) bool {
		return req.TutorID != nil && *req.TutorID == tutorID
	}, limit), nil
}

func (f *fakeStore) listBy(match func(*models.SessionRequest) bool, limit int) []*models.SessionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []*models.SessionRequest{}
	for _, req := range f.requests {
		if match(req) {
			out = append(out, clone(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeStore) UpdateIf(_ context.Context, id uuid.UUID, expected []models.RequestStatus, patch repository.RequestPatch) (*models.SessionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	matched := false
	for _, s := range expected {
		if req.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, repository.ErrStatusConflict
	}

	if patch.Status != nil {
		req.Status = *patch.Status
	}
	setOnceID(&req.TutorID, patch.TutorID)
	setOnceStr(&req.MeetingURL, patch.MeetingURL)
	setOnceStr(&req.CancellationReason, patch.CancellationReason)
	setOnceTime(&req.AcceptedAt, patch.AcceptedAt)
	setOnceTime(&req.TutorJoinedAt, patch.TutorJoinedAt)
	setOnceTime(&req.StudentJoinedAt, patch.StudentJoinedAt)
	setOnceTime(&req.StartedAt, patch.StartedAt)
	setOnceTime(&req.CompletedAt, patch.CompletedAt)
	setOnceTime(&req.CancelledAt, patch.CancelledAt)
	setOnceTime(&req.ExpiredAt, patch.ExpiredAt)
	req.UpdatedAt = time.Now().UTC()

	return clone(req), nil
}

func setOnceID(dst **uuid.UUID, src *uuid.UUID) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func setOnceStr(dst **string, src *string) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func setOnceTime(dst **time.Time, src *time.Time) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func clone(req *models.SessionRequest) *models.SessionRequest {
	out := *req
	out.TutorID = copyID(req.TutorID)
	out.MeetingURL = copyStr(req.MeetingURL)
	out.CancellationReason = copyStr(req.CancellationReason)
	out.AcceptedAt = copyTime(req.AcceptedAt)
	out.TutorJoinedAt = copyTime(req.TutorJoinedAt)
	out.StudentJoinedAt = copyTime(req.StudentJoinedAt)
	out.StartedAt = copyTime(req.StartedAt)
	out.CompletedAt = copyTime(req.CompletedAt)
	out.CancelledAt = copyTime(req.CancelledAt)
	out.ExpiredAt = copyTime(req.ExpiredAt)
	return &out
}

func copyID(v *uuid.UUID) *uuid.UUID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyStr(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// recordingPublisher captures fan-out events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.RequestEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.RequestEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) byType(eventType string) []models.RequestEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := []models.RequestEvent{}
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeProvisioner returns a distinct URL per call so tests can detect a
// second provisioning result leaking into the store.
type fakeProvisioner struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
}

func (p *fakeProvisioner) Provision(_ context.Context, requestID uuid.UUID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.calls <= p.failures {
		return "", context.DeadlineExceeded
	}
	return "https://meet.example.com/" + requestID.String() + "/v" + string(rune('0'+p.calls)), nil
}

func (p *fakeProvisioner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
