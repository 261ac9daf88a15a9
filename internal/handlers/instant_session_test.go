package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AdwelloTech/MathMentor-sub008/internal/handlers"
	"github.com/AdwelloTech/MathMentor-sub008/internal/middleware"
	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
	"github.com/AdwelloTech/MathMentor-sub008/internal/notify"
	"github.com/AdwelloTech/MathMentor-sub008/internal/repository"
	"github.com/AdwelloTech/MathMentor-sub008/internal/router"
	"github.com/AdwelloTech/MathMentor-sub008/internal/services"
	"github.com/AdwelloTech/MathMentor-sub008/internal/websocket"
)

// memStore backs the full HTTP stack in tests with the same guarded
// update semantics as the SQL repository.
type memStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*models.SessionRequest
}

func newMemStore() *memStore {
	return &memStore{requests: make(map[uuid.UUID]*models.SessionRequest)}
}

func (m *memStore) Create(_ context.Context, studentID, subjectID uuid.UUID, durationMinutes int) (*models.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

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
	m.requests[req.ID] = req
	cp := *req
	return &cp, nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) ListPending(_ context.Context, subjectID *uuid.UUID) ([]*models.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*models.SessionRequest{}
	for _, req := range m.requests {
		if req.Status != models.StatusPending {
			continue
		}
		if subjectID != nil && req.SubjectID != *subjectID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListByStudent(_ context.Context, studentID uuid.UUID, limit int) ([]*models.SessionRequest, error) {
	return m.listBy(func(req *models.SessionRequest) bool { return req.StudentID == studentID }, limit), nil
}

func (m *memStore) ListByTutor(_ context.Context, tutorID uuid.UUID, limit int) ([]*models.SessionRequest, error) {
	return m.listBy(func(req *models.SessionRequest) bool {
		return req.TutorID != nil && *req.TutorID == tutorID
	}, limit), nil
}

func (m *memStore) listBy(match func(*models.SessionRequest) bool, limit int) []*models.SessionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*models.SessionRequest{}
	for _, req := range m.requests {
		if match(req) && len(out) < limit {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memStore) UpdateIf(_ context.Context, id uuid.UUID, expected []models.RequestStatus, patch repository.RequestPatch) (*models.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
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
	if req.TutorID == nil && patch.TutorID != nil {
		v := *patch.TutorID
		req.TutorID = &v
	}
	if req.MeetingURL == nil && patch.MeetingURL != nil {
		v := *patch.MeetingURL
		req.MeetingURL = &v
	}
	if req.CancellationReason == nil && patch.CancellationReason != nil {
		v := *patch.CancellationReason
		req.CancellationReason = &v
	}
	for _, p := range []struct {
		dst **time.Time
		src *time.Time
	}{
		{&req.AcceptedAt, patch.AcceptedAt},
		{&req.TutorJoinedAt, patch.TutorJoinedAt},
		{&req.StudentJoinedAt, patch.StudentJoinedAt},
		{&req.StartedAt, patch.StartedAt},
		{&req.CompletedAt, patch.CompletedAt},
		{&req.CancelledAt, patch.CancelledAt},
		{&req.ExpiredAt, patch.ExpiredAt},
	} {
		if *p.dst == nil && p.src != nil {
			v := *p.src
			*p.dst = &v
		}
	}
	req.UpdatedAt = time.Now().UTC()

	cp := *req
	return &cp, nil
}

type stubProvisioner struct{}

func (stubProvisioner) Provision(_ context.Context, requestID uuid.UUID) (string, error) {
	return "https://meet.example.com/" + requestID.String(), nil
}

type testEnv struct {
	store   *memStore
	jwt     *middleware.JWTAuth
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	const secret = "test-secret"
	store := newMemStore()
	jwtAuth := middleware.NewJWTAuth(secret)

	matching := services.NewMatchingService(store, stubProvisioner{}, nil)
	lifecycle := services.NewLifecycleService(store)
	handler := handlers.NewInstantSessionHandler(matching, lifecycle)
	hub := websocket.NewHub(notify.NewBroker(nil, nil), secret)

	return &testEnv{
		store:   store,
		jwt:     jwtAuth,
		handler: router.New(jwtAuth, handler, hub, "http://localhost:3000"),
	}
}

func (e *testEnv) token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	token, err := e.jwt.GenerateAccessToken(userID, role)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeRequest(t *testing.T, rec *httptest.ResponseRecorder) *models.SessionRequest {
	t.Helper()
	var resp struct {
		Request *models.SessionRequest `json:"request"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	if resp.Request == nil {
		t.Fatalf("response has no request: %s", rec.Body.String())
	}
	return resp.Request
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response %q: %v", rec.Body.String(), err)
	}
	return resp.Error.Code
}

func (e *testEnv) createRequest(t *testing.T, studentID uuid.UUID) *models.SessionRequest {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/instant-sessions/", e.token(t, studentID, middleware.RoleStudent),
		map[string]string{"subject_id": uuid.New().String()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeRequest(t, rec)
}

func TestCreateRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/instant-sessions/", "",
		map[string]string{"subject_id": uuid.New().String()})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestCreateRequiresStudentRole(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/instant-sessions/", env.token(t, uuid.New(), middleware.RoleTutor),
		map[string]string{"subject_id": uuid.New().String()})
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "FORBIDDEN" {
		t.Errorf("Expected FORBIDDEN, got %s", code)
	}
}

func TestCreateValidatesSubjectID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/instant-sessions/", env.token(t, uuid.New(), middleware.RoleStudent),
		map[string]string{"subject_id": "not-a-uuid"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "VALIDATION_ERROR" {
		t.Errorf("Expected VALIDATION_ERROR, got %s", code)
	}
}

func TestCreateAndFetch(t *testing.T) {
	env := newTestEnv(t)
	studentID := uuid.New()

	created := env.createRequest(t, studentID)
	if created.Status != models.StatusPending {
		t.Errorf("Expected pending, got %s", created.Status)
	}

	token := env.token(t, studentID, middleware.RoleStudent)
	rec := env.do(t, http.MethodGet, "/api/v1/instant-sessions/"+created.ID.String(), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Request        *models.SessionRequest `json:"request"`
		ElapsedSeconds *int                   `json:"elapsed_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Request == nil || resp.Request.ID != created.ID {
		t.Error("Get returned a different request")
	}
	if resp.ElapsedSeconds == nil {
		t.Error("Expected elapsed_seconds in response")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/instant-sessions/pending", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var pool struct {
		Requests []*models.SessionRequest `json:"requests"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pool); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pool.Requests) != 1 || pool.Requests[0].ID != created.ID {
		t.Errorf("Expected pending pool with 1 request, got %d", len(pool.Requests))
	}
}

func TestGetSnapshotPartyOnly(t *testing.T) {
	env := newTestEnv(t)
	studentID := uuid.New()
	created := env.createRequest(t, studentID)
	base := "/api/v1/instant-sessions/" + created.ID.String()

	// While pending the request is pool-visible to any authenticated
	// caller.
	rec := env.do(t, http.MethodGet, base, env.token(t, uuid.New(), middleware.RoleTutor), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending snapshot: expected 200, got %d", rec.Code)
	}

	tutorID := uuid.New()
	if rec := env.do(t, http.MethodPost, base+"/accept", env.token(t, tutorID, middleware.RoleTutor), nil); rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Once claimed, a third party must not see the snapshot or the
	// meeting link.
	rec = env.do(t, http.MethodGet, base, env.token(t, uuid.New(), middleware.RoleStudent), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("third-party snapshot: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "FORBIDDEN" {
		t.Errorf("Expected FORBIDDEN, got %s", code)
	}
	if strings.Contains(rec.Body.String(), "meet.example.com") {
		t.Error("Forbidden response leaked the meeting URL")
	}

	// Both participants still see it, meeting link included.
	for name, token := range map[string]string{
		"student": env.token(t, studentID, middleware.RoleStudent),
		"tutor":   env.token(t, tutorID, middleware.RoleTutor),
	} {
		rec := env.do(t, http.MethodGet, base, token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s snapshot: expected 200, got %d", name, rec.Code)
		}
		if got := decodeRequest(t, rec); got.MeetingURL == nil {
			t.Errorf("%s snapshot missing meeting URL", name)
		}
	}
}

func TestGetUnknownRequest(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/instant-sessions/"+uuid.New().String(),
		env.token(t, uuid.New(), middleware.RoleTutor), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "NOT_FOUND" {
		t.Errorf("Expected NOT_FOUND, got %s", code)
	}
}

func TestGetInvalidIDParam(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/instant-sessions/not-a-uuid",
		env.token(t, uuid.New(), middleware.RoleTutor), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestAcceptFlow(t *testing.T) {
	env := newTestEnv(t)
	created := env.createRequest(t, uuid.New())
	acceptPath := "/api/v1/instant-sessions/" + created.ID.String() + "/accept"

	winnerID := uuid.New()
	rec := env.do(t, http.MethodPost, acceptPath, env.token(t, winnerID, middleware.RoleTutor), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	accepted := decodeRequest(t, rec)
	if accepted.Status != models.StatusAccepted {
		t.Errorf("Expected accepted, got %s", accepted.Status)
	}
	if accepted.MeetingURL == nil || *accepted.MeetingURL == "" {
		t.Error("Expected a meeting URL on the accepted request")
	}
	if accepted.TutorID == nil || *accepted.TutorID != winnerID {
		t.Error("Expected the winning tutor on the accepted request")
	}

	// The second tutor loses the claim.
	rec = env.do(t, http.MethodPost, acceptPath, env.token(t, uuid.New(), middleware.RoleTutor), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "ALREADY_CLAIMED" {
		t.Errorf("Expected ALREADY_CLAIMED, got %s", code)
	}

	// Students cannot accept at all.
	rec = env.do(t, http.MethodPost, acceptPath, env.token(t, uuid.New(), middleware.RoleStudent), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for student accept, got %d", rec.Code)
	}
}

func TestAcceptRejectsMismatchedBodyTutorID(t *testing.T) {
	env := newTestEnv(t)
	created := env.createRequest(t, uuid.New())

	rec := env.do(t, http.MethodPost, "/api/v1/instant-sessions/"+created.ID.String()+"/accept",
		env.token(t, uuid.New(), middleware.RoleTutor),
		map[string]string{"tutor_id": uuid.New().String()})
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
}

func TestCancelByStudent(t *testing.T) {
	env := newTestEnv(t)
	studentID := uuid.New()
	created := env.createRequest(t, studentID)

	rec := env.do(t, http.MethodPost, "/api/v1/instant-sessions/"+created.ID.String()+"/cancel",
		env.token(t, studentID, middleware.RoleStudent),
		map[string]string{"reason": "found help elsewhere"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	cancelled := decodeRequest(t, rec)
	if cancelled.Status != models.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancellationReason == nil || *cancelled.CancellationReason != "found help elsewhere" {
		t.Error("Expected cancellation reason to be recorded")
	}
}

func TestCancelByStrangerForbidden(t *testing.T) {
	env := newTestEnv(t)
	created := env.createRequest(t, uuid.New())

	rec := env.do(t, http.MethodPost, "/api/v1/instant-sessions/"+created.ID.String()+"/cancel",
		env.token(t, uuid.New(), middleware.RoleStudent), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "FORBIDDEN" {
		t.Errorf("Expected FORBIDDEN, got %s", code)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	studentID := uuid.New()
	tutorID := uuid.New()
	created := env.createRequest(t, studentID)
	base := "/api/v1/instant-sessions/" + created.ID.String()

	tutorToken := env.token(t, tutorID, middleware.RoleTutor)
	studentToken := env.token(t, studentID, middleware.RoleStudent)

	if rec := env.do(t, http.MethodPost, base+"/accept", tutorToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, base+"/tutor-joined", tutorToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("tutor-joined: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, base+"/student-joined", studentToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("student-joined: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, base+"/start", tutorToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if started := decodeRequest(t, rec); started.Status != models.StatusInProgress {
		t.Errorf("Expected in_progress, got %s", started.Status)
	}

	// A third party cannot complete someone else's session.
	rec = env.do(t, http.MethodPost, base+"/complete", env.token(t, uuid.New(), middleware.RoleTutor), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("complete by stranger: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base+"/complete", studentToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if completed := decodeRequest(t, rec); completed.Status != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", completed.Status)
	}

	// Starting a completed session is an invalid transition.
	rec = env.do(t, http.MethodPost, base+"/start", tutorToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("start after complete: expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "INVALID_TRANSITION" {
		t.Errorf("Expected INVALID_TRANSITION, got %s", code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	studentID := uuid.New()
	tutorID := uuid.New()

	created := env.createRequest(t, studentID)
	env.do(t, http.MethodPost, "/api/v1/instant-sessions/"+created.ID.String()+"/accept",
		env.token(t, tutorID, middleware.RoleTutor), nil)

	for _, path := range []string{
		fmt.Sprintf("/api/v1/instant-sessions/student/%s", studentID),
		fmt.Sprintf("/api/v1/instant-sessions/tutor/%s", tutorID),
	} {
		rec := env.do(t, http.MethodGet, path, env.token(t, studentID, middleware.RoleStudent), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		var resp struct {
			Requests []*models.SessionRequest `json:"requests"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.Requests) != 1 || resp.Requests[0].ID != created.ID {
			t.Errorf("%s: expected the request in history", path)
		}
	}
}
