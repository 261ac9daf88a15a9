// Package reconcile maintains a subscriber's local view of the pending
// pool by merging two concurrent delivery paths: best-effort push events
// and periodic poll snapshots. Either path alone converges to the same
// view; together they only shrink the window in which a stale card is
// shown.
package reconcile

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
)

// PendingLister is the poll path: a snapshot of currently pending
// requests, optionally scoped to one subject.
type PendingLister interface {
	ListPending(ctx context.Context, subjectID *uuid.UUID) ([]*models.SessionRequest, error)
}

// Getter resolves the authoritative state of a single request. Optional;
// used to attach full request bodies to pushed inserts and to type the
// synthesized event when a request vanishes from a poll snapshot.
type Getter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SessionRequest, error)
}

// PushBackend is the push path. A nil backend means poll-only operation;
// the view still converges, just bounded by the poll interval.
type PushBackend interface {
	Subscribe(ctx context.Context, subjectID *uuid.UUID) (<-chan models.RequestEvent, func(), error)
}

type Config struct {
	Lister       PendingLister
	Getter       Getter      // optional
	Push         PushBackend // optional
	SubjectID    *uuid.UUID  // nil watches all subjects
	PollInterval time.Duration
	MaxBackoff   time.Duration // cap on push reconnect backoff
	// OnEvent is invoked for each state change applied to the view,
	// whether it arrived by push or was synthesized from a poll diff.
	// Duplicates are filtered before the callback fires.
	OnEvent func(models.RequestEvent)
}

type Reconciler struct {
	cfg Config

	mu        sync.Mutex
	known     map[uuid.UUID]models.RequestStatus
	view      map[uuid.UUID]*models.SessionRequest
	dismissed map[uuid.UUID]bool
	// terminalSeen records when a request was first observed terminal,
	// so its dedup entries can be pruned once late duplicates are no
	// longer plausible.
	terminalSeen map[uuid.UUID]time.Time
}

func New(cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 7 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Reconciler{
		cfg:          cfg,
		known:        make(map[uuid.UUID]models.RequestStatus),
		view:         make(map[uuid.UUID]*models.SessionRequest),
		dismissed:    make(map[uuid.UUID]bool),
		terminalSeen: make(map[uuid.UUID]time.Time),
	}
}

// Run drives both delivery paths until ctx is cancelled. The push loop
// reconnects with exponential backoff after failures; polling continues
// throughout, so a dead push channel degrades latency, never
// correctness.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cfg.Push != nil {
		go r.pushLoop(ctx)
	}
	r.pollLoop(ctx)
}

// Pending returns the current local view of the pool, oldest first,
// excluding locally dismissed requests.
func (r *Reconciler) Pending() []*models.SessionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.SessionRequest, 0, len(r.view))
	for id, req := range r.view {
		if r.dismissed[id] {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Dismiss hides a request from this subscriber's view without touching
// shared state. A tutor rejecting a card affects nobody else; the
// request stays claimable by everyone.
func (r *Reconciler) Dismiss(requestID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dismissed[requestID] = true
}

// ApplyEvent merges one pushed event into the view. Returns false when
// the event is a duplicate of state already recorded, in which case the
// OnEvent callback does not fire. Safe to call with events delivered out
// of order or more than once.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev models.RequestEvent) bool {
	r.mu.Lock()
	prev, seen := r.known[ev.RequestID]
	if seen && ev.Status.Rank() <= prev.Rank() {
		r.mu.Unlock()
		return false
	}
	r.known[ev.RequestID] = ev.Status
	if ev.Status != models.StatusPending {
		delete(r.view, ev.RequestID)
	}
	r.mu.Unlock()

	if ev.Status == models.StatusPending && r.cfg.Getter != nil {
		if req, err := r.cfg.Getter.GetByID(ctx, ev.RequestID); err == nil && req.Status == models.StatusPending {
			r.mu.Lock()
			r.view[req.ID] = req
			r.mu.Unlock()
		}
	}

	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(ev)
	}
	return true
}

// ApplySnapshot reconciles a poll result against the view, synthesizing
// the same event types push would have delivered: new ids become
// inserted events, vanished ids are resolved to their terminal or
// accepted state.
func (r *Reconciler) ApplySnapshot(ctx context.Context, snapshot []*models.SessionRequest) {
	current := make(map[uuid.UUID]bool, len(snapshot))
	var synthesized []models.RequestEvent

	r.mu.Lock()
	for _, req := range snapshot {
		current[req.ID] = true

		prev, seen := r.known[req.ID]
		if seen && prev.Rank() > models.StatusPending.Rank() {
			// A push event already advanced this request; the snapshot
			// row is stale. Keep the pushed state.
			continue
		}
		r.view[req.ID] = req
		if !seen {
			r.known[req.ID] = models.StatusPending
			synthesized = append(synthesized, models.RequestEvent{
				Type:      models.EventInserted,
				RequestID: req.ID,
				SubjectID: req.SubjectID,
				Status:    models.StatusPending,
			})
		}
	}

	var vanished []*models.SessionRequest
	for id, req := range r.view {
		if !current[id] {
			vanished = append(vanished, req)
		}
	}
	for _, req := range vanished {
		delete(r.view, req.ID)
	}

	// Terminal requests never transition again, so their dedup entries
	// only need to outlive the window in which a late duplicate event
	// could still arrive. Pruning after two poll cycles keeps the maps
	// bounded for a long-lived subscriber.
	now := time.Now()
	for id, status := range r.known {
		if !status.Terminal() {
			continue
		}
		first, seen := r.terminalSeen[id]
		if !seen {
			r.terminalSeen[id] = now
			continue
		}
		if now.Sub(first) >= 2*r.cfg.PollInterval {
			delete(r.known, id)
			delete(r.dismissed, id)
			delete(r.terminalSeen, id)
		}
	}
	r.mu.Unlock()

	for _, ev := range synthesized {
		if r.cfg.OnEvent != nil {
			r.cfg.OnEvent(ev)
		}
	}
	for _, req := range vanished {
		r.resolveVanished(ctx, req)
	}
}

// resolveVanished handles a request that left the pending pool between
// polls without a push event explaining why.
func (r *Reconciler) resolveVanished(ctx context.Context, stale *models.SessionRequest) {
	if r.cfg.Getter == nil {
		// Cannot type the transition; record that the request is no
		// longer pending so late duplicates stay filtered.
		r.mu.Lock()
		if r.known[stale.ID] == models.StatusPending {
			r.known[stale.ID] = models.StatusAccepted
		}
		r.mu.Unlock()
		return
	}

	req, err := r.cfg.Getter.GetByID(ctx, stale.ID)
	if err != nil {
		return
	}

	ev := models.RequestEvent{RequestID: req.ID, SubjectID: req.SubjectID, Status: req.Status}
	switch req.Status {
	case models.StatusCancelled:
		ev.Type = models.EventCancelled
	case models.StatusExpired:
		ev.Type = models.EventExpired
	default:
		// accepted, in_progress, or already completed: it left the pool
		// by being claimed.
		ev.Type = models.EventAccepted
	}

	r.mu.Lock()
	prev, seen := r.known[req.ID]
	if seen && req.Status.Rank() <= prev.Rank() {
		r.mu.Unlock()
		return
	}
	r.known[req.ID] = req.Status
	r.mu.Unlock()

	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(ev)
	}
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	r.pollOnce(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Reconciler) pollOnce(ctx context.Context) {
	snapshot, err := r.cfg.Lister.ListPending(ctx, r.cfg.SubjectID)
	if err != nil {
		log.Printf("reconcile: poll failed: %v", err)
		return
	}
	r.ApplySnapshot(ctx, snapshot)
}

func (r *Reconciler) pushLoop(ctx context.Context) {
	backoff := time.Second

	for ctx.Err() == nil {
		events, release, err := r.cfg.Push.Subscribe(ctx, r.cfg.SubjectID)
		if err != nil {
			log.Printf("reconcile: push subscribe failed, retrying in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
			continue
		}

		backoff = time.Second
		r.consume(ctx, events)
		release()
	}
}

func (r *Reconciler) consume(ctx context.Context, events <-chan models.RequestEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.ApplyEvent(ctx, ev)
		}
	}
}
