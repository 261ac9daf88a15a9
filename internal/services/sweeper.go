package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
	"github.com/AdwelloTech/MathMentor-sub008/internal/repository"
)

// Sweeper expires pending requests that nobody claimed within the TTL.
// It goes through the same conditional update as every other writer, so
// a tutor's accept racing the sweep is decided atomically: exactly one
// of the two lands.
type Sweeper struct {
	store    RequestStore
	events   EventPublisher
	ttl      time.Duration
	interval time.Duration
	cron     *cron.Cron
}

func NewSweeper(store RequestStore, events EventPublisher, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		events:   events,
		ttl:      ttl,
		interval: interval,
		cron:     cron.New(),
	}
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()

		expired, err := s.SweepOnce(ctx, time.Now().UTC())
		if err != nil {
			log.Printf("sweeper: sweep failed: %v", err)
			return
		}
		if expired > 0 {
			log.Printf("sweeper: expired %d unclaimed request(s)", expired)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a sweep already in flight.
// Expiry is all-or-nothing per request, so stopping mid-scan leaves no
// partial state.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepOnce expires every pending request older than the TTL as of now
// and returns how many it transitioned. Requests claimed or cancelled
// mid-sweep fail their status guard and are skipped silently; losing
// those races is the expected outcome, not an error.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.store.ListPending(ctx, nil)
	if err != nil {
		return 0, err
	}

	count := 0
	expired := models.StatusExpired
	for _, req := range pending {
		if now.Sub(req.RequestedAt) < s.ttl {
			continue
		}
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		at := now
		updated, err := s.store.UpdateIf(ctx, req.ID, []models.RequestStatus{models.StatusPending}, repository.RequestPatch{
			Status:    &expired,
			ExpiredAt: &at,
		})
		if err != nil {
			if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return count, err
		}

		count++
		if s.events != nil {
			s.events.Publish(ctx, models.RequestEvent{
				Type:      models.EventExpired,
				RequestID: updated.ID,
				SubjectID: updated.SubjectID,
				Status:    updated.Status,
			})
		}
	}
	return count, nil
}
