package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AdwelloTech/MathMentor-sub008/internal/models"
)

// GlobalChannel carries every request event regardless of subject.
const GlobalChannel = "instant:all"

// SubjectChannel names the per-subject event channel tutors watch.
func SubjectChannel(subjectID uuid.UUID) string {
	return "instant:subject:" + subjectID.String()
}

// Broker distributes request events over Redis pub/sub. It carries no
// authoritative state: a lost or duplicated message only delays a UI
// update, which polling recovers. Callers own the broker and release
// each subscription explicitly; there is no package-level instance.
type Broker struct {
	pub *redis.Client
	sub *redis.Client
}

func NewBroker(pub, sub *redis.Client) *Broker {
	return &Broker{pub: pub, sub: sub}
}

// Publish fans the event out to the subject channel and the global
// channel. Best-effort: failures are logged, never propagated, because
// the store is the source of truth and subscribers poll.
func (b *Broker) Publish(ctx context.Context, ev models.RequestEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("notify: failed to marshal %s event for request %s: %v", ev.Type, ev.RequestID, err)
		return
	}

	for _, channel := range []string{SubjectChannel(ev.SubjectID), GlobalChannel} {
		if err := b.pub.Publish(ctx, channel, data).Err(); err != nil {
			log.Printf("notify: failed to publish to %s: %v", channel, err)
		}
	}
}

// Subscribe opens the subject's event channel (or the global one when
// subjectID is nil) and returns a receive channel plus a release func
// the caller must invoke when done. Slow consumers have events dropped
// rather than blocking the feed; the poll path backfills.
func (b *Broker) Subscribe(ctx context.Context, subjectID *uuid.UUID) (<-chan models.RequestEvent, func(), error) {
	channel := GlobalChannel
	if subjectID != nil {
		channel = SubjectChannel(*subjectID)
	}

	pubsub := b.sub.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan models.RequestEvent, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev models.RequestEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("notify: dropping malformed event on %s: %v", channel, err)
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	release := func() { pubsub.Close() }
	return out, release, nil
}
