// Package publish fan-outs delta notifications to per-meeting
// subscribers. A delta is emitted only for real content change; the
// absence of messages carries no liveness signal.
package publish

import (
	"context"
	"sync"
	"time"

	"scriba.dev/internal/transcript"
)

// Delta is one batch notification: only the segments whose content
// actually changed.
type Delta struct {
	BatchID   string               `json:"batch_id,omitempty"`
	MeetingID string               `json:"meeting_id"`
	Segments  []transcript.Segment `json:"changed_segments"`
	EmittedAt time.Time            `json:"emitted_at"`
}

type subscriber struct {
	meetingID string
	ch        chan Delta
}

// Publisher fan-outs deltas to all active subscribers of a meeting
// (SSE clients and internal consumers).
type Publisher struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty publisher.
func New() *Publisher {
	return &Publisher{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for one meeting and returns a
// channel which will receive its deltas. The channel is closed when
// the provided context ends.
func (p *Publisher) Subscribe(ctx context.Context, meetingID string) <-chan Delta {
	ch := make(chan Delta, 16)

	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = subscriber{meetingID: meetingID, ch: ch}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, id)
		close(ch)
		p.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the delta to the meeting's subscribers. Publishing
// to a meeting nobody watches is a no-op; a slow subscriber's delta is
// dropped rather than blocking ingestion.
func (p *Publisher) Publish(d Delta) {
	if len(d.Segments) == 0 {
		return
	}
	if d.EmittedAt.IsZero() {
		d.EmittedAt = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subs {
		if sub.meetingID != d.MeetingID {
			continue
		}
		select {
		case sub.ch <- d:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SubscriberCount reports active subscribers for a meeting.
func (p *Publisher) SubscriberCount(meetingID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, sub := range p.subs {
		if sub.meetingID == meetingID {
			n++
		}
	}
	return n
}
