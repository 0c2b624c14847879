// Package bus carries control-plane commands to per-meeting consumers.
// Delivery may happen over a shared medium, so consumers always drop
// commands addressed to a different meeting.
package bus

import (
	"context"
	"sync"
)

// Command actions.
const (
	ActionReconfigure = "reconfigure"
	ActionLeave       = "leave"
)

// Command is one control-plane message for a meeting.
type Command struct {
	Action    string            `json:"action"`
	MeetingID string            `json:"meeting_id"`
	Params    map[string]string `json:"params,omitempty"`
}

// Bus publishes and subscribes control commands. Subscribe returns a
// channel that only ever yields commands for the requested meeting,
// regardless of what the underlying medium delivers; the channel is
// closed when the context ends.
type Bus interface {
	Publish(ctx context.Context, cmd Command) error
	Subscribe(ctx context.Context, meetingID string) (<-chan Command, error)
}

type inprocSub struct {
	meetingID string
	ch        chan Command
}

// InProcess is a Bus for tests and single-node development. All
// subscribers share one medium, like a shared broker channel.
type InProcess struct {
	mu   sync.RWMutex
	subs map[int]inprocSub
	next int
}

var _ Bus = (*InProcess)(nil)

// NewInProcess creates an empty in-process bus.
func NewInProcess() *InProcess {
	return &InProcess{subs: make(map[int]inprocSub)}
}

func (b *InProcess) Publish(ctx context.Context, cmd Command) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		// The shared medium reaches every subscriber; the meeting
		// filter decides delivery.
		if sub.meetingID != cmd.MeetingID {
			continue
		}
		select {
		case sub.ch <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (b *InProcess) Subscribe(ctx context.Context, meetingID string) (<-chan Command, error) {
	ch := make(chan Command, 8)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = inprocSub{meetingID: meetingID, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}
