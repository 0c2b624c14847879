// Package control consumes orchestration commands from the shared
// control bus and applies them to the live meeting state. Every
// collector instance sees every command on the medium; the bus layer
// filters by meeting, and the controller only mutates meetings this
// instance is bound to.
package control

import (
	"context"
	"sync"

	"scriba.dev/internal/bus"
	"scriba.dev/internal/cache"
	"scriba.dev/internal/obs"
	"scriba.dev/internal/publish"
	"scriba.dev/internal/speaker"
)

// Controller routes bus commands into the cache and speaker log. The
// publisher carries deltas for pending segments flushed on leave; it
// may be nil.
type Controller struct {
	bus      bus.Bus
	cache    *cache.Cache
	speakers *speaker.Log
	pub      *publish.Publisher

	mu    sync.Mutex
	bound map[string]context.CancelFunc
}

func New(b bus.Bus, c *cache.Cache, s *speaker.Log, pub *publish.Publisher) *Controller {
	return &Controller{
		bus:      b,
		cache:    c,
		speakers: s,
		pub:      pub,
		bound:    make(map[string]context.CancelFunc),
	}
}

// Bind subscribes to a meeting's control channel and applies commands
// until ctx is cancelled, the meeting leaves, or Unbind is called.
// Binding an already-bound meeting is a no-op.
func (c *Controller) Bind(ctx context.Context, meetingID string) error {
	c.mu.Lock()
	if _, ok := c.bound[meetingID]; ok {
		c.mu.Unlock()
		return nil
	}
	mctx, cancel := context.WithCancel(ctx)
	c.bound[meetingID] = cancel
	c.mu.Unlock()

	ch, err := c.bus.Subscribe(mctx, meetingID)
	if err != nil {
		c.Unbind(meetingID)
		return err
	}

	go func() {
		for {
			select {
			case <-mctx.Done():
				return
			case cmd, ok := <-ch:
				if !ok {
					return
				}
				c.apply(cmd)
			}
		}
	}()
	return nil
}

// Unbind drops the meeting's control subscription.
func (c *Controller) Unbind(meetingID string) {
	c.mu.Lock()
	cancel, ok := c.bound[meetingID]
	if ok {
		delete(c.bound, meetingID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Controller) apply(cmd bus.Command) {
	switch cmd.Action {
	case bus.ActionReconfigure:
		c.cache.Reconfigure(cmd.MeetingID, cmd.Params)
		obs.Log("info", "meeting reconfigured", map[string]any{
			"meeting_id": cmd.MeetingID,
			"params":     cmd.Params,
		})
	case bus.ActionLeave:
		closed, flushed := c.cache.CloseMeetingSessions(cmd.MeetingID)
		for _, uid := range closed {
			c.speakers.CloseSession(uid)
		}
		if len(flushed) > 0 && c.pub != nil {
			c.pub.Publish(publish.Delta{MeetingID: cmd.MeetingID, Segments: flushed})
			obs.IncNotifications()
		}
		c.Unbind(cmd.MeetingID)
		obs.Log("info", "meeting leave requested", map[string]any{
			"meeting_id": cmd.MeetingID,
			"sessions":   len(closed),
			"flushed":    len(flushed),
		})
	default:
		obs.Log("warn", "unknown control action", map[string]any{
			"meeting_id": cmd.MeetingID,
			"action":     cmd.Action,
		})
	}
}
