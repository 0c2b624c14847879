package control

import (
	"context"
	"testing"
	"time"

	"scriba.dev/internal/bus"
	"scriba.dev/internal/cache"
	"scriba.dev/internal/publish"
	"scriba.dev/internal/speaker"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestReconfigureUpdatesMeetingConfig(t *testing.T) {
	b := bus.NewInProcess()
	c := cache.New()
	s := speaker.NewLog()
	ctrl := New(b, c, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Bind(ctx, "42"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	c.SessionStart("42", "sess-1", time.Now())

	cmd := bus.Command{Action: bus.ActionReconfigure, MeetingID: "42", Params: map[string]string{"language": "fr"}}
	if err := b.Publish(ctx, cmd); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		return c.Config("42")["language"] == "fr"
	})
}

func TestLeaveClosesSessions(t *testing.T) {
	b := bus.NewInProcess()
	c := cache.New()
	s := speaker.NewLog()
	ctrl := New(b, c, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Bind(ctx, "42"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	c.SessionStart("42", "sess-1", time.Now())

	if err := b.Publish(ctx, bus.Command{Action: bus.ActionLeave, MeetingID: "42"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Once the leave lands, the session anchor is gone and late
	// updates queue for the grace period instead of applying.
	waitFor(t, func() bool {
		res := c.Apply([]cache.Update{{
			MeetingID:     "42",
			SessionUID:    "sess-1",
			Text:          "late",
			RelativeStart: 1,
			RelativeEnd:   2,
		}})
		return res.Pending == 1
	})
}

func TestForeignMeetingCommandIgnored(t *testing.T) {
	b := bus.NewInProcess()
	c := cache.New()
	s := speaker.NewLog()
	ctrl := New(b, c, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Bind(ctx, "43"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	c.SessionStart("42", "sess-1", time.Now())

	cmd := bus.Command{Action: bus.ActionReconfigure, MeetingID: "42", Params: map[string]string{"language": "fr"}}
	if err := b.Publish(ctx, cmd); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := c.Config("42")["language"]; got == "fr" {
		t.Fatal("consumer bound to 43 acted on command for 42")
	}
}

func TestBindIsIdempotent(t *testing.T) {
	b := bus.NewInProcess()
	c := cache.New()
	s := speaker.NewLog()
	ctrl := New(b, c, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Bind(ctx, "42"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := ctrl.Bind(ctx, "42"); err != nil {
		t.Fatalf("second Bind: %v", err)
	}

	ctrl.mu.Lock()
	n := len(ctrl.bound)
	ctrl.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 bound meeting, got %d", n)
	}
}

func TestLeavePublishesFlushedPending(t *testing.T) {
	b := bus.NewInProcess()
	c := cache.New()
	s := speaker.NewLog()
	pub := publish.New()
	ctrl := New(b, c, s, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Bind(ctx, "42"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	deltas := pub.Subscribe(ctx, "42")

	// Queued for a session whose start never arrives.
	res := c.Apply([]cache.Update{{
		MeetingID:     "42",
		SessionUID:    "sess-1",
		RelativeStart: 1,
		RelativeEnd:   2,
		Text:          "orphan",
	}})
	if res.Pending != 1 {
		t.Fatalf("expected queued update, got %+v", res)
	}

	if err := b.Publish(ctx, bus.Command{Action: bus.ActionLeave, MeetingID: "42"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-deltas:
		if len(d.Segments) != 1 || !d.Segments[0].TimeFallback {
			t.Fatalf("unexpected flushed delta: %+v", d.Segments)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flushed pending update was not published")
	}
}

func TestLeaveUnbindsMeeting(t *testing.T) {
	b := bus.NewInProcess()
	c := cache.New()
	s := speaker.NewLog()
	ctrl := New(b, c, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Bind(ctx, "42"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := b.Publish(ctx, bus.Command{Action: bus.ActionLeave, MeetingID: "42"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.bound) == 0
	})
}
