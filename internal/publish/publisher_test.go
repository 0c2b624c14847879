package publish

import (
	"context"
	"testing"
	"time"

	"scriba.dev/internal/transcript"
)

func delta(meetingID, text string) Delta {
	return Delta{
		MeetingID: meetingID,
		Segments:  []transcript.Segment{{MeetingID: meetingID, Text: text}},
	}
}

func TestPublishReachesOnlyMatchingMeeting(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch42 := p.Subscribe(ctx, "42")
	ch43 := p.Subscribe(ctx, "43")

	p.Publish(delta("42", "hello"))

	select {
	case d := <-ch42:
		if d.MeetingID != "42" || d.Segments[0].Text != "hello" {
			t.Fatalf("unexpected delta: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber for meeting 42 got nothing")
	}

	select {
	case d := <-ch43:
		t.Fatalf("meeting 43 received foreign delta: %+v", d)
	default:
	}
}

func TestPublishEmptyDeltaIsNoop(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := p.Subscribe(ctx, "42")
	p.Publish(Delta{MeetingID: "42"})

	select {
	case d := <-ch:
		t.Fatalf("empty delta must not be published: %+v", d)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Subscribe(ctx, "42") // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			p.Publish(delta("42", "burst"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow subscriber")
	}
}

func TestContextCancelUnsubscribes(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch := p.Subscribe(ctx, "42")
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if n := p.SubscriberCount("42"); n != 0 {
					t.Fatalf("subscriber not removed, count=%d", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
