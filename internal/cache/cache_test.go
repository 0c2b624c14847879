package cache

import (
	"testing"
	"time"

	"scriba.dev/internal/transcript"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func update(meeting, session string, start, end float64, text string) Update {
	return Update{
		MeetingID:     meeting,
		SessionUID:    session,
		RelativeStart: start,
		RelativeEnd:   end,
		Text:          text,
		Speaker:       "Alice",
		Language:      "en",
	}
}

func TestIngestBasicFlow(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)

	res := c.Apply([]Update{update("42", "s1", 0.0, 2.5, "hello")})
	if len(res.Changed) != 1 {
		t.Fatalf("expected 1 changed segment, got %d", len(res.Changed))
	}
	seg := res.Changed[0]
	if !seg.AbsoluteStart.Equal(t0) {
		t.Fatalf("absolute start = %v, want %v", seg.AbsoluteStart, t0)
	}
	if !seg.AbsoluteEnd.Equal(t0.Add(2500 * time.Millisecond)) {
		t.Fatalf("absolute end = %v", seg.AbsoluteEnd)
	}
	if seg.TimeFallback {
		t.Fatal("anchored segment must not be flagged")
	}

	if got := c.ActiveMeetings(); len(got) != 1 || got[0] != "42" {
		t.Fatalf("active meetings = %v", got)
	}
}

func TestIngestIdempotence(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)

	u := update("42", "s1", 0.0, 2.5, "hello")
	first := c.Apply([]Update{u})
	if len(first.Changed) != 1 {
		t.Fatalf("expected change on first apply, got %+v", first)
	}
	for i := 0; i < 5; i++ {
		res := c.Apply([]Update{u})
		if len(res.Changed) != 0 {
			t.Fatalf("re-ingest %d produced a change", i)
		}
		if res.Duplicates != 1 {
			t.Fatalf("re-ingest %d not counted duplicate: %+v", i, res)
		}
	}
	if segs := c.ReadMeeting("42"); len(segs) != 1 {
		t.Fatalf("expected exactly one cached segment, got %d", len(segs))
	}
}

func TestStaleOverwriteRejected(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)

	t1 := t0.Add(1 * time.Second)
	t2 := t0.Add(2 * time.Second)

	newer := update("42", "s1", 0.0, 2.5, "hello world")
	newer.UpdatedAt = t2
	if res := c.Apply([]Update{newer}); len(res.Changed) != 1 {
		t.Fatalf("expected change, got %+v", res)
	}

	older := update("42", "s1", 0.0, 2.5, "hello")
	older.UpdatedAt = t1
	res := c.Apply([]Update{older})
	if len(res.Changed) != 0 || res.Stale != 1 {
		t.Fatalf("stale delivery not discarded: %+v", res)
	}

	segs := c.ReadMeeting("42")
	if len(segs) != 1 || segs[0].Text != "hello world" {
		t.Fatalf("newer value regressed: %+v", segs)
	}
}

func TestContentRevisionIsAChange(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)

	u := update("42", "s1", 0.0, 2.5, "hello")
	c.Apply([]Update{u})

	revised := update("42", "s1", 0.0, 3.1, "hello world")
	res := c.Apply([]Update{revised})
	if len(res.Changed) != 1 {
		t.Fatalf("expected revision to count as change: %+v", res)
	}
	segs := c.ReadMeeting("42")
	if len(segs) != 1 || segs[0].Text != "hello world" {
		t.Fatalf("revision not applied in place: %+v", segs)
	}
}

func TestDifferentPositionsAreIndependent(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)

	res := c.Apply([]Update{
		update("42", "s1", 0.0, 2.5, "hello"),
		update("42", "s1", 2.5, 4.0, "world"),
	})
	if len(res.Changed) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(res.Changed))
	}
	if segs := c.ReadMeeting("42"); len(segs) != 2 {
		t.Fatalf("expected 2 cached segments, got %d", len(segs))
	}
}

func TestSessionNamespacingAvoidsCollision(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)
	c.SessionStart("42", "s2", t0.Add(10*time.Minute))

	c.Apply([]Update{update("42", "s1", 0.0, 2.0, "first session")})
	c.Apply([]Update{update("42", "s2", 0.0, 2.0, "second session")})

	segs := c.ReadMeeting("42")
	if len(segs) != 2 {
		t.Fatalf("reconnect at the same offset overwrote: %+v", segs)
	}
}

func TestIngestBeforeSessionStartQueuesAndReplays(t *testing.T) {
	c := New()

	res := c.Apply([]Update{update("42", "s1", 1.0, 2.0, "early")})
	if res.Pending != 1 || len(res.Changed) != 0 {
		t.Fatalf("expected queued update, got %+v", res)
	}
	if segs := c.ReadMeeting("42"); len(segs) != 0 {
		t.Fatal("pending update must not be visible")
	}

	changed := c.SessionStart("42", "s1", t0)
	if len(changed) != 1 {
		t.Fatalf("expected replayed change, got %d", len(changed))
	}
	if !changed[0].AbsoluteStart.Equal(t0.Add(time.Second)) {
		t.Fatalf("replayed segment misanchored: %v", changed[0].AbsoluteStart)
	}
	if changed[0].TimeFallback {
		t.Fatal("replayed segment must not be flagged")
	}
}

func TestGracePeriodFallbackFlagsSegment(t *testing.T) {
	clock := t0
	c := New(WithGracePeriod(5*time.Second), WithClock(func() time.Time { return clock }))

	c.Apply([]Update{update("42", "s1", 2.0, 3.0, "orphan")})

	// Within the grace period nothing moves.
	clock = t0.Add(3 * time.Second)
	if changed := c.FlushExpired(); len(changed) != 0 {
		t.Fatalf("flushed too early: %+v", changed)
	}

	clock = t0.Add(10 * time.Second)
	changed := c.FlushExpired()
	if len(changed) != 1 {
		t.Fatalf("expected fallback flush, got %d", len(changed))
	}
	seg := changed[0]
	if !seg.TimeFallback {
		t.Fatal("fallback segment must be flagged for reconciliation")
	}
	// Anchor = first seen (t0) minus relative start (2s).
	if !seg.AbsoluteStart.Equal(t0) {
		t.Fatalf("fallback anchor wrong: %v", seg.AbsoluteStart)
	}
}

func TestSessionEndFlushesPendingOnFallback(t *testing.T) {
	clock := t0
	c := New(WithGracePeriod(5*time.Second), WithClock(func() time.Time { return clock }))

	// The session's start was lost; the update has no anchor.
	if res := c.Apply([]Update{update("42", "s1", 2.0, 3.0, "orphan")}); res.Pending != 1 {
		t.Fatalf("expected queued update, got %+v", res)
	}

	flushed := c.SessionEnd("s1")
	if len(flushed) != 1 {
		t.Fatalf("expected flushed segment, got %d", len(flushed))
	}
	if !flushed[0].TimeFallback {
		t.Fatal("flushed segment must be flagged for reconciliation")
	}
	if !flushed[0].AbsoluteStart.Equal(t0) {
		t.Fatalf("fallback anchor wrong: %v", flushed[0].AbsoluteStart)
	}

	if segs := c.ReadMeeting("42"); len(segs) != 1 {
		t.Fatalf("flushed segment not live: %d", len(segs))
	}
	clock = t0.Add(time.Minute)
	if changed := c.FlushExpired(); len(changed) != 0 {
		t.Fatalf("queue should be empty after session end: %+v", changed)
	}
}

func TestSessionEndFlushesPendingOnAnchor(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)

	// Anchored sessions drain their queue at start; a fresh queue can
	// only appear through a race, but the close path must still anchor
	// it correctly.
	c.mu.Lock()
	c.pending["s1"] = append(c.pending["s1"], pendingUpdate{upd: update("42", "s1", 1.0, 2.0, "raced"), firstSeen: t0})
	c.mu.Unlock()

	flushed := c.SessionEnd("s1")
	if len(flushed) != 1 {
		t.Fatalf("expected flushed segment, got %d", len(flushed))
	}
	if flushed[0].TimeFallback {
		t.Fatal("anchored flush must not be flagged")
	}
	if !flushed[0].AbsoluteStart.Equal(t0.Add(time.Second)) {
		t.Fatalf("anchored flush misanchored: %v", flushed[0].AbsoluteStart)
	}
}

func TestSessionMeeting(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)
	c.Apply([]Update{update("43", "s2", 0.0, 1.0, "queued")})

	if owner, ok := c.SessionMeeting("s1"); !ok || owner != "42" {
		t.Fatalf("anchored session: got %q %v", owner, ok)
	}
	if owner, ok := c.SessionMeeting("s2"); !ok || owner != "43" {
		t.Fatalf("pending session: got %q %v", owner, ok)
	}
	if _, ok := c.SessionMeeting("s3"); ok {
		t.Fatal("unknown session must not resolve")
	}
}

func TestDeleteKeysSparesConcurrentWrites(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)

	c.Apply([]Update{update("42", "s1", 0.0, 1.0, "old")})
	_, keys := c.ReadKeys("42")

	// A new position lands between the sweep's read and delete.
	c.Apply([]Update{update("42", "s1", 5.0, 6.0, "new")})

	c.DeleteKeys("42", keys)

	segs := c.ReadMeeting("42")
	if len(segs) != 1 || segs[0].Text != "new" {
		t.Fatalf("concurrent write did not survive: %+v", segs)
	}
	if got := c.ActiveMeetings(); len(got) != 1 {
		t.Fatalf("meeting with live segments left the index: %v", got)
	}
}

func TestActiveIndexMatchesCacheContents(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)
	c.Apply([]Update{update("42", "s1", 0.0, 1.0, "hi")})

	_, keys := c.ReadKeys("42")
	c.DeleteKeys("42", keys)

	if got := c.ActiveMeetings(); len(got) != 0 {
		t.Fatalf("drained meeting still indexed: %v", got)
	}
}

func TestEvictIdleDropsMeetingAndAnchors(t *testing.T) {
	clock := t0
	c := New(WithTTL(time.Minute), WithClock(func() time.Time { return clock }))
	c.SessionStart("42", "s1", t0)
	c.Apply([]Update{update("42", "s1", 0.0, 1.0, "hi")})

	clock = t0.Add(30 * time.Second)
	if ev := c.EvictIdle(); len(ev) != 0 {
		t.Fatalf("evicted too early: %+v", ev)
	}

	clock = t0.Add(5 * time.Minute)
	ev := c.EvictIdle()
	if len(ev) != 1 || ev[0].MeetingID != "42" {
		t.Fatalf("unexpected evictions: %+v", ev)
	}
	if len(ev[0].Sessions) != 1 || ev[0].Sessions[0] != "s1" {
		t.Fatalf("session anchor not evicted: %+v", ev[0])
	}
	if got := c.ActiveMeetings(); len(got) != 0 {
		t.Fatalf("evicted meeting still indexed: %v", got)
	}
}

func TestWriteRefreshesTTL(t *testing.T) {
	clock := t0
	c := New(WithTTL(time.Minute), WithClock(func() time.Time { return clock }))
	c.SessionStart("42", "s1", t0)
	c.Apply([]Update{update("42", "s1", 0.0, 1.0, "hi")})

	// Keep writing just inside the TTL; the collection must survive.
	for i := 1; i <= 5; i++ {
		clock = t0.Add(time.Duration(i) * 50 * time.Second)
		c.Apply([]Update{update("42", "s1", float64(i), float64(i)+1, "more")})
		if ev := c.EvictIdle(); len(ev) != 0 {
			t.Fatalf("refreshed meeting evicted at step %d", i)
		}
	}
}

func TestReconfigureAndConfig(t *testing.T) {
	c := New()
	c.Reconfigure("42", map[string]string{"language": "de"})
	c.Reconfigure("42", map[string]string{"task": "translate"})

	cfg := c.Config("42")
	if cfg["language"] != "de" || cfg["task"] != "translate" {
		t.Fatalf("unexpected config: %v", cfg)
	}
	if c.Config("43") != nil {
		t.Fatal("unknown meeting must have no config")
	}
}

func TestCloseMeetingSessions(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)
	c.SessionStart("42", "s2", t0)
	c.SessionStart("43", "other", t0)

	closed, flushed := c.CloseMeetingSessions("42")
	if len(closed) != 2 {
		t.Fatalf("expected 2 closed sessions, got %v", closed)
	}
	if len(flushed) != 0 {
		t.Fatalf("nothing was queued, got %+v", flushed)
	}
	// Meeting 43 keeps its anchor and accepts updates.
	if res := c.Apply([]Update{update("43", "other", 0, 1, "still here")}); len(res.Changed) != 1 {
		t.Fatalf("unrelated meeting was disturbed: %+v", res)
	}
	// Meeting 42's updates now queue for the grace period.
	if res := c.Apply([]Update{update("42", "s1", 0, 1, "late")}); res.Pending != 1 {
		t.Fatalf("expected queued update after close: %+v", res)
	}
}

func TestCloseMeetingSessionsFlushesPending(t *testing.T) {
	clock := t0
	c := New(WithClock(func() time.Time { return clock }))

	// s1 never started; its queue carries the meeting only in the
	// updates themselves.
	c.Apply([]Update{update("42", "s1", 2.0, 3.0, "orphan")})
	c.Apply([]Update{update("43", "other", 0.0, 1.0, "foreign")})

	closed, flushed := c.CloseMeetingSessions("42")
	if len(closed) != 1 || closed[0] != "s1" {
		t.Fatalf("unexpected closed sessions: %v", closed)
	}
	if len(flushed) != 1 || !flushed[0].TimeFallback {
		t.Fatalf("queued update not flushed on fallback: %+v", flushed)
	}
	if segs := c.ReadMeeting("42"); len(segs) != 1 || segs[0].Text != "orphan" {
		t.Fatalf("flushed segment not live: %+v", segs)
	}
	// Meeting 43's queue is untouched.
	if _, ok := c.SessionMeeting("other"); !ok {
		t.Fatal("unrelated pending queue was disturbed")
	}
}

func TestReadKeysReturnsSortedCopies(t *testing.T) {
	c := New()
	c.SessionStart("42", "s1", t0)
	c.Apply([]Update{
		update("42", "s1", 4.0, 5.0, "later"),
		update("42", "s1", 0.0, 1.0, "earlier"),
	})

	segs, keys := c.ReadKeys("42")
	if len(segs) != 2 || len(keys) != 2 {
		t.Fatalf("unexpected read: %d segs, %d keys", len(segs), len(keys))
	}
	if segs[0].Text != "earlier" || segs[1].Text != "later" {
		t.Fatalf("segments not ordered by absolute start: %+v", segs)
	}

	segs[0].Text = "mutated"
	if c.ReadMeeting("42")[0].Text != "earlier" {
		t.Fatal("ReadKeys leaked internal state")
	}
}

func testKey(session string, start float64) transcript.Key {
	return transcript.KeyFor(session, start)
}

func TestDeleteKeysUnknownMeetingIsNoop(t *testing.T) {
	c := New()
	c.DeleteKeys("nope", []transcript.Key{testKey("s1", 0)})
}
