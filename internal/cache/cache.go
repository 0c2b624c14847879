// Package cache is the authoritative store for not-yet-stable
// transcription segments. All mutation happens under one lock, per
// position key, so at-least-once, reordered delivery collapses into a
// single consistent history.
package cache

import (
	"sort"
	"sync"
	"time"

	"scriba.dev/internal/transcript"
)

const (
	defaultTTL   = 2 * time.Hour
	defaultGrace = 30 * time.Second
)

// Update is one incoming segment revision, prior to absolute-time
// resolution. A zero UpdatedAt is stamped at apply time.
type Update struct {
	MeetingID     string
	SessionUID    string
	RelativeStart float64
	RelativeEnd   float64
	Text          string
	Speaker       string
	Language      string
	UpdatedAt     time.Time
}

// Result summarizes change detection for one applied batch.
type Result struct {
	// Changed carries only the segments whose externally visible
	// content actually changed; it is the delta payload.
	Changed    []transcript.Segment
	Duplicates int
	Stale      int
	Pending    int
}

// Eviction reports one meeting dropped by the TTL janitor, with the
// session anchors that went with it.
type Eviction struct {
	MeetingID string
	Sessions  []string
}

type meetingState struct {
	segments  map[transcript.Key]*transcript.Segment
	config    map[string]string
	lastWrite time.Time
}

type anchor struct {
	meetingID string
	startTime time.Time
}

type pendingUpdate struct {
	upd       Update
	firstSeen time.Time
}

// Cache is the live segment cache plus the active-meeting index and
// session start-time anchors.
type Cache struct {
	mu       sync.Mutex
	meetings map[string]*meetingState
	sessions map[string]anchor
	pending  map[string][]pendingUpdate
	active   map[string]struct{}

	ttl   time.Duration
	grace time.Duration
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the idle lifetime of a per-meeting collection. Every
// write refreshes it, bounding memory even when session_end is lost.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithGracePeriod bounds how long an update may wait for its session
// anchor before the fallback kicks in.
func WithGracePeriod(grace time.Duration) Option {
	return func(c *Cache) {
		if grace > 0 {
			c.grace = grace
		}
	}
}

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		meetings: make(map[string]*meetingState),
		sessions: make(map[string]anchor),
		pending:  make(map[string][]pendingUpdate),
		active:   make(map[string]struct{}),
		ttl:      defaultTTL,
		grace:    defaultGrace,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionStart records the session's absolute start time and replays
// any updates that arrived ahead of it. The returned segments are the
// replay's real changes and must be published like any other delta.
func (c *Cache) SessionStart(meetingID, sessionUID string, startTime time.Time) []transcript.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions[sessionUID] = anchor{meetingID: meetingID, startTime: startTime}

	queued := c.pending[sessionUID]
	delete(c.pending, sessionUID)

	var changed []transcript.Segment
	for _, p := range queued {
		if seg, outcome := c.applyLocked(p.upd, startTime, false); outcome == outcomeChanged {
			changed = append(changed, seg)
		}
	}
	return changed
}

// SessionEnd drops the session's start-time anchor. Updates still
// queued for the session are flushed first, on the anchor when one
// exists and on the best-effort fallback otherwise; the returned
// segments must be published like any other delta. Live segments from
// the session stay cached until the stabilization sweep drains them.
func (c *Cache) SessionEnd(sessionUID string) []transcript.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.flushSessionLocked(sessionUID)
	delete(c.sessions, sessionUID)
	return changed
}

// flushSessionLocked drains a session's pending queue. With no anchor
// the updates land on the first-seen fallback, flagged for
// reconciliation. Callers hold mu.
func (c *Cache) flushSessionLocked(sessionUID string) []transcript.Segment {
	queue := c.pending[sessionUID]
	if len(queue) == 0 {
		return nil
	}
	delete(c.pending, sessionUID)

	a, anchored := c.sessions[sessionUID]
	var changed []transcript.Segment
	for _, p := range queue {
		anchorTime := a.startTime
		if !anchored {
			anchorTime = p.firstSeen.Add(-secondsToDuration(p.upd.RelativeStart))
		}
		if seg, outcome := c.applyLocked(p.upd, anchorTime, !anchored); outcome == outcomeChanged {
			changed = append(changed, seg)
		}
	}
	return changed
}

// SessionMeeting reports which meeting owns a session, from its anchor
// or, for a session whose start has not arrived, from its queued
// updates.
func (c *Cache) SessionMeeting(sessionUID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.sessions[sessionUID]; ok {
		return a.meetingID, true
	}
	if queue := c.pending[sessionUID]; len(queue) > 0 {
		return queue[0].upd.MeetingID, true
	}
	return "", false
}

// Apply runs change detection for a batch of updates. Updates whose
// session anchor is unknown are queued for the grace period instead of
// being dropped.
func (c *Cache) Apply(batch []Update) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	for _, u := range batch {
		a, ok := c.sessions[u.SessionUID]
		if !ok {
			c.pending[u.SessionUID] = append(c.pending[u.SessionUID], pendingUpdate{
				upd:       u,
				firstSeen: c.now(),
			})
			res.Pending++
			continue
		}
		seg, outcome := c.applyLocked(u, a.startTime, false)
		switch outcome {
		case outcomeChanged:
			res.Changed = append(res.Changed, seg)
		case outcomeDuplicate:
			res.Duplicates++
		case outcomeStale:
			res.Stale++
		}
	}
	return res
}

type outcome int

const (
	outcomeChanged outcome = iota
	outcomeDuplicate
	outcomeStale
)

// applyLocked performs the per-key read-modify-write. Callers hold mu.
func (c *Cache) applyLocked(u Update, sessionStart time.Time, fallback bool) (transcript.Segment, outcome) {
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = c.now()
	}

	seg := transcript.Segment{
		MeetingID:     u.MeetingID,
		SessionUID:    u.SessionUID,
		RelativeStart: u.RelativeStart,
		RelativeEnd:   u.RelativeEnd,
		Text:          u.Text,
		Speaker:       u.Speaker,
		Language:      u.Language,
		AbsoluteStart: sessionStart.Add(secondsToDuration(u.RelativeStart)),
		AbsoluteEnd:   sessionStart.Add(secondsToDuration(u.RelativeEnd)),
		UpdatedAt:     updatedAt,
		TimeFallback:  fallback,
	}

	ms, ok := c.meetings[u.MeetingID]
	if !ok {
		ms = &meetingState{segments: make(map[transcript.Key]*transcript.Segment)}
		c.meetings[u.MeetingID] = ms
	}
	ms.lastWrite = c.now()

	key := seg.Key()
	existing := ms.segments[key]
	if existing != nil {
		// A stale re-delivery must never regress a newer value.
		if updatedAt.Before(existing.UpdatedAt) {
			return *existing, outcomeStale
		}
		if existing.Fingerprint() == seg.Fingerprint() {
			return *existing, outcomeDuplicate
		}
	}

	stored := seg
	ms.segments[key] = &stored
	c.active[u.MeetingID] = struct{}{}
	return seg, outcomeChanged
}

// FlushExpired applies pending updates whose grace period ran out,
// anchoring them best-effort on their first-seen wall clock and
// flagging them for reconciliation. Never drops silently.
func (c *Cache) FlushExpired() []transcript.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var changed []transcript.Segment
	for sessionUID, queue := range c.pending {
		var keep []pendingUpdate
		for _, p := range queue {
			if now.Sub(p.firstSeen) <= c.grace {
				keep = append(keep, p)
				continue
			}
			// Best-effort anchor: the update was first seen roughly
			// RelativeStart seconds into the session.
			anchorTime := p.firstSeen.Add(-secondsToDuration(p.upd.RelativeStart))
			if seg, outcome := c.applyLocked(p.upd, anchorTime, true); outcome == outcomeChanged {
				changed = append(changed, seg)
			}
		}
		if len(keep) == 0 {
			delete(c.pending, sessionUID)
		} else {
			c.pending[sessionUID] = keep
		}
	}
	return changed
}

// EvictIdle drops meetings whose collection TTL lapsed, along with
// their session anchors. Bounds memory when session_end never arrives.
func (c *Cache) EvictIdle() []Eviction {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var evicted []Eviction
	for meetingID, ms := range c.meetings {
		if now.Sub(ms.lastWrite) <= c.ttl {
			continue
		}
		ev := Eviction{MeetingID: meetingID}
		for sessionUID, a := range c.sessions {
			if a.meetingID == meetingID {
				ev.Sessions = append(ev.Sessions, sessionUID)
				delete(c.sessions, sessionUID)
			}
		}
		delete(c.meetings, meetingID)
		delete(c.active, meetingID)
		evicted = append(evicted, ev)
	}
	return evicted
}

// ReadMeeting returns copies of the meeting's live segments ordered by
// absolute start time.
func (c *Cache) ReadMeeting(meetingID string) []transcript.Segment {
	segs, _ := c.ReadKeys(meetingID)
	return segs
}

// ReadKeys returns the meeting's live segments together with the exact
// keys read, for the sweep's read-then-delete contract.
func (c *Cache) ReadKeys(meetingID string) ([]transcript.Segment, []transcript.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, ok := c.meetings[meetingID]
	if !ok {
		return nil, nil
	}
	segs := make([]transcript.Segment, 0, len(ms.segments))
	keys := make([]transcript.Key, 0, len(ms.segments))
	for key, seg := range ms.segments {
		segs = append(segs, *seg)
		keys = append(keys, key)
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].AbsoluteStart.Equal(segs[j].AbsoluteStart) {
			return segs[i].SessionUID < segs[j].SessionUID
		}
		return segs[i].AbsoluteStart.Before(segs[j].AbsoluteStart)
	})
	return segs, keys
}

// DeleteKeys removes exactly the given keys. Keys written concurrently
// since the read survive untouched. The meeting leaves the active
// index when its collection empties.
func (c *Cache) DeleteKeys(meetingID string, keys []transcript.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, ok := c.meetings[meetingID]
	if !ok {
		return
	}
	for _, key := range keys {
		delete(ms.segments, key)
	}
	if len(ms.segments) == 0 {
		delete(c.active, meetingID)
	}
}

// ActiveMeetings lists meetings with at least one live segment.
func (c *Cache) ActiveMeetings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.active))
	for meetingID := range c.active {
		out = append(out, meetingID)
	}
	sort.Strings(out)
	return out
}

// Reconfigure merges control-plane parameters into the meeting's
// configuration.
func (c *Cache) Reconfigure(meetingID string, params map[string]string) {
	if len(params) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, ok := c.meetings[meetingID]
	if !ok {
		ms = &meetingState{segments: make(map[transcript.Key]*transcript.Segment), lastWrite: c.now()}
		c.meetings[meetingID] = ms
	}
	if ms.config == nil {
		ms.config = make(map[string]string, len(params))
	}
	for k, v := range params {
		ms.config[k] = v
	}
}

// Config returns a copy of the meeting's configuration.
func (c *Cache) Config(meetingID string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, ok := c.meetings[meetingID]
	if !ok || len(ms.config) == 0 {
		return nil
	}
	out := make(map[string]string, len(ms.config))
	for k, v := range ms.config {
		out[k] = v
	}
	return out
}

// CloseMeetingSessions removes all session anchors bound to the
// meeting and returns their UIDs. Pending queues owned by the meeting
// are flushed, not dropped: anchorless ones land on the fallback and
// come back flagged, for the caller to publish. Used by the
// control-plane "leave".
func (c *Cache) CloseMeetingSessions(meetingID string) ([]string, []transcript.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var closed []string
	var flushed []transcript.Segment
	for sessionUID, a := range c.sessions {
		if a.meetingID == meetingID {
			closed = append(closed, sessionUID)
			flushed = append(flushed, c.flushSessionLocked(sessionUID)...)
			delete(c.sessions, sessionUID)
		}
	}
	// Queues for sessions that never started carry the meeting only in
	// their updates.
	for sessionUID, queue := range c.pending {
		if len(queue) > 0 && queue[0].upd.MeetingID == meetingID {
			closed = append(closed, sessionUID)
			flushed = append(flushed, c.flushSessionLocked(sessionUID)...)
		}
	}
	sort.Strings(closed)
	return closed, flushed
}

// Stats reports the number of active meetings and live segments.
func (c *Cache) Stats() (meetings, segments int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ms := range c.meetings {
		if len(ms.segments) > 0 {
			meetings++
			segments += len(ms.segments)
		}
	}
	return meetings, segments
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(transcript.RoundMS(seconds)) * time.Millisecond
}
