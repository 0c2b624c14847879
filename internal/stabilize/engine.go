// Package stabilize promotes aged live segments into durable storage.
// It is the only component that deletes live segments or writes
// durable rows, which is what lets ingestion and persistence share the
// cache without cross-process locking.
package stabilize

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"scriba.dev/internal/cache"
	"scriba.dev/internal/obs"
	"scriba.dev/internal/publish"
	"scriba.dev/internal/speaker"
	"scriba.dev/internal/store"
	"scriba.dev/internal/transcript"
)

const (
	defaultInterval  = 15 * time.Second
	defaultThreshold = 30 * time.Second
)

// SweepStats summarizes one sweep.
type SweepStats struct {
	Meetings  int
	Persisted int
	Skipped   int // younger than the immutability threshold
	Dropped   int // empty or duplicate text filtered before insert
	Failed    int // meetings whose durable write failed this sweep
}

// Engine runs the periodic stabilization sweep.
type Engine struct {
	cache    *cache.Cache
	store    store.SegmentStore
	speakers *speaker.Log
	pub      *publish.Publisher

	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	onEvict   func(meetingID string)

	// sweepMu makes sweeps non-re-entrant: a new sweep must not start
	// before the prior one finishes.
	sweepMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithThreshold sets the immutability threshold: minimum idle time
// before a live segment is eligible for persistence.
func WithThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.threshold = d
		}
	}
}

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEvictionHook registers a callback invoked for every meeting the
// TTL janitor evicts, so other per-meeting resources are released with
// it.
func WithEvictionHook(fn func(meetingID string)) Option {
	return func(e *Engine) {
		e.onEvict = fn
	}
}

// New builds an Engine over the live cache and durable store. The
// publisher receives deltas for pending segments flushed on fallback;
// it may be nil.
func New(c *cache.Cache, s store.SegmentStore, speakers *speaker.Log, pub *publish.Publisher, opts ...Option) *Engine {
	e := &Engine{
		cache:     c,
		store:     s,
		speakers:  speakers,
		pub:       pub,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run sweeps on a fixed interval until the context ends. The loop is
// the single periodic background task; an in-flight sweep always
// finishes before the next begins.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep runs one stabilization pass over every active meeting. A
// failed durable write isolates to its meeting; everything unwritten
// stays live and retries next sweep.
func (e *Engine) Sweep(ctx context.Context) SweepStats {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	start := e.now()
	var stats SweepStats

	// Housekeeping shares the sweep cadence: flush pending segments
	// whose grace period lapsed, then evict idle meetings.
	if flushed := e.cache.FlushExpired(); len(flushed) > 0 && e.pub != nil {
		for meetingID, segs := range groupByMeeting(flushed) {
			e.pub.Publish(publish.Delta{MeetingID: meetingID, Segments: segs})
			obs.IncNotifications()
		}
	}
	for _, ev := range e.cache.EvictIdle() {
		for _, sessionUID := range ev.Sessions {
			e.speakers.RemoveSession(sessionUID)
		}
		if e.onEvict != nil {
			e.onEvict(ev.MeetingID)
		}
		obs.Log("warn", "meeting evicted on ttl", map[string]any{
			"meeting_id": ev.MeetingID,
		})
	}

	for _, meetingID := range e.cache.ActiveMeetings() {
		stats.Meetings++
		persisted, skipped, dropped, err := e.sweepMeeting(ctx, meetingID)
		stats.Persisted += persisted
		stats.Skipped += skipped
		stats.Dropped += dropped
		if err != nil {
			stats.Failed++
			obs.Log("error", "sweep failed for meeting", map[string]any{
				"meeting_id": meetingID,
				"error":      err.Error(),
			})
		}
	}

	meetings, segments := e.cache.Stats()
	obs.SetCacheSize(meetings, segments)
	obs.ObserveSweep(e.now().Sub(start), stats.Persisted, stats.Failed)
	return stats
}

func (e *Engine) sweepMeeting(ctx context.Context, meetingID string) (persisted, skipped, dropped int, err error) {
	segs, _ := e.cache.ReadKeys(meetingID)
	now := e.now()

	var stable []transcript.Segment
	for _, seg := range segs {
		if now.Sub(seg.UpdatedAt) <= e.threshold {
			skipped++
			continue
		}
		stable = append(stable, seg)
	}
	if len(stable) == 0 {
		return 0, skipped, 0, nil
	}

	// Final speaker resolution: the session log is as complete as it
	// will ever be for segments this old.
	for i := range stable {
		resolved := e.speakers.ResolveFinal(stable[i].SessionUID, stable[i].RelativeStart, stable[i].RelativeEnd)
		if resolved != speaker.Unknown {
			stable[i].Speaker = resolved
		}
	}

	survivors := filterSegments(stable)
	dropped = len(stable) - len(survivors)

	// The keys to delete are exactly the keys read as stable, whether
	// or not the filter dropped their content: a filtered segment is
	// finished either way.
	keys := make([]transcript.Key, len(stable))
	for i, seg := range stable {
		keys[i] = seg.Key()
	}

	if len(survivors) > 0 {
		if _, err := e.store.InsertBatch(ctx, survivors); err != nil {
			return 0, skipped, dropped, err
		}
		persisted = len(survivors)
	}

	e.cache.DeleteKeys(meetingID, keys)
	return persisted, skipped, dropped, nil
}

// filterSegments drops empty text and collapses adjacent duplicate
// text from the same speaker, an artifact of overlapping recognition
// windows.
func filterSegments(segs []transcript.Segment) []transcript.Segment {
	ordered := make([]transcript.Segment, len(segs))
	copy(ordered, segs)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].AbsoluteStart.Equal(ordered[j].AbsoluteStart) {
			return ordered[i].SessionUID < ordered[j].SessionUID
		}
		return ordered[i].AbsoluteStart.Before(ordered[j].AbsoluteStart)
	})

	out := ordered[:0]
	lastText := ""
	for _, seg := range ordered {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if len(out) > 0 && text == lastText && out[len(out)-1].Speaker == seg.Speaker {
			continue
		}
		out = append(out, seg)
		lastText = text
	}
	return out
}

func groupByMeeting(segs []transcript.Segment) map[string][]transcript.Segment {
	grouped := make(map[string][]transcript.Segment)
	for _, seg := range segs {
		grouped[seg.MeetingID] = append(grouped[seg.MeetingID], seg)
	}
	return grouped
}
