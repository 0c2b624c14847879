package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"scriba.dev/internal/transcript"
)

type durableKey struct {
	meetingID  string
	sessionUID string
	startMS    int64
}

type durableRow struct {
	segment     transcript.Segment
	persistedAt time.Time
}

// InMemory implements SegmentStore with in-process concurrency safety.
// It backs tests and DSN-less development runs.
type InMemory struct {
	mu   sync.RWMutex
	rows map[durableKey]durableRow
	now  func() time.Time
}

var _ SegmentStore = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		rows: make(map[durableKey]durableRow),
		now:  time.Now,
	}
}

func (s *InMemory) InsertBatch(ctx context.Context, segments []transcript.Segment) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, seg := range segments {
		key := durableKey{
			meetingID:  seg.MeetingID,
			sessionUID: seg.SessionUID,
			startMS:    transcript.RoundMS(seg.RelativeStart),
		}
		// Unique key: re-insertion is an idempotent conflict.
		if _, ok := s.rows[key]; ok {
			continue
		}
		s.rows[key] = durableRow{segment: seg, persistedAt: s.now().UTC()}
		inserted++
	}
	return inserted, nil
}

func (s *InMemory) ListByMeeting(ctx context.Context, meetingID string) ([]transcript.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []transcript.Segment
	for key, row := range s.rows {
		if key.meetingID == meetingID {
			out = append(out, row.segment)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AbsoluteStart.Equal(out[j].AbsoluteStart) {
			return out[i].SessionUID < out[j].SessionUID
		}
		return out[i].AbsoluteStart.Before(out[j].AbsoluteStart)
	})
	return out, nil
}

// Len reports the number of stored rows. Test helper.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
