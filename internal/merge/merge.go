// Package merge answers snapshot queries by combining durable storage
// with the residual live cache.
package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"scriba.dev/internal/cache"
	"scriba.dev/internal/store"
	"scriba.dev/internal/transcript"
)

// Reader merges the two segment sources for one meeting. Either source
// may be empty: a new meeting has no durable rows, a fully drained one
// has no live segments.
type Reader struct {
	store store.SegmentStore
	cache *cache.Cache
}

// NewReader builds a Reader.
func NewReader(s store.SegmentStore, c *cache.Cache) *Reader {
	return &Reader{store: s, cache: c}
}

// Snapshot returns the meeting's full transcript in absolute time
// order, with adjacent duplicate-text spans collapsed at the merge
// boundary. Every returned segment carries absolute times.
func (r *Reader) Snapshot(ctx context.Context, meetingID string) ([]transcript.Segment, error) {
	durable, err := r.store.ListByMeeting(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("read durable segments: %w", err)
	}
	live := r.cache.ReadMeeting(meetingID)

	// A position may exist in both sources while a sweep is between
	// insert and delete; the live revision is at least as new.
	byKey := make(map[transcript.Key]int, len(durable))
	combined := make([]transcript.Segment, 0, len(durable)+len(live))
	for _, seg := range durable {
		byKey[seg.Key()] = len(combined)
		combined = append(combined, seg)
	}
	for _, seg := range live {
		if i, ok := byKey[seg.Key()]; ok {
			combined[i] = seg
			continue
		}
		combined = append(combined, seg)
	}

	sort.Slice(combined, func(i, j int) bool {
		if combined[i].AbsoluteStart.Equal(combined[j].AbsoluteStart) {
			return combined[i].SessionUID < combined[j].SessionUID
		}
		return combined[i].AbsoluteStart.Before(combined[j].AbsoluteStart)
	})

	out := combined[:0]
	for _, seg := range combined {
		if len(out) > 0 {
			prev := out[len(out)-1]
			// Whitespace variants of the same utterance count as one.
			if strings.TrimSpace(prev.Text) == strings.TrimSpace(seg.Text) && prev.Speaker == seg.Speaker {
				continue
			}
		}
		out = append(out, seg)
	}
	return out, nil
}
