// Package store defines durable storage for stable segments. Rows are
// immutable and append-only; only the stabilization engine writes
// them.
package store

import (
	"context"
	"errors"

	"scriba.dev/internal/transcript"
)

// ErrUnavailable wraps transient storage failures. Segments stay live
// and retry on the next sweep.
var ErrUnavailable = errors.New("store: unavailable")

// SegmentStore persists stable segments.
type SegmentStore interface {
	// InsertBatch writes the segments in one transaction and returns
	// how many rows were actually inserted. A duplicate key is not an
	// error: at-least-once persistence re-inserts after partial
	// failures and the unique key absorbs the conflict.
	InsertBatch(ctx context.Context, segments []transcript.Segment) (int, error)

	// ListByMeeting returns the meeting's stable segments ordered by
	// absolute start time.
	ListByMeeting(ctx context.Context, meetingID string) ([]transcript.Segment, error)
}
