package transcript

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MeetingIdentity is the stable key and bound metadata addressing one
// meeting instance. Created once at meeting start, never mutated.
type MeetingIdentity struct {
	MeetingID       string `json:"meeting_id"`
	UserID          string `json:"user_id"`
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
}

// Session is one connected stretch of a meeting. Reconnects open new
// sessions; StartTime anchors relative offsets to absolute time.
type Session struct {
	SessionUID string     `json:"session_uid"`
	MeetingID  string     `json:"meeting_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

// SpeakerEventType marks the beginning or end of a speaking turn.
type SpeakerEventType string

const (
	SpeakerStart SpeakerEventType = "start"
	SpeakerEnd   SpeakerEventType = "end"
)

// SpeakerEvent is one append-only entry of a session's speaker activity
// log, offset in milliseconds from the session start.
type SpeakerEvent struct {
	SessionUID       string           `json:"session_uid"`
	ParticipantID    string           `json:"participant_id"`
	ParticipantName  string           `json:"participant_name"`
	Type             SpeakerEventType `json:"event_type"`
	RelativeOffsetMS int64            `json:"relative_offset_ms"`
}

// Segment is one transcription unit. While live it is mutated in place
// by re-ingestion at the same position; once persisted it is immutable.
// Absolute times are always populated before a segment becomes
// externally visible.
type Segment struct {
	MeetingID     string    `json:"meeting_id"`
	SessionUID    string    `json:"session_uid"`
	RelativeStart float64   `json:"relative_start"`
	RelativeEnd   float64   `json:"relative_end"`
	Text          string    `json:"text"`
	Speaker       string    `json:"speaker"`
	Language      string    `json:"language"`
	AbsoluteStart time.Time `json:"absolute_start_time"`
	AbsoluteEnd   time.Time `json:"absolute_end_time"`
	UpdatedAt     time.Time `json:"updated_at"`
	// TimeFallback marks segments whose absolute times were derived
	// without a session anchor and need later reconciliation.
	TimeFallback bool `json:"time_fallback,omitempty"`
}

// Key addresses one live segment position. Positions are namespaced by
// session so two sessions of the same meeting never collide on
// identical relative offsets.
type Key struct {
	SessionUID string
	StartMS    int64
}

// KeyFor normalizes a relative start offset (seconds) to a millisecond
// position key.
func KeyFor(sessionUID string, relativeStart float64) Key {
	return Key{SessionUID: sessionUID, StartMS: RoundMS(relativeStart)}
}

// RoundMS rounds a second offset to whole milliseconds, the precision
// at which positions and end offsets are compared.
func RoundMS(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}

// Key returns the segment's position key.
func (s Segment) Key() Key {
	return KeyFor(s.SessionUID, s.RelativeStart)
}

// Fingerprint is the normalized comparison key used for change
// detection: two deliveries with equal fingerprints are semantically
// identical and must not trigger a notification.
func (s Segment) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%d",
		s.Text, s.Speaker, s.Language,
		RoundMS(s.RelativeEnd),
		s.AbsoluteStart.UnixMilli(), s.AbsoluteEnd.UnixMilli())
}

var (
	ErrNotFound       = errors.New("transcript: not found")
	ErrSessionUnknown = errors.New("transcript: session unknown")
	ErrInvalidInput   = errors.New("transcript: invalid input")
)
