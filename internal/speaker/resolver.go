// Package speaker maps transcription windows to the most plausible
// speaking participant using each session's append-only activity log.
package speaker

import (
	"sync"

	"scriba.dev/internal/transcript"
)

// Unknown is returned when no speaking turn overlaps the window.
const Unknown = "Unknown"

// Log holds per-session speaker activity. Events are never mutated;
// each session's slice only grows until the session is removed.
type Log struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	events []transcript.SpeakerEvent
	closed bool
	// lastOffsetMS tracks the latest event offset; final resolution
	// closes open turns here once no more events can arrive.
	lastOffsetMS int64
}

// NewLog creates an empty speaker log.
func NewLog() *Log {
	return &Log{sessions: make(map[string]*sessionLog)}
}

// Record appends one speaker event to its session's log. Events for a
// closed session are dropped.
func (l *Log) Record(ev transcript.SpeakerEvent) {
	if ev.SessionUID == "" || ev.ParticipantID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.sessions[ev.SessionUID]
	if !ok {
		sl = &sessionLog{}
		l.sessions[ev.SessionUID] = sl
	}
	if sl.closed {
		return
	}
	sl.events = append(sl.events, ev)
	if ev.RelativeOffsetMS > sl.lastOffsetMS {
		sl.lastOffsetMS = ev.RelativeOffsetMS
	}
}

// CloseSession marks a session complete. Its events stay available for
// final resolution until RemoveSession.
func (l *Log) CloseSession(sessionUID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sl, ok := l.sessions[sessionUID]; ok {
		sl.closed = true
	}
}

// RemoveSession prunes a session's events.
func (l *Log) RemoveSession(sessionUID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionUID)
}

// ResolveOptimistic resolves the speaker for [startSec, endSec) at
// ingestion time. The log may still be growing, so an unmatched start
// counts as a turn that is still running.
func (l *Log) ResolveOptimistic(sessionUID string, startSec, endSec float64) string {
	return l.resolve(sessionUID, startSec, endSec, false)
}

// ResolveFinal resolves the speaker once no further events for the
// session can arrive. Unmatched starts are closed at the last observed
// offset instead of running forever.
func (l *Log) ResolveFinal(sessionUID string, startSec, endSec float64) string {
	return l.resolve(sessionUID, startSec, endSec, true)
}

type turn struct {
	name    string
	startMS int64
	endMS   int64 // -1 = still open
}

func (l *Log) resolve(sessionUID string, startSec, endSec float64, final bool) string {
	l.mu.RLock()
	sl, ok := l.sessions[sessionUID]
	if !ok {
		l.mu.RUnlock()
		return Unknown
	}
	events := sl.events
	lastMS := sl.lastOffsetMS
	closed := sl.closed
	l.mu.RUnlock()

	winStart := transcript.RoundMS(startSec)
	winEnd := transcript.RoundMS(endSec)
	if winEnd < winStart {
		winEnd = winStart
	}

	turns := buildTurns(events)

	best := Unknown
	var bestOverlap int64 = -1
	var bestStart int64
	for _, t := range turns {
		end := t.endMS
		if end < 0 {
			if final && closed {
				// Session is over; a turn cannot outlive the last
				// observed activity.
				end = lastMS
			} else {
				end = winEnd // still speaking as far as we know
			}
		}
		overlap := min64(end, winEnd) - max64(t.startMS, winStart)
		if overlap <= 0 {
			continue
		}
		if overlap > bestOverlap || (overlap == bestOverlap && t.startMS < bestStart) {
			best = t.name
			bestOverlap = overlap
			bestStart = t.startMS
		}
	}
	return best
}

// buildTurns pairs each participant's starts with their next end; a
// start with no end stays open (endMS = -1).
func buildTurns(events []transcript.SpeakerEvent) []turn {
	open := make(map[string]int) // participant -> index into turns
	var turns []turn
	for _, ev := range events {
		switch ev.Type {
		case transcript.SpeakerStart:
			// A second start for the same participant supersedes the
			// unmatched one: close it at the new start.
			if i, ok := open[ev.ParticipantID]; ok {
				turns[i].endMS = ev.RelativeOffsetMS
			}
			turns = append(turns, turn{
				name:    displayName(ev),
				startMS: ev.RelativeOffsetMS,
				endMS:   -1,
			})
			open[ev.ParticipantID] = len(turns) - 1
		case transcript.SpeakerEnd:
			if i, ok := open[ev.ParticipantID]; ok {
				if ev.RelativeOffsetMS > turns[i].startMS {
					turns[i].endMS = ev.RelativeOffsetMS
				} else {
					turns[i].endMS = turns[i].startMS
				}
				delete(open, ev.ParticipantID)
			}
		}
	}
	return turns
}

func displayName(ev transcript.SpeakerEvent) string {
	if ev.ParticipantName != "" {
		return ev.ParticipantName
	}
	return ev.ParticipantID
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
