package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"scriba.dev/internal/cache"
	"scriba.dev/internal/ids"
	"scriba.dev/internal/obs"
	"scriba.dev/internal/publish"
	"scriba.dev/internal/token"
	"scriba.dev/internal/transcript"
)

const (
	msgSessionStart    = "session_start"
	msgTranscription   = "transcription"
	msgSpeakerActivity = "speaker_activity"
	msgSessionEnd      = "session_end"
)

type ingestSegment struct {
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	Text      string    `json:"text"`
	Speaker   string    `json:"speaker,omitempty"`
	Language  string    `json:"language,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type ingestEvent struct {
	ParticipantID    string `json:"participant_id,omitempty"`
	ParticipantName  string `json:"participant_name"`
	EventType        string `json:"event_type"`
	RelativeOffsetMS int64  `json:"relative_offset_ms"`
}

// ingestEnvelope is one transport message from a bot. The token rides
// in the envelope because messages may be relayed without headers.
type ingestEnvelope struct {
	Type       string          `json:"type"`
	Token      string          `json:"token,omitempty"`
	MeetingID  string          `json:"meeting_id"`
	SessionUID string          `json:"session_uid"`
	StartTime  time.Time       `json:"start_time,omitempty"`
	Segments   []ingestSegment `json:"segments,omitempty"`
	Events     []ingestEvent   `json:"events,omitempty"`
}

type ingestResponse struct {
	Status     string `json:"status"`
	Changed    int    `json:"changed"`
	Duplicates int    `json:"duplicates"`
	Stale      int    `json:"stale"`
	Pending    int    `json:"pending"`
	Recorded   int    `json:"recorded,omitempty"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var env ingestEnvelope
	if err := decodeJSON(w, r, &env); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Authenticate before touching any state. A rejected message must
	// leave the cache and speaker log exactly as they were.
	claims, ok := a.authenticate(w, r, env.Token)
	if !ok {
		obs.ObserveIngest("rejected")
		return
	}
	if env.MeetingID != "" && env.MeetingID != claims.MeetingID {
		obs.ObserveIngest("rejected")
		writeError(w, r, http.StatusForbidden, "token is not valid for this meeting")
		return
	}
	if strings.TrimSpace(env.SessionUID) == "" {
		writeError(w, r, http.StatusBadRequest, "session_uid is required")
		return
	}
	// A session already bound to a meeting only accepts messages from
	// that meeting's tokens. Checked before any handler mutates state.
	if owner, ok := a.cache.SessionMeeting(env.SessionUID); ok && owner != claims.MeetingID {
		obs.ObserveIngest("rejected")
		writeError(w, r, http.StatusForbidden, "session belongs to another meeting")
		return
	}

	switch env.Type {
	case msgSessionStart:
		a.ingestSessionStart(w, r, claims, env)
	case msgTranscription:
		a.ingestTranscription(w, r, claims, env)
	case msgSpeakerActivity:
		a.ingestSpeakerActivity(w, r, env)
	case msgSessionEnd:
		a.ingestSessionEnd(w, r, claims, env)
	default:
		writeError(w, r, http.StatusBadRequest, "unknown message type")
	}
}

// authenticate verifies the ingest token from the envelope or the
// Authorization header and writes the error response on failure.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request, envToken string) (*token.Claims, bool) {
	raw := strings.TrimSpace(envToken)
	if raw == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			raw = strings.TrimSpace(header[len("bearer "):])
		}
	}
	if raw == "" {
		writeError(w, r, http.StatusUnauthorized, "missing ingest token")
		return nil, false
	}

	claims, err := a.authority.Verify(raw)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrReplayedNonce):
			writeError(w, r, http.StatusConflict, "token nonce already used")
		case errors.Is(err, token.ErrExpired):
			writeError(w, r, http.StatusUnauthorized, "token expired")
		default:
			writeError(w, r, http.StatusUnauthorized, "invalid token")
		}
		return nil, false
	}
	return claims, true
}

func (a *API) ingestSessionStart(w http.ResponseWriter, r *http.Request, claims *token.Claims, env ingestEnvelope) {
	start := env.StartTime
	if start.IsZero() {
		start = time.Now().UTC()
	}

	replayed := a.cache.SessionStart(claims.MeetingID, env.SessionUID, start)
	if len(replayed) > 0 {
		a.publishDelta(claims.MeetingID, replayed)
	}
	if a.opts.OnMeetingActive != nil {
		a.opts.OnMeetingActive(claims.MeetingID)
	}

	obs.Log("info", "session started", map[string]any{
		"meeting_id":  claims.MeetingID,
		"session_uid": env.SessionUID,
		"replayed":    len(replayed),
	})
	writeJSON(w, http.StatusOK, ingestResponse{Status: "session_started", Changed: len(replayed)})
}

func (a *API) ingestTranscription(w http.ResponseWriter, r *http.Request, claims *token.Claims, env ingestEnvelope) {
	if len(env.Segments) == 0 {
		writeError(w, r, http.StatusBadRequest, "segments are required")
		return
	}

	batch := make([]cache.Update, 0, len(env.Segments))
	for _, s := range env.Segments {
		if s.End < s.Start || s.Start < 0 {
			writeError(w, r, http.StatusBadRequest, "segment offsets must satisfy 0 <= start <= end")
			return
		}
		speakerName := s.Speaker
		if speakerName == "" {
			speakerName = a.speakers.ResolveOptimistic(env.SessionUID, s.Start, s.End)
		}
		batch = append(batch, cache.Update{
			MeetingID:     claims.MeetingID,
			SessionUID:    env.SessionUID,
			RelativeStart: s.Start,
			RelativeEnd:   s.End,
			Text:          s.Text,
			Speaker:       speakerName,
			Language:      s.Language,
			UpdatedAt:     s.UpdatedAt,
		})
	}

	res := a.cache.Apply(batch)
	recordIngest(res)
	if len(res.Changed) > 0 {
		a.publishDelta(claims.MeetingID, res.Changed)
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		Status:     "accepted",
		Changed:    len(res.Changed),
		Duplicates: res.Duplicates,
		Stale:      res.Stale,
		Pending:    res.Pending,
	})
}

func (a *API) ingestSpeakerActivity(w http.ResponseWriter, r *http.Request, env ingestEnvelope) {
	if len(env.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, "events are required")
		return
	}

	recorded := 0
	for _, ev := range env.Events {
		var typ transcript.SpeakerEventType
		switch ev.EventType {
		case string(transcript.SpeakerStart):
			typ = transcript.SpeakerStart
		case string(transcript.SpeakerEnd):
			typ = transcript.SpeakerEnd
		default:
			writeError(w, r, http.StatusBadRequest, "event_type must be start or end")
			return
		}
		if ev.RelativeOffsetMS < 0 {
			writeError(w, r, http.StatusBadRequest, "relative_offset_ms must be >= 0")
			return
		}
		pid := ev.ParticipantID
		if pid == "" {
			pid = ev.ParticipantName
		}
		if pid == "" {
			writeError(w, r, http.StatusBadRequest, "participant_id or participant_name is required")
			return
		}
		a.speakers.Record(transcript.SpeakerEvent{
			SessionUID:       env.SessionUID,
			ParticipantID:    pid,
			ParticipantName:  ev.ParticipantName,
			Type:             typ,
			RelativeOffsetMS: ev.RelativeOffsetMS,
		})
		recorded++
	}

	writeJSON(w, http.StatusOK, ingestResponse{Status: "recorded", Recorded: recorded})
}

func (a *API) ingestSessionEnd(w http.ResponseWriter, r *http.Request, claims *token.Claims, env ingestEnvelope) {
	flushed := a.cache.SessionEnd(env.SessionUID)
	if len(flushed) > 0 {
		a.publishDelta(claims.MeetingID, flushed)
	}
	a.speakers.CloseSession(env.SessionUID)

	obs.Log("info", "session ended", map[string]any{
		"meeting_id":  claims.MeetingID,
		"session_uid": env.SessionUID,
		"flushed":     len(flushed),
	})
	writeJSON(w, http.StatusOK, ingestResponse{Status: "session_ended", Changed: len(flushed)})
}

func (a *API) publishDelta(meetingID string, segments []transcript.Segment) {
	a.pub.Publish(publish.Delta{
		BatchID:   ids.New(),
		MeetingID: meetingID,
		Segments:  segments,
		EmittedAt: time.Now().UTC(),
	})
	obs.IncNotifications()
}

func recordIngest(res cache.Result) {
	for range res.Changed {
		obs.ObserveIngest("changed")
	}
	for i := 0; i < res.Duplicates; i++ {
		obs.ObserveIngest("duplicate")
	}
	for i := 0; i < res.Stale; i++ {
		obs.ObserveIngest("stale")
	}
	for i := 0; i < res.Pending; i++ {
		obs.ObserveIngest("pending")
	}
}
