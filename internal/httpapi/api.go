// Package httpapi is the HTTP surface of the collector: ingest, live
// transcript reads, SSE delta streaming, and token minting.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"scriba.dev/internal/cache"
	"scriba.dev/internal/merge"
	"scriba.dev/internal/obs"
	"scriba.dev/internal/publish"
	"scriba.dev/internal/speaker"
	"scriba.dev/internal/token"
)

// ReadyProbe checks downstream readiness (database ping when durable
// storage is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the non-wiring knobs of the HTTP layer.
type Options struct {
	MintKey    string
	Version    string
	RateBurst  int
	RatePerSec int

	// OnMeetingActive runs when a session start makes a meeting live,
	// letting the caller attach control-bus consumers.
	OnMeetingActive func(meetingID string)
}

// API is the HTTP layer. All meeting state mutation goes through it
// and is gated on a verified ingest token.
type API struct {
	mux        *http.ServeMux
	authority  *token.Authority
	cache      *cache.Cache
	speakers   *speaker.Log
	pub        *publish.Publisher
	reader     *merge.Reader
	readyProbe ReadyProbe
	opts       Options
}

func New(authority *token.Authority, c *cache.Cache, s *speaker.Log, p *publish.Publisher, r *merge.Reader, rp ReadyProbe, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		authority:  authority,
		cache:      c,
		speakers:   s,
		pub:        p,
		reader:     r,
		readyProbe: rp,
		opts:       opts,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/ingest", a.handleIngest)
	a.mux.HandleFunc("/v1/tokens", a.handleMint)
	a.mux.HandleFunc("/v1/meetings/", a.handleMeetingResource)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with the standard middleware stack.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	if a.opts.RateBurst > 0 && a.opts.RatePerSec > 0 {
		h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	}
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "scriba-collector",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	meetings, segments := a.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          "scriba-collector",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"version":       a.opts.Version,
		"live_meetings": meetings,
		"live_segments": segments,
	})
}

// handleMeetingResource routes /v1/meetings/{id}/transcript and
// /v1/meetings/{id}/stream.
func (a *API) handleMeetingResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/meetings/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, rest, ok := strings.Cut(path, "/")
	if !ok || id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch rest {
	case "transcript":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getTranscript(w, r, id)
	case "stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.streamDeltas(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
