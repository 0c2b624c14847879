package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"scriba.dev/internal/obs"
	"scriba.dev/internal/transcript"
)

type mintRequest struct {
	MeetingID       string `json:"meeting_id"`
	UserID          string `json:"user_id"`
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
}

type mintResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleMint issues an ingest token for a meeting. Only the
// orchestrator holds the mint key; bots only ever see the token.
func (a *API) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.opts.MintKey == "" {
		writeError(w, r, http.StatusServiceUnavailable, "token minting disabled")
		return
	}
	provided := strings.TrimSpace(r.Header.Get("X-Mint-Key"))
	if subtle.ConstantTimeCompare([]byte(provided), []byte(a.opts.MintKey)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "invalid mint key")
		return
	}

	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.MeetingID) == "" {
		writeError(w, r, http.StatusBadRequest, "meeting_id is required")
		return
	}

	tok, expires, err := a.authority.Mint(transcript.MeetingIdentity{
		MeetingID:       req.MeetingID,
		UserID:          req.UserID,
		Platform:        req.Platform,
		NativeMeetingID: req.NativeMeetingID,
	})
	if err != nil {
		if errors.Is(err, transcript.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "mint failed")
		return
	}

	obs.Log("info", "ingest token minted", map[string]any{
		"meeting_id": req.MeetingID,
		"platform":   req.Platform,
	})
	writeJSON(w, http.StatusCreated, mintResponse{
		Token:     tok,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
}
