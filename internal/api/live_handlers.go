package api

import (
	"errors"
	"net/http"
	"strings"
)

type startProxyRequest struct {
	URL      string `json:"url"`
	AdminKey string `json:"admin_key"`
}

// StartProxy begins a new broadcast session. A session already running is
// force-stopped first, so the caller never sees a conflict.
func (h *Handler) StartProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req startProxyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.AdminKey.Verify(req.AdminKey); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	result, err := h.Manager.Start(r.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"status":     string(result.Status),
		"stream_url": result.StreamURL,
		"live_id":    result.SessionID,
	})
}

type stopProxyRequest struct {
	AdminKey string `json:"admin_key"`
}

// StopProxy tears the current session down. Idempotent: stopping an idle
// session succeeds.
func (h *Handler) StopProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req stopProxyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.AdminKey.Verify(req.AdminKey); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	h.Manager.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Status reports the session state plus the hub's viewer count.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	snap := h.Manager.Snapshot()
	payload := map[string]any{
		"is_live":        snap.Status == "live",
		"status":         string(snap.Status),
		"live_id":        snap.SessionID,
		"source_url":     snap.SourceURL,
		"viewers":        h.Hub.Viewers(),
		"reactions":      snap.Reactions,
		"comments_count": snap.CommentsCount,
		"error":          snap.LastError,
		"stream_url":     nil,
	}
	if snap.StreamURL != "" {
		payload["stream_url"] = snap.StreamURL
	}
	writeJSON(w, http.StatusOK, payload)
}

// Replays lists finished recordings, newest first.
func (h *Handler) Replays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	replays, err := h.Manager.ListReplays()
	if err != nil {
		h.Logger.Error("replay listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to list replays"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replays": replays})
}

// ExtractVideo resolves a page URL to its direct media URL without relaying
// the bytes.
func (h *Handler) ExtractVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url query parameter is required"))
		return
	}
	mediaURL, err := h.Resolver.Resolve(r.Context(), pageURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": mediaURL})
}
