package api

import (
	"errors"
	"net/http"
	"strings"

	"castgate/internal/push"
)

type pushRegisterRequest struct {
	UserID       string `json:"userId"`
	Subscription struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
}

// PushRegister stores (or overwrites) a user's push subscription.
func (h *Handler) PushRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req pushRegisterRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	if req.Subscription.Endpoint == "" {
		writeError(w, http.StatusBadRequest, errors.New("subscription endpoint is required"))
		return
	}
	err := h.Push.Store().Save(r.Context(), push.Subscription{
		UserID:   req.UserID,
		Endpoint: req.Subscription.Endpoint,
		P256dh:   req.Subscription.Keys.P256dh,
		Auth:     req.Subscription.Keys.Auth,
	})
	if err != nil {
		h.Logger.Error("push subscription save failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to save subscription"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type pushUnregisterRequest struct {
	UserID string `json:"userId"`
}

// PushUnregister removes a user's subscription. Unregistering an unknown user
// succeeds.
func (h *Handler) PushUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req pushUnregisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	if err := h.Push.Store().Delete(r.Context(), req.UserID); err != nil {
		h.Logger.Error("push subscription delete failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to delete subscription"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type pushBroadcastRequest struct {
	AdminKey string         `json:"admin_key"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data"`
}

// PushBroadcast sends a notification to every subscriber. Admin only.
func (h *Handler) PushBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req pushBroadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.AdminKey.Verify(req.AdminKey); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	report := h.Push.Broadcast(r.Context(), req.Title, req.Message, req.Data)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"sent":    report.Sent,
		"failed":  report.Failed,
		"total":   report.Total,
	})
}
