// Package api implements the HTTP handlers for the broadcast gateway.
package api

import (
	"log/slog"
	"net/http"

	"castgate/internal/auth"
	"castgate/internal/extract"
	"castgate/internal/hub"
	"castgate/internal/live"
	"castgate/internal/push"
)

// Handler bundles the collaborators the HTTP surface needs.
type Handler struct {
	Manager  *live.Manager
	Hub      *hub.Hub
	Resolver extract.Resolver
	Push     *push.Dispatcher
	AdminKey auth.AdminKey
	Logger   *slog.Logger
}

func NewHandler(manager *live.Manager, h *hub.Hub, resolver extract.Resolver, dispatcher *push.Dispatcher, adminKey auth.AdminKey, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Manager:  manager,
		Hub:      h,
		Resolver: resolver,
		Push:     dispatcher,
		AdminKey: adminKey,
		Logger:   logger,
	}
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
