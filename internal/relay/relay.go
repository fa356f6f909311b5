// Package relay implements the byte-range passthrough proxy: it resolves a
// page URL to its direct media URL and streams the upstream response to the
// client with flow-controlled writes.
package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"castgate/internal/extract"
	"castgate/internal/observability/metrics"
)

const copyBufferSize = 64 * 1024

// passthroughHeaders are the only upstream headers forwarded downstream.
// Everything else is either hop-by-hop or origin-specific.
var passthroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
}

// Config wires a Handler to its collaborators.
type Config struct {
	Resolver extract.Resolver
	Client   *http.Client
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Handler serves GET requests carrying a url query parameter.
type Handler struct {
	resolver extract.Resolver
	client   *http.Client
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func New(cfg Config) *Handler {
	if cfg.Client == nil {
		// No overall timeout: media streams are long-lived. Dial and
		// header timeouts still bound a dead upstream.
		cfg.Client = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Handler{
		resolver: cfg.Resolver,
		client:   cfg.Client,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		writeJSONError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}

	mediaURL, err := h.resolver.Resolve(r.Context(), pageURL)
	if err != nil {
		h.logger.Warn("relay resolve failed", "url", pageURL, "error", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, mediaURL, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "invalid media url")
		return
	}
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		upstream.Header.Set("Range", rangeHeader)
	}

	resp, err := h.client.Do(upstream)
	if err != nil {
		h.logger.Warn("relay upstream request failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	for _, header := range passthroughHeaders {
		if value := resp.Header.Get(header); value != "" {
			w.Header().Set(header, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	written := h.copyBody(w, resp.Body)
	h.metrics.ObserveRelay(written)
}

// copyBody relays the upstream body chunk by chunk. The blocking Write gives
// the required backpressure: reading pauses while the client drains. A flush
// after each chunk keeps playback latency down for streaming clients.
func (h *Handler) copyBody(w http.ResponseWriter, body io.Reader) int64 {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				h.logger.Debug("relay client write failed", "error", werr)
				return written
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("relay upstream read failed", "error", err)
			}
			return written
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
