package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"castgate/internal/api"
	"castgate/internal/hub"
	"castgate/internal/observability/logging"
	"castgate/internal/observability/metrics"
)

// Config carries the knobs for assembling the gateway's HTTP surface.
type Config struct {
	Addr      string
	Security  SecurityConfig
	CORS      CORSConfig
	HLSDir    string
	ReplayDir string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// New assembles the route mux and middleware chain and returns the http.Server
// ready to hand to serverutil.Run. The stream handler relays upstream media;
// realtime upgrades websocket connections. Read and write timeouts are left
// unset because both the websocket hub and the media relay hold connections
// open for the lifetime of a broadcast.
func New(handlers *api.Handler, realtime *hub.Hub, stream http.Handler, cfg Config) (*http.Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handlers.Health)
	mux.Handle("/metrics", recorder.Handler())

	mux.HandleFunc("/api/start-proxy", handlers.StartProxy)
	mux.HandleFunc("/api/stop-proxy", handlers.StopProxy)
	mux.HandleFunc("/api/status", handlers.Status)
	mux.HandleFunc("/api/replays", handlers.Replays)
	mux.HandleFunc("/api/videos/extract", handlers.ExtractVideo)
	mux.Handle("/api/videos/stream", stream)

	mux.HandleFunc("/api/push/register", handlers.PushRegister)
	mux.HandleFunc("/api/push/unregister", handlers.PushUnregister)
	mux.HandleFunc("/api/push/broadcast", handlers.PushBroadcast)

	mux.Handle("/api/ws", realtime)

	if cfg.HLSDir != "" {
		mux.Handle("/live/", http.StripPrefix("/live/", noDirListing(http.FileServer(http.Dir(cfg.HLSDir)))))
	}
	if cfg.ReplayDir != "" {
		mux.Handle("/replays/", http.StripPrefix("/replays/", noDirListing(http.FileServer(http.Dir(cfg.ReplayDir)))))
	}

	accessLog := logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})

	var chain http.Handler = mux
	chain = accessLog(chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = requestIDMiddleware(logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = corsMiddleware(policy, logger, chain)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}

// noDirListing serves files but rejects directory index requests so the HLS
// and replay areas never enumerate their contents.
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || r.URL.Path[len(r.URL.Path)-1] == '/' {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
