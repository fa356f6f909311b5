package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// broadcast session lifecycle events, hub activity, relay throughput, push
// delivery outcomes, and supervised pipeline jobs. It coordinates concurrent
// writers via a RWMutex while exposing thread-safe gauges for live tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	hubEvents       map[string]uint64
	pushOutcomes    map[string]uint64
	pipelineEvents  map[PipelineJobLabel]uint64
	relayRequests   uint64
	relayBytes      uint64
	sessionLive     atomic.Int64
	viewers         atomic.Int64
	activePipeline  atomic.Int64
}

// PipelineJobLabel identifies a supervised child-process job by kind
// ("publish" or "replay") and lifecycle status.
type PipelineJobLabel struct {
	Kind   string
	Status string
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		hubEvents:       make(map[string]uint64),
		pushOutcomes:    make(map[string]uint64),
		pipelineEvents:  make(map[PipelineJobLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a broadcast going live and raises the live gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("live")
	r.sessionLive.Add(1)
}

// SessionStopped records a broadcast ending and lowers the live gauge,
// guarding against negative counts when concurrent updates race.
func (r *Recorder) SessionStopped() {
	r.incrementSessionEvent("stop")
	r.decrementGauge(&r.sessionLive)
}

// SessionFailed records a broadcast session moving to the error state.
func (r *Recorder) SessionFailed(stage string) {
	r.incrementSessionEvent("error:" + normalizeName(stage))
	r.decrementGauge(&r.sessionLive)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveHubEvent records a realtime hub event type for throughput monitoring.
func (r *Recorder) ObserveHubEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.hubEvents[normalized]++
	r.mu.Unlock()
}

// ObservePushDelivery records the outcome of a web-push delivery attempt
// ("sent", "failed", "pruned", or "skipped").
func (r *Recorder) ObservePushDelivery(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.pushOutcomes[normalized]++
	r.mu.Unlock()
}

// ObserveRelay accumulates one passthrough proxy request and the number of
// body bytes relayed downstream.
func (r *Recorder) ObserveRelay(bytes int64) {
	r.mu.Lock()
	r.relayRequests++
	if bytes > 0 {
		r.relayBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// ViewerConnected raises the connected viewer gauge.
func (r *Recorder) ViewerConnected() {
	r.viewers.Add(1)
}

// ViewerDisconnected lowers the connected viewer gauge without letting it go
// negative.
func (r *Recorder) ViewerDisconnected() {
	r.decrementGauge(&r.viewers)
}

// PipelineJobStarted records the launch of a supervised child process of the
// provided kind and raises the active job gauge.
func (r *Recorder) PipelineJobStarted(kind string) {
	r.recordPipelineEvent(kind, "start")
	r.activePipeline.Add(1)
}

// PipelineJobCompleted records the normal exit of a supervised child process
// and lowers the active job gauge.
func (r *Recorder) PipelineJobCompleted(kind string) {
	r.recordPipelineEvent(kind, "complete")
	r.decrementGauge(&r.activePipeline)
}

// PipelineJobFailed records an abnormal child-process exit and lowers the
// active job gauge (without allowing it to go negative if the job never
// started).
func (r *Recorder) PipelineJobFailed(kind string) {
	r.recordPipelineEvent(kind, "fail")
	r.decrementGauge(&r.activePipeline)
}

func (r *Recorder) recordPipelineEvent(kind, status string) {
	label := PipelineJobLabel{
		Kind:   normalizeName(kind),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.pipelineEvents[label]++
	r.mu.Unlock()
}

// LiveSessions exposes the current gauge of live broadcast sessions.
func (r *Recorder) LiveSessions() int64 {
	return r.sessionLive.Load()
}

// ActivePipelineJobs exposes the current number of supervised child processes.
func (r *Recorder) ActivePipelineJobs() int64 {
	return r.activePipeline.Load()
}

// Viewers exposes the connected viewer gauge.
func (r *Recorder) Viewers() int64 {
	return r.viewers.Load()
}

// PipelineJobCounts returns copies of pipeline job event counters and the
// current active job gauge value.
func (r *Recorder) PipelineJobCounts() (events map[PipelineJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[PipelineJobLabel]uint64, len(r.pipelineEvents))
	for k, v := range r.pipelineEvents {
		events[k] = v
	}
	return events, r.activePipeline.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.hubEvents = make(map[string]uint64)
	r.pushOutcomes = make(map[string]uint64)
	r.pipelineEvents = make(map[PipelineJobLabel]uint64)
	r.relayRequests = 0
	r.relayBytes = 0
	r.sessionLive.Store(0)
	r.viewers.Store(0)
	r.activePipeline.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	hubEvents := sortedKeys(r.hubEvents)
	pushOutcomes := sortedKeys(r.pushOutcomes)
	pipelineEvents := r.sortedPipelineJobLabels()

	fmt.Fprintln(w, "# HELP castgate_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE castgate_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "castgate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP castgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE castgate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "castgate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP castgate_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE castgate_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "castgate_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP castgate_session_events_total Broadcast session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE castgate_session_events_total counter")
	for _, event := range sessionEvents {
		value := r.sessionEvents[event]
		fmt.Fprintf(w, "castgate_session_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP castgate_session_live Whether a broadcast session is currently live")
	fmt.Fprintln(w, "# TYPE castgate_session_live gauge")
	fmt.Fprintf(w, "castgate_session_live %d\n", r.sessionLive.Load())

	fmt.Fprintln(w, "# HELP castgate_viewers Connected realtime hub clients")
	fmt.Fprintln(w, "# TYPE castgate_viewers gauge")
	fmt.Fprintf(w, "castgate_viewers %d\n", r.viewers.Load())

	fmt.Fprintln(w, "# HELP castgate_hub_events_total Realtime hub events by type")
	fmt.Fprintln(w, "# TYPE castgate_hub_events_total counter")
	for _, event := range hubEvents {
		count := r.hubEvents[event]
		fmt.Fprintf(w, "castgate_hub_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP castgate_pipeline_jobs_total Supervised pipeline job events by kind and status")
	fmt.Fprintln(w, "# TYPE castgate_pipeline_jobs_total counter")
	for _, label := range pipelineEvents {
		count := r.pipelineEvents[label]
		fmt.Fprintf(w, "castgate_pipeline_jobs_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP castgate_pipeline_active_jobs Current number of supervised child processes")
	fmt.Fprintln(w, "# TYPE castgate_pipeline_active_jobs gauge")
	fmt.Fprintf(w, "castgate_pipeline_active_jobs %d\n", r.activePipeline.Load())

	fmt.Fprintln(w, "# HELP castgate_push_deliveries_total Web push delivery attempts by outcome")
	fmt.Fprintln(w, "# TYPE castgate_push_deliveries_total counter")
	for _, outcome := range pushOutcomes {
		count := r.pushOutcomes[outcome]
		fmt.Fprintf(w, "castgate_push_deliveries_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP castgate_relay_requests_total Passthrough proxy requests served")
	fmt.Fprintln(w, "# TYPE castgate_relay_requests_total counter")
	fmt.Fprintf(w, "castgate_relay_requests_total %d\n", r.relayRequests)

	fmt.Fprintln(w, "# HELP castgate_relay_bytes_total Body bytes relayed to passthrough proxy clients")
	fmt.Fprintln(w, "# TYPE castgate_relay_bytes_total counter")
	fmt.Fprintf(w, "castgate_relay_bytes_total %d\n", r.relayBytes)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedPipelineJobLabels() []PipelineJobLabel {
	labels := make([]PipelineJobLabel, 0, len(r.pipelineEvents))
	for label := range r.pipelineEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SessionStarted increments counters on the default recorder.
func SessionStarted() {
	defaultRecorder.SessionStarted()
}

// SessionStopped decrements the live gauge on the default recorder.
func SessionStopped() {
	defaultRecorder.SessionStopped()
}

// ObserveHubEvent records a hub event on the default recorder.
func ObserveHubEvent(event string) {
	defaultRecorder.ObserveHubEvent(event)
}

// PipelineJobStarted records the start of a pipeline job on the default recorder.
func PipelineJobStarted(kind string) {
	defaultRecorder.PipelineJobStarted(kind)
}

// PipelineJobCompleted records the completion of a pipeline job on the default recorder.
func PipelineJobCompleted(kind string) {
	defaultRecorder.PipelineJobCompleted(kind)
}

// PipelineJobFailed records a failed pipeline job on the default recorder.
func PipelineJobFailed(kind string) {
	defaultRecorder.PipelineJobFailed(kind)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
