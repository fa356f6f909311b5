package live

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"castgate/internal/extract"
	"castgate/internal/observability/metrics"
)

// Status is the lifecycle state of the single broadcast session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusExtracting Status = "extracting"
	StatusLive       Status = "live"
	StatusError      Status = "error"
)

// Broadcaster fans an event out to every connected realtime client. The hub
// implements it; the manager only ever pushes, never reads back.
type Broadcaster interface {
	Broadcast(eventType string, payload map[string]any)
}

// Comment is a single chat message attached to the current session. Threading
// is display-only: ParentID is stored as given and never validated against
// the buffer, so a dangling parent is acceptable.
type Comment struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	AuthorName string    `json:"userName"`
	AuthorID   string    `json:"userId"`
	ParentID   string    `json:"parentId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

const (
	maxComments      = 200
	maxCommentLength = 500
)

// ReactionEmoji is the fixed set of counters a session tracks. The key set
// never changes after a session starts; unknown emoji are dropped.
var ReactionEmoji = []string{"🙏", "❤️", "🔥", "👏", "😭", "✝️"}

// Config wires a Manager to its collaborators.
type Config struct {
	HLSDir        string
	ReplayDir     string
	PublicBaseURL string
	FFmpegBinary  string
	Resolver      extract.Resolver
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Manager owns the process-wide broadcast session: the status machine, both
// supervised ffmpeg children, the reaction counters and the comment buffer.
// There is at most one session, one publisher and one recorder at any time.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	generation uint64
	status     Status
	sessionID  string
	sourceURL  string
	lastError  string
	startedAt  time.Time
	reactions  map[string]uint64
	comments   []Comment

	publisher *Process
	recorder  *Process
	detector  ReadyDetector

	broadcaster Broadcaster
}

// NewManager returns an idle manager. SetBroadcaster must be called before
// the first Start so transitions reach connected clients.
func NewManager(cfg Config) *Manager {
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		status:    StatusIdle,
		reactions: newReactionCounters(),
	}
}

func newReactionCounters() map[string]uint64 {
	counters := make(map[string]uint64, len(ReactionEmoji))
	for _, emoji := range ReactionEmoji {
		counters[emoji] = 0
	}
	return counters
}

// SetBroadcaster installs the realtime fan-out. Kept separate from NewManager
// because the hub needs the manager first for its connect snapshot.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.broadcaster = b
	m.mu.Unlock()
}

// StartResult is returned to the start-broadcast caller once both children
// are spawned. Status is the state at return time; the live transition itself
// arrives asynchronously once the first segment is observed.
type StartResult struct {
	SessionID string
	StreamURL string
	Status    Status
}

// Start resolves the page URL and spawns the publish and record children.
// A session already extracting or live is force-stopped first, so Start never
// rejects on account of a previous session.
func (m *Manager) Start(ctx context.Context, pageURL string) (StartResult, error) {
	m.stop()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.status = StatusExtracting
	m.sessionID = uuid.NewString()
	m.sourceURL = pageURL
	m.lastError = ""
	m.startedAt = time.Now()
	m.reactions = newReactionCounters()
	m.comments = nil
	sessionID := m.sessionID
	m.mu.Unlock()

	m.broadcastStatus()
	m.logger.Info("session starting", "session_id", sessionID, "source_url", pageURL)

	mediaURL, err := m.cfg.Resolver.Resolve(ctx, pageURL)
	if err != nil {
		m.failSession(gen, "extract", err)
		return StartResult{}, err
	}

	if err := clearDir(m.cfg.HLSDir); err != nil {
		err = fmt.Errorf("prepare output directory: %w", err)
		m.failSession(gen, "publish", err)
		return StartResult{}, err
	}

	detector, err := newSegmentDetector(m.cfg.HLSDir, m.logger)
	if err != nil {
		err = fmt.Errorf("watch output directory: %w", err)
		m.failSession(gen, "publish", err)
		return StartResult{}, err
	}

	publisher, err := m.startPublisher(mediaURL, detector)
	if err != nil {
		detector.Close()
		err = fmt.Errorf("start publisher: %w", err)
		m.failSession(gen, "publish", err)
		return StartResult{}, err
	}

	// Recorder failure never blocks going live; the replay is best-effort.
	recorder, err := m.startRecorder(mediaURL, sessionID)
	if err != nil {
		m.logger.Error("replay recorder failed to start", "session_id", sessionID, "error", err)
		recorder = nil
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		detector.Close()
		publisher.Terminate()
		if recorder != nil {
			recorder.Terminate()
		}
		return StartResult{}, fmt.Errorf("session superseded during start")
	}
	m.publisher = publisher
	m.recorder = recorder
	m.detector = detector
	m.mu.Unlock()

	go m.awaitReady(gen, detector, publisher)
	go m.observePublisher(gen, publisher)
	if recorder != nil {
		go m.observeRecorder(recorder, sessionID)
	}

	return StartResult{SessionID: sessionID, StreamURL: m.StreamURL(), Status: StatusExtracting}, nil
}

// Stop tears the current session down and returns to idle. It is idempotent:
// handles are nilled under the lock before any termination signal goes out,
// so a racing exit observer or a second Stop finds nothing left to do.
func (m *Manager) Stop() {
	m.stop()
}

func (m *Manager) stop() {
	m.mu.Lock()
	wasLive := m.status == StatusLive
	changed := m.status != StatusIdle
	publisher, recorder, detector := m.publisher, m.recorder, m.detector
	m.publisher, m.recorder, m.detector = nil, nil, nil
	m.generation++
	m.status = StatusIdle
	m.lastError = ""
	m.mu.Unlock()

	if detector != nil {
		detector.Close()
	}
	if publisher != nil {
		publisher.Terminate()
	}
	if recorder != nil {
		recorder.Terminate()
	}

	if wasLive {
		m.cfg.Metrics.SessionStopped()
	}
	if changed {
		m.broadcastStatus()
		if wasLive {
			m.broadcast("live_ended", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)})
		}
	}
}

func (m *Manager) awaitReady(gen uint64, detector ReadyDetector, publisher *Process) {
	select {
	case <-detector.Ready():
	case <-publisher.Done():
		return
	}

	m.mu.Lock()
	if m.generation != gen || m.status != StatusExtracting {
		m.mu.Unlock()
		return
	}
	m.status = StatusLive
	sessionID := m.sessionID
	m.mu.Unlock()

	m.cfg.Metrics.SessionStarted()
	m.logger.Info("session live", "session_id", sessionID, "stream_url", m.StreamURL())
	m.broadcastStatus()
	m.broadcast("live_started", map[string]any{
		"stream_url": m.StreamURL(),
		"live_id":    sessionID,
	})
}

func (m *Manager) observePublisher(gen uint64, publisher *Process) {
	<-publisher.Done()
	if publisher.Killed() {
		m.cfg.Metrics.PipelineJobCompleted("publish")
		return
	}
	if publisher.ExitErr() != nil {
		m.cfg.Metrics.PipelineJobFailed("publish")
	} else {
		m.cfg.Metrics.PipelineJobCompleted("publish")
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	wasLive := m.status == StatusLive
	exitErr := publisher.ExitErr()
	detector := m.detector
	recorder := m.recorder
	m.publisher, m.recorder, m.detector = nil, nil, nil
	m.generation++
	switch {
	case wasLive && exitErr == nil:
		m.status = StatusIdle
		m.lastError = ""
	case wasLive:
		m.status = StatusError
		m.lastError = fmt.Sprintf("transcoder exited: %v", exitErr)
	default:
		m.status = StatusError
		m.lastError = "transcoder exited before going live"
		if exitErr != nil {
			m.lastError = fmt.Sprintf("transcoder exited before going live: %v", exitErr)
		}
	}
	status := m.status
	m.mu.Unlock()

	if detector != nil {
		detector.Close()
	}
	if recorder != nil {
		recorder.Terminate()
	}

	if wasLive {
		m.cfg.Metrics.SessionStopped()
	}
	if status == StatusError {
		m.cfg.Metrics.SessionFailed("publish")
		m.logger.Error("publisher exited abnormally", "error", exitErr)
	} else {
		m.logger.Info("stream ended")
	}
	m.broadcastStatus()
	if wasLive {
		m.broadcast("live_ended", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)})
	}
}

func (m *Manager) observeRecorder(recorder *Process, sessionID string) {
	<-recorder.Done()
	if recorder.Killed() {
		m.cfg.Metrics.PipelineJobCompleted("record")
		return
	}
	if err := recorder.ExitErr(); err != nil {
		m.cfg.Metrics.PipelineJobFailed("record")
		m.logger.Error("replay recorder exited abnormally", "session_id", sessionID, "error", err)
		return
	}
	m.cfg.Metrics.PipelineJobCompleted("record")
	url := m.ReplayURL(sessionID)
	m.logger.Info("replay available", "session_id", sessionID, "url", url)
	m.broadcast("replay_available", map[string]any{"url": url})
}

// failSession records a terminal error for the given generation. Transitions
// that happened after an await are guarded by the generation check.
func (m *Manager) failSession(gen uint64, stage string, err error) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.status = StatusError
	m.lastError = err.Error()
	m.mu.Unlock()

	m.cfg.Metrics.SessionFailed(stage)
	m.logger.Error("session failed", "stage", stage, "error", err)
	m.broadcastStatus()
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	Status        Status
	SessionID     string
	SourceURL     string
	LastError     string
	StartedAt     time.Time
	Reactions     map[string]uint64
	CommentsCount int
	StreamURL     string
}

// Snapshot returns a copy of the current state. The reaction map is cloned so
// callers can serialize it without holding the manager's lock.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Status:        m.status,
		SessionID:     m.sessionID,
		SourceURL:     m.sourceURL,
		LastError:     m.lastError,
		StartedAt:     m.startedAt,
		Reactions:     cloneCounters(m.reactions),
		CommentsCount: len(m.comments),
	}
	if m.status == StatusLive {
		snap.StreamURL = m.StreamURL()
	}
	return snap
}

// StreamURL is the stable public playlist path. It does not change across
// session restarts.
func (m *Manager) StreamURL() string {
	return strings.TrimRight(m.cfg.PublicBaseURL, "/") + "/live/" + playlistName
}

// ReplayURL builds the public path for a finished replay file.
func (m *Manager) ReplayURL(sessionID string) string {
	return strings.TrimRight(m.cfg.PublicBaseURL, "/") + "/replays/" + sessionID + ".mp4"
}

// React increments the counter for a known emoji and reports the new total.
// Unknown emoji leave the counters untouched and report ok=false.
func (m *Manager) React(emoji string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, ok := m.reactions[emoji]
	if !ok {
		return 0, false
	}
	count++
	m.reactions[emoji] = count
	return count, true
}

// Reactions returns a copy of the current counters.
func (m *Manager) Reactions() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneCounters(m.reactions)
}

func cloneCounters(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// AddComment validates and appends a comment, evicting the oldest entry when
// the buffer is full.
func (m *Manager) AddComment(text, authorName, authorID, parentID string) (Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Comment{}, fmt.Errorf("comment text is required")
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		return Comment{}, fmt.Errorf("comment text exceeds %d characters", maxCommentLength)
	}
	comment := Comment{
		ID:         newCommentID(),
		Text:       text,
		AuthorName: authorName,
		AuthorID:   authorID,
		ParentID:   parentID,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.comments = append(m.comments, comment)
	if len(m.comments) > maxComments {
		m.comments = m.comments[len(m.comments)-maxComments:]
	}
	m.mu.Unlock()
	return comment, nil
}

// DeleteComment removes a comment by id and reports whether it existed.
func (m *Manager) DeleteComment(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.comments {
		if c.ID == id {
			m.comments = append(m.comments[:i], m.comments[i+1:]...)
			return true
		}
	}
	return false
}

// RecentComments returns up to n of the newest comments in chronological
// order.
func (m *Manager) RecentComments(n int) []Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.comments) {
		n = len(m.comments)
	}
	out := make([]Comment, n)
	copy(out, m.comments[len(m.comments)-n:])
	return out
}

func newCommentID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func (m *Manager) broadcastStatus() {
	snap := m.Snapshot()
	payload := map[string]any{
		"status":  string(snap.Status),
		"live_id": snap.SessionID,
		"is_live": snap.Status == StatusLive,
		"error":   snap.LastError,
	}
	if snap.StreamURL != "" {
		payload["stream_url"] = snap.StreamURL
	}
	m.broadcast("proxy_status", payload)
}

func (m *Manager) broadcast(eventType string, payload map[string]any) {
	m.mu.Lock()
	b := m.broadcaster
	m.mu.Unlock()
	if b == nil {
		return
	}
	b.Broadcast(eventType, payload)
}
