package live

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"castgate/internal/extract"
	"castgate/internal/observability/metrics"
)

type recordedEvent struct {
	Type    string
	Payload map[string]any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *recordingBroadcaster) Broadcast(eventType string, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{Type: eventType, Payload: payload})
}

func (b *recordingBroadcaster) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// writeFakeFFmpeg writes a shell script that drops a media segment next to
// its final argument and then idles until killed, mimicking a healthy
// publisher.
func writeFakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if body == "" {
		body = `for a in "$@"; do last=$a; done
dir=$(dirname "$last")
echo data > "$dir/segment_00000.ts"
sleep 30`
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, resolver extract.Resolver, ffmpeg string) (*Manager, *recordingBroadcaster) {
	t.Helper()
	base := t.TempDir()
	mgr := NewManager(Config{
		HLSDir:        filepath.Join(base, "hls"),
		ReplayDir:     filepath.Join(base, "replays"),
		PublicBaseURL: "http://example.test",
		FFmpegBinary:  ffmpeg,
		Resolver:      resolver,
		Metrics:       metrics.New(),
	})
	broadcaster := &recordingBroadcaster{}
	mgr.SetBroadcaster(broadcaster)
	return mgr, broadcaster
}

func TestReactionsOnlyKnownEmoji(t *testing.T) {
	mgr, _ := newTestManager(t, extract.Static("", nil), "ffmpeg")

	count, ok := mgr.React("🔥")
	if !ok || count != 1 {
		t.Fatalf("expected accepted reaction with count 1, got count=%d ok=%v", count, ok)
	}
	count, ok = mgr.React("🔥")
	if !ok || count != 2 {
		t.Fatalf("expected count 2, got count=%d ok=%v", count, ok)
	}
	if _, ok := mgr.React("🍕"); ok {
		t.Fatal("unknown emoji must be rejected")
	}
	counters := mgr.Reactions()
	if len(counters) != len(ReactionEmoji) {
		t.Fatalf("reaction key set changed: %v", counters)
	}
	if counters["🔥"] != 2 {
		t.Fatalf("expected 🔥=2, got %d", counters["🔥"])
	}
}

func TestCommentBufferEvictsOldest(t *testing.T) {
	mgr, _ := newTestManager(t, extract.Static("", nil), "ffmpeg")

	for i := 0; i < maxComments+1; i++ {
		if _, err := mgr.AddComment(fmt.Sprintf("message %d", i), "tester", "u1", ""); err != nil {
			t.Fatalf("add comment %d: %v", i, err)
		}
	}
	comments := mgr.RecentComments(0)
	if len(comments) != maxComments {
		t.Fatalf("expected %d comments, got %d", maxComments, len(comments))
	}
	if comments[0].Text != "message 1" {
		t.Fatalf("expected oldest surviving comment to be message 1, got %q", comments[0].Text)
	}
	if comments[len(comments)-1].Text != fmt.Sprintf("message %d", maxComments) {
		t.Fatalf("unexpected newest comment %q", comments[len(comments)-1].Text)
	}
}

func TestAddCommentValidation(t *testing.T) {
	mgr, _ := newTestManager(t, extract.Static("", nil), "ffmpeg")

	if _, err := mgr.AddComment("   ", "tester", "u1", ""); err == nil {
		t.Fatal("expected error for blank comment")
	}
	if _, err := mgr.AddComment(strings.Repeat("x", maxCommentLength+1), "tester", "u1", ""); err == nil {
		t.Fatal("expected error for oversized comment")
	}
	// The limit counts characters, not bytes.
	if _, err := mgr.AddComment(strings.Repeat("✝", maxCommentLength), "tester", "u1", ""); err != nil {
		t.Fatalf("multi-byte comment at the limit must be accepted: %v", err)
	}
	if _, err := mgr.AddComment(strings.Repeat("✝", maxCommentLength+1), "tester", "u1", ""); err == nil {
		t.Fatal("expected error for oversized multi-byte comment")
	}
	comment, err := mgr.AddComment("hello", "tester", "u1", "no-such-parent")
	if err != nil {
		t.Fatalf("dangling parent must be accepted: %v", err)
	}
	if comment.ParentID != "no-such-parent" {
		t.Fatalf("parent id not preserved: %q", comment.ParentID)
	}
}

func TestDeleteComment(t *testing.T) {
	mgr, _ := newTestManager(t, extract.Static("", nil), "ffmpeg")

	comment, err := mgr.AddComment("to be removed", "tester", "u1", "")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if !mgr.DeleteComment(comment.ID) {
		t.Fatal("expected delete to report success")
	}
	if mgr.DeleteComment(comment.ID) {
		t.Fatal("second delete must report missing")
	}
	if n := len(mgr.RecentComments(0)); n != 0 {
		t.Fatalf("expected empty buffer, got %d", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	mgr, broadcaster := newTestManager(t, extract.Static("", nil), "ffmpeg")

	mgr.Stop()
	mgr.Stop()
	if status := mgr.Snapshot().Status; status != StatusIdle {
		t.Fatalf("expected idle, got %s", status)
	}
	if n := broadcaster.count("proxy_status"); n != 0 {
		t.Fatalf("stop on an idle session must not broadcast, got %d events", n)
	}
}

func TestStartExtractionFailure(t *testing.T) {
	mgr, broadcaster := newTestManager(t, extract.Static("", errors.New("no formats found")), "ffmpeg")

	_, err := mgr.Start(context.Background(), "https://example.test/watch/1")
	if err == nil {
		t.Fatal("expected extraction error")
	}
	snap := mgr.Snapshot()
	if snap.Status != StatusError {
		t.Fatalf("expected error status, got %s", snap.Status)
	}
	if !strings.Contains(snap.LastError, "no formats found") {
		t.Fatalf("expected extraction message in last error, got %q", snap.LastError)
	}
	if broadcaster.count("proxy_status") < 2 {
		t.Fatal("expected status broadcasts for extracting and error")
	}
	if broadcaster.count("live_started") != 0 {
		t.Fatal("failed session must not announce live")
	}
}

func TestStartGoesLiveAndStops(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, "")
	mgr, broadcaster := newTestManager(t, extract.Static("https://cdn.example.test/video.m3u8", nil), ffmpeg)

	result, err := mgr.Start(context.Background(), "https://example.test/watch/1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.Status != StatusExtracting {
		t.Fatalf("expected extracting at return, got %s", result.Status)
	}
	if result.StreamURL != "http://example.test/live/index.m3u8" {
		t.Fatalf("unexpected stream url %q", result.StreamURL)
	}

	if !waitFor(t, 5*time.Second, func() bool { return mgr.Snapshot().Status == StatusLive }) {
		t.Fatalf("session never went live, status=%s", mgr.Snapshot().Status)
	}
	if broadcaster.count("live_started") != 1 {
		t.Fatalf("expected one live_started broadcast, got %d", broadcaster.count("live_started"))
	}

	mgr.Stop()
	snap := mgr.Snapshot()
	if snap.Status != StatusIdle {
		t.Fatalf("expected idle after stop, got %s", snap.Status)
	}
	if broadcaster.count("live_ended") != 1 {
		t.Fatalf("expected one live_ended broadcast, got %d", broadcaster.count("live_ended"))
	}
	mgr.Stop()
	if broadcaster.count("live_ended") != 1 {
		t.Fatal("second stop must not broadcast live_ended again")
	}
}

func TestPublisherNormalExitEndsStream(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, `for a in "$@"; do last=$a; done
dir=$(dirname "$last")
echo data > "$dir/segment_00000.ts"
sleep 1`)
	mgr, broadcaster := newTestManager(t, extract.Static("https://cdn.example.test/video.m3u8", nil), ffmpeg)

	if _, err := mgr.Start(context.Background(), "https://example.test/watch/1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return mgr.Snapshot().Status == StatusLive }) {
		t.Fatalf("session never went live, status=%s", mgr.Snapshot().Status)
	}
	if !waitFor(t, 5*time.Second, func() bool { return mgr.Snapshot().Status == StatusIdle }) {
		t.Fatalf("session never returned to idle, status=%s", mgr.Snapshot().Status)
	}
	// The broadcast is emitted after the status flips, so wait for it too.
	if !waitFor(t, 5*time.Second, func() bool { return broadcaster.count("live_ended") == 1 }) {
		t.Fatalf("expected one live_ended broadcast, got %d", broadcaster.count("live_ended"))
	}
}

func TestForceRestartSupersedesSession(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, "")
	mgr, broadcaster := newTestManager(t, extract.Static("https://cdn.example.test/video.m3u8", nil), ffmpeg)

	first, err := mgr.Start(context.Background(), "https://example.test/watch/1")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return mgr.Snapshot().Status == StatusLive }) {
		t.Fatal("first session never went live")
	}

	second, err := mgr.Start(context.Background(), "https://example.test/watch/2")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("restart must mint a fresh session id")
	}
	if !waitFor(t, 5*time.Second, func() bool { return mgr.Snapshot().Status == StatusLive }) {
		t.Fatal("second session never went live")
	}
	if got := mgr.Snapshot().SourceURL; got != "https://example.test/watch/2" {
		t.Fatalf("expected second source url, got %q", got)
	}
	if broadcaster.count("live_started") != 2 {
		t.Fatalf("expected two live_started broadcasts, got %d", broadcaster.count("live_started"))
	}
}

func TestListReplays(t *testing.T) {
	mgr, _ := newTestManager(t, extract.Static("", nil), "ffmpeg")

	dir := mgr.cfg.ReplayDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	older := filepath.Join(dir, "older.mp4")
	newer := filepath.Join(dir, "newer.mp4")
	if err := os.WriteFile(older, make([]byte, 1024*1024), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(newer, []byte("tiny"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	replays, err := mgr.ListReplays()
	if err != nil {
		t.Fatalf("list replays: %v", err)
	}
	if len(replays) != 2 {
		t.Fatalf("expected 2 replays, got %d", len(replays))
	}
	if replays[0].Filename != "newer.mp4" || replays[1].Filename != "older.mp4" {
		t.Fatalf("expected newest first, got %s then %s", replays[0].Filename, replays[1].Filename)
	}
	if replays[0].URL != "http://example.test/replays/newer.mp4" {
		t.Fatalf("unexpected replay url %q", replays[0].URL)
	}
	if replays[1].SizeMB != 1 {
		t.Fatalf("expected 1 MB, got %v", replays[1].SizeMB)
	}
}
