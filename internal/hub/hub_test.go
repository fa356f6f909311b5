package hub

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"castgate/internal/auth"
	"castgate/internal/extract"
	"castgate/internal/live"
	"castgate/internal/observability/metrics"
)

func newTestHub(t *testing.T) (*Hub, *live.Manager, *httptest.Server) {
	t.Helper()
	base := t.TempDir()
	manager := live.NewManager(live.Config{
		HLSDir:        filepath.Join(base, "hls"),
		ReplayDir:     filepath.Join(base, "replays"),
		PublicBaseURL: "http://example.test",
		Resolver:      extract.Static("", nil),
		Metrics:       metrics.New(),
	})
	adminKey, err := auth.NewAdminKey("hub-secret")
	if err != nil {
		t.Fatalf("admin key: %v", err)
	}
	h := New(Config{
		Manager:  manager,
		AdminKey: adminKey,
		Metrics:  metrics.New(),
	})
	manager.SetBroadcaster(h)
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return h, manager, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return event
}

// awaitEvent discards events until one of the wanted type arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, eventType string) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		event := readEvent(t, conn)
		if event.Type == eventType {
			return event
		}
	}
	t.Fatalf("never received %s", eventType)
	return Event{}
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload map[string]any) {
	t.Helper()
	data, err := json.Marshal(NewEvent(eventType, payload))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectionReadySnapshot(t *testing.T) {
	_, manager, server := newTestHub(t)
	if _, err := manager.AddComment("hello", "amy", "u1", ""); err != nil {
		t.Fatalf("seed comment: %v", err)
	}

	conn := dial(t, server)
	ready := readEvent(t, conn)
	if ready.Type != EventConnectionReady {
		t.Fatalf("expected connection_ready first, got %s", ready.Type)
	}
	if ready.Payload["status"] != "idle" {
		t.Fatalf("expected idle status, got %v", ready.Payload["status"])
	}
	comments, ok := ready.Payload["comments"].([]any)
	if !ok || len(comments) != 1 {
		t.Fatalf("expected one snapshot comment, got %v", ready.Payload["comments"])
	}
	reactions, ok := ready.Payload["reactions"].(map[string]any)
	if !ok || len(reactions) != len(live.ReactionEmoji) {
		t.Fatalf("expected full reaction counter set, got %v", ready.Payload["reactions"])
	}
}

func TestViewerCountAcrossConnections(t *testing.T) {
	h, _, server := newTestHub(t)

	first := dial(t, server)
	awaitEvent(t, first, EventViewerCount)

	second := dial(t, server)
	awaitEvent(t, second, EventConnectionReady)
	event := awaitEvent(t, first, EventViewerCount)
	if got := event.Payload["viewers"].(float64); got != 2 {
		t.Fatalf("expected 2 viewers, got %v", got)
	}

	second.Close()
	event = awaitEvent(t, first, EventViewerCount)
	if got := event.Payload["viewers"].(float64); got != 1 {
		t.Fatalf("expected 1 viewer after disconnect, got %v", got)
	}
	if h.Viewers() != 1 {
		t.Fatalf("hub reports %d viewers", h.Viewers())
	}
}

func TestPresenceAnnounceAndDisconnect(t *testing.T) {
	_, _, server := newTestHub(t)

	watcher := dial(t, server)
	awaitEvent(t, watcher, EventConnectionReady)

	announcer := dial(t, server)
	awaitEvent(t, announcer, EventConnectionReady)
	sendEvent(t, announcer, EventUserOnline, map[string]any{
		"userId": "u7", "name": "Grace", "avatar": "a.png",
	})

	update := awaitEvent(t, watcher, EventPresenceUpdate)
	if update.Payload["userId"] != "u7" {
		t.Fatalf("expected u7 online, got %v", update.Payload)
	}
	roster, ok := update.Payload["online_users"].([]any)
	if !ok || len(roster) != 1 {
		t.Fatalf("expected roster of 1, got %v", update.Payload["online_users"])
	}

	announcer.Close()
	update = awaitEvent(t, watcher, EventPresenceUpdate)
	if update.Payload["type"] != "user_offline" || update.Payload["userId"] != "u7" {
		t.Fatalf("expected u7 offline, got %v", update.Payload)
	}
	roster, ok = update.Payload["online_users"].([]any)
	if !ok || len(roster) != 0 {
		t.Fatalf("expected empty roster, got %v", update.Payload["online_users"])
	}
}

func TestTypingExcludesSenderAndExpires(t *testing.T) {
	_, _, server := newTestHub(t)

	typist := dial(t, server)
	awaitEvent(t, typist, EventConnectionReady)
	watcher := dial(t, server)
	awaitEvent(t, watcher, EventConnectionReady)

	sendEvent(t, typist, EventTypingStart, map[string]any{
		"roomId": "main", "userId": "u1", "userName": "Amy",
	})
	event := awaitEvent(t, watcher, EventUserTyping)
	if event.Payload["isTyping"] != true {
		t.Fatalf("expected isTyping true, got %v", event.Payload)
	}

	// Expiry fires without an explicit stop and announces exactly once.
	event = awaitEvent(t, watcher, EventUserTyping)
	if event.Payload["isTyping"] != false {
		t.Fatalf("expected isTyping false after expiry, got %v", event.Payload)
	}

	// Explicit stop before expiry also announces exactly once.
	sendEvent(t, typist, EventTypingStart, map[string]any{
		"roomId": "main", "userId": "u1", "userName": "Amy",
	})
	awaitEvent(t, watcher, EventUserTyping)
	sendEvent(t, typist, EventTypingStop, map[string]any{
		"roomId": "main", "userId": "u1", "userName": "Amy",
	})
	event = awaitEvent(t, watcher, EventUserTyping)
	if event.Payload["isTyping"] != false {
		t.Fatalf("expected isTyping false after stop, got %v", event.Payload)
	}
	watcher.SetReadDeadline(time.Now().Add(4 * time.Second))
	if _, data, err := watcher.ReadMessage(); err == nil {
		var extra Event
		if json.Unmarshal(data, &extra) == nil && extra.Type == EventUserTyping {
			t.Fatalf("duplicate stopped-typing broadcast: %v", extra.Payload)
		}
	}
}

func TestTypingExpiryExcludesTypist(t *testing.T) {
	_, _, server := newTestHub(t)

	typist := dial(t, server)
	awaitEvent(t, typist, EventConnectionReady)
	watcher := dial(t, server)
	awaitEvent(t, watcher, EventConnectionReady)

	sendEvent(t, typist, EventTypingStart, map[string]any{
		"roomId": "main", "userId": "u1", "userName": "Amy",
	})
	awaitEvent(t, watcher, EventUserTyping)

	// The expiry announcement reaches the watcher but not the typist.
	event := awaitEvent(t, watcher, EventUserTyping)
	if event.Payload["isTyping"] != false {
		t.Fatalf("expected isTyping false after expiry, got %v", event.Payload)
	}
	typist.SetReadDeadline(time.Now().Add(time.Second))
	if _, data, err := typist.ReadMessage(); err == nil {
		var extra Event
		if json.Unmarshal(data, &extra) == nil && extra.Type == EventUserTyping {
			t.Fatalf("typist must not receive its own typing expiry: %v", extra.Payload)
		}
	}
}

func TestReactionBroadcastAndUnknownEmoji(t *testing.T) {
	_, manager, server := newTestHub(t)

	conn := dial(t, server)
	awaitEvent(t, conn, EventConnectionReady)

	sendEvent(t, conn, EventReaction, map[string]any{
		"emoji": "🔥", "userId": "u1", "userName": "Amy",
	})
	event := awaitEvent(t, conn, EventNewReaction)
	if event.Payload["emoji"] != "🔥" || event.Payload["count"].(float64) != 1 {
		t.Fatalf("unexpected reaction payload %v", event.Payload)
	}
	awaitEvent(t, conn, EventReactionCounts)

	sendEvent(t, conn, EventReaction, map[string]any{
		"emoji": "🍕", "userId": "u1", "userName": "Amy",
	})
	// Unknown emoji are ignored; a follow-up comment proves nothing was
	// broadcast in between.
	sendEvent(t, conn, EventComment, map[string]any{
		"text": "after pizza", "userId": "u1", "userName": "Amy",
	})
	event = readEvent(t, conn)
	if event.Type != EventNewComment {
		t.Fatalf("expected new_comment next, got %s", event.Type)
	}
	if counters := manager.Reactions(); counters["🔥"] != 1 {
		t.Fatalf("unexpected counters %v", counters)
	}
}

func TestCommentFlow(t *testing.T) {
	_, manager, server := newTestHub(t)

	conn := dial(t, server)
	awaitEvent(t, conn, EventConnectionReady)

	sendEvent(t, conn, EventComment, map[string]any{
		"text": "first!", "userId": "u1", "userName": "Amy", "parentId": "missing-parent",
	})
	event := awaitEvent(t, conn, EventNewComment)
	if event.Payload["text"] != "first!" || event.Payload["parentId"] != "missing-parent" {
		t.Fatalf("unexpected comment payload %v", event.Payload)
	}
	commentID, _ := event.Payload["id"].(string)
	if commentID == "" {
		t.Fatal("comment id missing")
	}

	sendEvent(t, conn, EventComment, map[string]any{
		"text": "   ", "userId": "u1", "userName": "Amy",
	})
	event = awaitEvent(t, conn, EventError)
	if msg, _ := event.Payload["message"].(string); msg == "" {
		t.Fatal("expected validation message")
	}

	sendEvent(t, conn, EventDeleteComment, map[string]any{
		"commentId": commentID, "admin_key": "wrong",
	})
	event = awaitEvent(t, conn, EventError)
	if len(manager.RecentComments(0)) != 1 {
		t.Fatal("bad admin key must not delete")
	}

	sendEvent(t, conn, EventDeleteComment, map[string]any{
		"commentId": commentID, "admin_key": "hub-secret",
	})
	event = awaitEvent(t, conn, EventCommentDeleted)
	if event.Payload["commentId"] != commentID {
		t.Fatalf("unexpected deletion payload %v", event.Payload)
	}
	if len(manager.RecentComments(0)) != 0 {
		t.Fatal("comment not removed")
	}
}

func TestQueueReceivesBroadcasts(t *testing.T) {
	h, _, server := newTestHub(t)
	sub := h.Queue().Subscribe()
	defer sub.Close()

	conn := dial(t, server)
	awaitEvent(t, conn, EventConnectionReady)
	sendEvent(t, conn, EventComment, map[string]any{
		"text": "queued", "userId": "u1", "userName": "Amy",
	})
	awaitEvent(t, conn, EventNewComment)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-sub.Events():
			if event.Type == EventNewComment {
				if event.Payload["text"] != "queued" {
					t.Fatalf("unexpected queue payload %v", event.Payload)
				}
				return
			}
		case <-deadline:
			t.Fatal("queue never saw the comment broadcast")
		}
	}
}
