package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"castgate/internal/auth"
	"castgate/internal/live"
	"castgate/internal/observability/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	typingExpiry   = 3 * time.Second
	snapshotLimit  = 30
	sendBuffer     = 64
)

// Config wires the hub to its collaborators.
type Config struct {
	Manager  *live.Manager
	AdminKey auth.AdminKey
	Queue    Queue
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Hub is the realtime gateway. Each websocket client gets a buffered send
// channel and a read pump that handles its events run-to-completion, so a
// single connection's events keep their receipt order. Broadcasts are
// best-effort fan-out; a client that cannot drain its channel is dropped.
type Hub struct {
	manager  *live.Manager
	adminKey auth.AdminKey
	queue    Queue
	logger   *slog.Logger
	metrics  *metrics.Recorder

	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	presence map[string]presenceEntry
	typing   map[typingKey]*time.Timer
	viewers  int
}

type presenceEntry struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	AvatarRef    string
	LastSeenAt   time.Time
}

type typingKey struct {
	RoomID string
	UserID string
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	userID string

	// guarded by the hub mutex
	dropped bool
	gone    bool
}

// New builds a hub. The queue may be nil, in which case events are only
// delivered to connected websocket clients.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Queue == nil {
		cfg.Queue = NewMemoryQueue(0)
	}
	return &Hub{
		manager:  cfg.Manager,
		adminKey: cfg.AdminKey,
		queue:    cfg.Queue,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		presence: make(map[string]presenceEntry),
		typing:   make(map[typingKey]*time.Timer),
	}
}

// Queue exposes the fan-out queue so bridges can subscribe.
func (h *Hub) Queue() Queue {
	return h.queue
}

// ServeHTTP upgrades the connection and runs it until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.viewers++
	viewers := h.viewers
	h.mu.Unlock()
	h.metrics.ViewerConnected()

	h.sendTo(c, NewEvent(EventConnectionReady, h.snapshotPayload(viewers)))
	h.Broadcast(EventViewerCount, map[string]any{"viewers": viewers})

	go c.writePump()
	c.readPump(h)
}

// snapshotPayload assembles the full catch-up state a late joiner needs.
func (h *Hub) snapshotPayload(viewers int) map[string]any {
	snap := h.manager.Snapshot()
	payload := map[string]any{
		"status":    string(snap.Status),
		"is_live":   snap.Status == live.StatusLive,
		"live_id":   snap.SessionID,
		"viewers":   viewers,
		"reactions": snap.Reactions,
		"comments":  h.manager.RecentComments(snapshotLimit),
	}
	if snap.StreamURL != "" {
		payload["stream_url"] = snap.StreamURL
	}
	h.mu.Lock()
	payload["online_users"] = h.rosterLocked()
	h.mu.Unlock()
	return payload
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.disconnect(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			h.sendTo(c, NewEvent(EventError, map[string]any{"message": "invalid event"}))
			continue
		}
		h.handleEvent(c, event)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleEvent(c *client, event Event) {
	h.metrics.ObserveHubEvent(event.Type)
	switch event.Type {
	case EventUserOnline:
		h.handleUserOnline(c, event)
	case EventTypingStart:
		h.handleTyping(c, event, true)
	case EventTypingStop:
		h.handleTyping(c, event, false)
	case EventReaction:
		h.handleReaction(c, event)
	case EventComment:
		h.handleComment(c, event)
	case EventDeleteComment:
		h.handleDeleteComment(c, event)
	default:
		h.sendTo(c, NewEvent(EventError, map[string]any{"message": "unknown event type"}))
	}
}

func (h *Hub) handleUserOnline(c *client, event Event) {
	userID := event.String("userId")
	if userID == "" {
		h.sendTo(c, NewEvent(EventError, map[string]any{"message": "userId is required"}))
		return
	}
	h.mu.Lock()
	c.userID = userID
	h.presence[userID] = presenceEntry{
		ConnectionID: c.id,
		UserID:       userID,
		DisplayName:  event.String("name"),
		AvatarRef:    event.String("avatar"),
		LastSeenAt:   time.Now().UTC(),
	}
	roster := h.rosterLocked()
	h.mu.Unlock()

	h.Broadcast(EventPresenceUpdate, map[string]any{
		"type":         EventUserOnline,
		"userId":       userID,
		"name":         event.String("name"),
		"avatar":       event.String("avatar"),
		"online_users": roster,
	})
}

func (h *Hub) handleTyping(c *client, event Event, start bool) {
	key := typingKey{RoomID: event.String("roomId"), UserID: event.String("userId")}
	if key.UserID == "" {
		return
	}
	userName := event.String("userName")

	h.mu.Lock()
	if timer, ok := h.typing[key]; ok {
		timer.Stop()
		delete(h.typing, key)
	} else if !start {
		// No pending mark: the expiry already announced the stop.
		h.mu.Unlock()
		return
	}
	if start {
		h.typing[key] = time.AfterFunc(typingExpiry, func() {
			h.expireTyping(c, key, userName)
		})
	}
	h.mu.Unlock()

	h.broadcastExcept(c, NewEvent(EventUserTyping, map[string]any{
		"roomId":   key.RoomID,
		"userId":   key.UserID,
		"userName": userName,
		"isTyping": start,
	}))
}

// expireTyping fires when a typing mark goes 3s without a refresh. The mark
// check under the lock keeps the stop announcement to exactly one, whichever
// of expiry and explicit stop runs first. Like an explicit stop, the typist
// is excluded from the announcement.
func (h *Hub) expireTyping(c *client, key typingKey, userName string) {
	h.mu.Lock()
	if _, ok := h.typing[key]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.typing, key)
	h.mu.Unlock()

	h.broadcastExcept(c, NewEvent(EventUserTyping, map[string]any{
		"roomId":   key.RoomID,
		"userId":   key.UserID,
		"userName": userName,
		"isTyping": false,
	}))
}

func (h *Hub) handleReaction(c *client, event Event) {
	emoji := event.String("emoji")
	count, ok := h.manager.React(emoji)
	if !ok {
		return
	}
	h.Broadcast(EventNewReaction, map[string]any{
		"emoji":    emoji,
		"userId":   event.String("userId"),
		"userName": event.String("userName"),
		"count":    count,
	})
	h.Broadcast(EventReactionCounts, map[string]any{"reactions": h.manager.Reactions()})
}

func (h *Hub) handleComment(c *client, event Event) {
	comment, err := h.manager.AddComment(
		event.String("text"),
		event.String("userName"),
		event.String("userId"),
		event.String("parentId"),
	)
	if err != nil {
		h.sendTo(c, NewEvent(EventError, map[string]any{"message": err.Error()}))
		return
	}
	h.Broadcast(EventNewComment, map[string]any{
		"id":        comment.ID,
		"text":      comment.Text,
		"userName":  comment.AuthorName,
		"userId":    comment.AuthorID,
		"parentId":  comment.ParentID,
		"createdAt": comment.CreatedAt,
	})
}

func (h *Hub) handleDeleteComment(c *client, event Event) {
	if err := h.adminKey.Verify(event.String("admin_key")); err != nil {
		h.sendTo(c, NewEvent(EventError, map[string]any{"message": "invalid admin key"}))
		return
	}
	commentID := event.String("commentId")
	if !h.manager.DeleteComment(commentID) {
		h.sendTo(c, NewEvent(EventError, map[string]any{"message": "comment not found"}))
		return
	}
	h.Broadcast(EventCommentDeleted, map[string]any{"commentId": commentID})
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	if c.gone {
		h.mu.Unlock()
		return
	}
	c.gone = true
	delete(h.clients, c)
	if !c.dropped {
		c.dropped = true
		close(c.send)
	}
	if h.viewers > 0 {
		h.viewers--
	}
	viewers := h.viewers

	var offline *presenceEntry
	if c.userID != "" {
		if entry, ok := h.presence[c.userID]; ok && entry.ConnectionID == c.id {
			delete(h.presence, c.userID)
			offline = &entry
		}
	}
	roster := h.rosterLocked()
	h.mu.Unlock()
	h.metrics.ViewerDisconnected()

	h.Broadcast(EventViewerCount, map[string]any{"viewers": viewers})
	if offline != nil {
		h.Broadcast(EventPresenceUpdate, map[string]any{
			"type":         "user_offline",
			"userId":       offline.UserID,
			"online_users": roster,
		})
	}
}

// rosterLocked snapshots the presence map. Callers must hold h.mu.
func (h *Hub) rosterLocked() []map[string]any {
	roster := make([]map[string]any, 0, len(h.presence))
	for _, entry := range h.presence {
		roster = append(roster, map[string]any{
			"userId":     entry.UserID,
			"name":       entry.DisplayName,
			"avatar":     entry.AvatarRef,
			"lastSeenAt": entry.LastSeenAt,
		})
	}
	return roster
}

// Broadcast sends an event to every connected client and publishes it to the
// fan-out queue. It satisfies the session manager's broadcaster dependency.
func (h *Hub) Broadcast(eventType string, payload map[string]any) {
	event := NewEvent(eventType, payload)
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "event", eventType, "error", err)
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client cannot drain its buffer; drop it rather than
			// stalling the broadcast.
			h.dropLocked(c)
		}
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.queue.Publish(ctx, event); err != nil {
		h.logger.Warn("queue publish failed", "event", eventType, "error", err)
	}
}

// broadcastExcept fans an event out to everyone but the originating client.
func (h *Hub) broadcastExcept(sender *client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "event", event.Type, "error", err)
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		if c == sender {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
		}
	}
	h.mu.Unlock()
}

// dropLocked removes a client that cannot keep up. Callers must hold h.mu.
// Closing the send channel stops the write pump, which closes the connection
// and lets the read pump run the usual disconnect bookkeeping.
func (h *Hub) dropLocked(c *client) {
	delete(h.clients, c)
	if !c.dropped {
		c.dropped = true
		close(c.send)
	}
}

func (h *Hub) sendTo(c *client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.dropped {
		return
	}
	select {
	case c.send <- data:
	default:
		h.dropLocked(c)
	}
}

// Viewers reports the current connection count.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewers
}
