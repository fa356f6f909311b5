package hub

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event names flowing out of the hub to connected clients and onto the
// fan-out queue.
const (
	EventConnectionReady = "connection_ready"
	EventProxyStatus     = "proxy_status"
	EventLiveStarted     = "live_started"
	EventLiveEnded       = "live_ended"
	EventViewerCount     = "viewer_count"
	EventPresenceUpdate  = "presence_update"
	EventUserTyping      = "user_typing"
	EventNewReaction     = "new_reaction"
	EventReactionCounts  = "reaction_counts"
	EventNewComment      = "new_comment"
	EventCommentDeleted  = "comment_deleted"
	EventReplayAvailable = "replay_available"
	EventError           = "error"
)

// Inbound event names clients may send.
const (
	EventUserOnline    = "user_online"
	EventTypingStart   = "typing_start"
	EventTypingStop    = "typing_stop"
	EventReaction      = "reaction"
	EventComment       = "comment"
	EventDeleteComment = "delete_comment"
)

// Event is the wire representation shared by the websocket channel and the
// fan-out queue. On the wire it is a flat JSON object: the payload fields at
// the top level next to a "type" discriminator.
type Event struct {
	Type    string
	Payload map[string]any
}

// NewEvent builds an event, copying nothing; the payload map is owned by the
// event once passed in.
func NewEvent(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{Type: eventType, Payload: payload}
}

// MarshalJSON flattens the payload and the type into one object.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	flat := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["type"] = e.Type
	return json.Marshal(flat)
}

// UnmarshalJSON splits the type discriminator back out of the flat object.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	eventType, _ := flat["type"].(string)
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	delete(flat, "type")
	e.Type = eventType
	e.Payload = flat
	return nil
}

// String returns a payload field as a trimmed string, or "" when absent or of
// another type.
func (e Event) String(key string) string {
	value, _ := e.Payload[key].(string)
	return strings.TrimSpace(value)
}
