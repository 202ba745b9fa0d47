package boardsync

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a protocol message kind.
type MessageType string

const (
	// MessageJoin registers a user in a room (client to server).
	MessageJoin MessageType = "join"
	// MessageAddElement carries a newly created element.
	MessageAddElement MessageType = "add_element"
	// MessageUpdateElement carries a changed element.
	MessageUpdateElement MessageType = "update_element"
	// MessageDeleteElement carries an element removal by id.
	MessageDeleteElement MessageType = "delete_element"
	// MessageCursorMove carries a presence cursor position. Broadcast only,
	// never persisted.
	MessageCursorMove MessageType = "cursor_move"
	// MessageSyncRoomState is sent once to a client right after join.
	MessageSyncRoomState MessageType = "sync_room_state"
	// MessageUserJoin announces a new presence to the room.
	MessageUserJoin MessageType = "user_join"
	// MessageUserLeave announces a departed presence to the room.
	MessageUserLeave MessageType = "user_leave"
)

// DefaultMaxMessageBytes is the inbound payload ceiling. Frames above it are
// dropped before parsing to bound memory and broadcast amplification.
const DefaultMaxMessageBytes = 1 << 20

var (
	// ErrOversizedMessage is returned for frames above the byte ceiling.
	ErrOversizedMessage = fmt.Errorf("message exceeds size ceiling")
	// ErrMalformedMessage is returned for frames that fail decoding or
	// schema validation.
	ErrMalformedMessage = fmt.Errorf("malformed message")
)

// Presence is a connected user's identity and last known cursor within a
// room.
type Presence struct {
	UserID  string  `json:"userId" bson:"user_id"`
	Name    string  `json:"name" bson:"name"`
	Color   string  `json:"color" bson:"color"`
	CursorX float64 `json:"cursorX" bson:"cursor_x"`
	CursorY float64 `json:"cursorY" bson:"cursor_y"`
}

// Message is the single wire envelope of the synchronization protocol. The
// Type field selects which of the optional fields are meaningful.
type Message struct {
	Type MessageType `json:"type"`

	// Join fields.
	BoardID          string `json:"boardId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	UserName         string `json:"userName,omitempty"`
	Color            string `json:"color,omitempty"`
	LastKnownVersion int64  `json:"lastKnownVersion,omitempty"`

	// Element traffic.
	Element   *Element `json:"element,omitempty"`
	ElementID string   `json:"elementId,omitempty"`

	// Cursor traffic.
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`

	// Room state sync, server to client. Full marks Elements as the complete
	// room state, which may be empty; without it an empty full sync would be
	// indistinguishable from an empty resync diff on the wire.
	Full         bool        `json:"full,omitempty"`
	Elements     []*Element  `json:"elements,omitempty"`
	MissingDiffs []*Element  `json:"missingDiffs,omitempty"`
	Users        []*Presence `json:"users,omitempty"`
	Version      int64       `json:"version,omitempty"`
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Validate checks the fields the message type requires. Element-bearing
// messages validate the element schema; invalid messages are dropped by the
// caller without closing the connection.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageJoin:
		if m.BoardID == "" || m.UserID == "" {
			return fmt.Errorf("%w: join requires boardId and userId", ErrMalformedMessage)
		}
	case MessageAddElement, MessageUpdateElement:
		if m.Element == nil {
			return fmt.Errorf("%w: %s requires an element", ErrMalformedMessage, m.Type)
		}
		if err := m.Element.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	case MessageDeleteElement:
		if m.ElementID == "" {
			return fmt.Errorf("%w: delete_element requires elementId", ErrMalformedMessage)
		}
	case MessageCursorMove, MessageSyncRoomState, MessageUserJoin, MessageUserLeave:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, m.Type)
	}
	return nil
}

// DecodeMessage parses and validates a raw frame. The size check runs before
// any parsing.
func DecodeMessage(data []byte, maxBytes int64) (*Message, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedMessage, len(data))
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
