package boardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSClient wraps one gorilla WebSocket connection as a RoomClient. Writes are
// serialized behind a mutex because broadcasts fan out from multiple
// goroutines.
type WSClient struct {
	conn   *websocket.Conn
	userID string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewWSClient wraps an upgraded connection for the given user.
func NewWSClient(conn *websocket.Conn, userID string, logger *zap.Logger) *WSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{
		conn:   conn,
		userID: userID,
		logger: logger,
	}
}

// UserID identifies the member this connection belongs to.
func (c *WSClient) UserID() string {
	return c.userID
}

// Send delivers one message over the socket.
func (c *WSClient) Send(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection is closed")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close tears the connection down. Closing twice is a no-op.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// WSHandler upgrades HTTP requests into room connections and runs the
// synchronization protocol over them.
type WSHandler struct {
	registry        *RoomRegistry
	maxMessageBytes int64
	logger          *zap.Logger
	upgrader        websocket.Upgrader
}

// NewWSHandler creates the handler. maxMessageBytes of 0 means
// DefaultMaxMessageBytes.
func NewWSHandler(registry *RoomRegistry, maxMessageBytes int64, logger *zap.Logger) *WSHandler {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		registry:        registry,
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it drops.
// The first inbound message must be a join.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	// The socket guard sits above the protocol ceiling: frames between the
	// two are read and dropped by DecodeMessage without closing the
	// connection, while anything past the guard is cut off before it can
	// balloon memory.
	conn.SetReadLimit(h.maxMessageBytes * 2)

	join, err := h.readJoin(conn)
	if err != nil {
		h.logger.Warn("Rejecting connection without valid join", zap.Error(err))
		conn.Close()
		return
	}

	ctx := context.Background()
	room, err := h.registry.GetOrCreate(ctx, join.BoardID)
	if err != nil {
		h.logger.Error("Failed to open room",
			zap.String("board_id", join.BoardID),
			zap.Error(err))
		conn.Close()
		return
	}

	client := NewWSClient(conn, join.UserID, h.logger)
	sync := room.Join(client, join.UserName, join.Color, join.LastKnownVersion)
	if err := client.Send(sync); err != nil {
		h.logger.Warn("Failed to send initial room state",
			zap.String("board_id", join.BoardID),
			zap.String("user_id", join.UserID),
			zap.Error(err))
	}

	h.readLoop(room, client)

	room.Leave(client)
	h.registry.ReleaseIfEmpty(ctx, room.BoardID())
}

// readJoin reads and validates the opening join message.
func (h *WSHandler) readJoin(conn *websocket.Conn) (*Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read join: %w", err)
	}
	msg, err := DecodeMessage(data, h.maxMessageBytes)
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageJoin {
		return nil, fmt.Errorf("%w: expected join, got %s", ErrMalformedMessage, msg.Type)
	}
	return msg, nil
}

// readLoop pumps inbound frames into the room until the connection drops.
// Oversized frames are dropped before parsing and malformed frames after;
// neither closes the connection.
func (h *WSHandler) readLoop(room *Room, client *WSClient) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error",
					zap.String("board_id", room.BoardID()),
					zap.String("user_id", client.UserID()),
					zap.Error(err))
			}
			return
		}

		msg, err := DecodeMessage(data, h.maxMessageBytes)
		if err != nil {
			switch {
			case errors.Is(err, ErrOversizedMessage):
				h.logger.Warn("Dropping oversized message",
					zap.String("board_id", room.BoardID()),
					zap.String("user_id", client.UserID()),
					zap.Int("bytes", len(data)))
			default:
				h.logger.Warn("Dropping malformed message",
					zap.String("board_id", room.BoardID()),
					zap.String("user_id", client.UserID()),
					zap.Error(err))
			}
			continue
		}
		if msg.Type == MessageJoin {
			h.logger.Warn("Ignoring duplicate join",
				zap.String("board_id", room.BoardID()),
				zap.String("user_id", client.UserID()))
			continue
		}
		room.HandleMessage(client.UserID(), msg)
	}
}

// DialRoom connects a client store to a room server over WebSocket: it sends
// the join, applies the initial state to the store, merges rebroadcasts and
// returns a Broadcaster for the store's outbound traffic. onMessage, when
// non-nil, observes presence and cursor traffic.
//
// All remote application happens on the receive goroutine; per the store's
// single-writer model callers must serialize their own commits with it.
func DialRoom(ctx context.Context, url string, join *Message, store *Store, onMessage func(*Message), logger *zap.Logger) (*RoomConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if join == nil || join.Type != MessageJoin {
		return nil, fmt.Errorf("%w: dial requires a join message", ErrMalformedMessage)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	rc := &RoomConn{
		client: NewWSClient(conn, join.UserID, logger),
		store:  store,
		logger: logger,
	}
	if err := rc.client.Send(join); err != nil {
		conn.Close()
		return nil, err
	}

	go rc.receiveLoop(onMessage)
	return rc, nil
}

// RoomConn is the client-side wire attachment: it forwards store traffic to
// the room and merges rebroadcasts into the store outside its history. It
// tracks the highest server version seen so a reconnect can request a resync
// diff instead of the full element map.
type RoomConn struct {
	client      *WSClient
	store       *Store
	logger      *zap.Logger
	lastVersion atomic.Int64
}

// LastKnownVersion returns the highest server-assigned version observed on
// this connection, for use as the next join's lastKnownVersion.
func (rc *RoomConn) LastKnownVersion() int64 {
	return rc.lastVersion.Load()
}

func (rc *RoomConn) observeVersion(v int64) {
	for {
		cur := rc.lastVersion.Load()
		if v <= cur || rc.lastVersion.CompareAndSwap(cur, v) {
			return
		}
	}
}

// SendAdd announces a newly created element.
func (rc *RoomConn) SendAdd(e *Element) {
	rc.send(&Message{Type: MessageAddElement, Element: e})
}

// SendUpdate announces a changed element.
func (rc *RoomConn) SendUpdate(e *Element) {
	rc.send(&Message{Type: MessageUpdateElement, Element: e})
}

// SendDelete announces an element removal.
func (rc *RoomConn) SendDelete(id string) {
	rc.send(&Message{Type: MessageDeleteElement, ElementID: id})
}

// SendCursor announces the local cursor position.
func (rc *RoomConn) SendCursor(x, y float64) {
	rc.send(&Message{Type: MessageCursorMove, X: x, Y: y})
}

// Close tears the connection down.
func (rc *RoomConn) Close() error {
	return rc.client.Close()
}

func (rc *RoomConn) send(msg *Message) {
	if err := rc.client.Send(msg); err != nil {
		rc.logger.Warn("Failed to send message to room",
			zap.String("message_type", string(msg.Type)),
			zap.Error(err))
	}
}

func (rc *RoomConn) receiveLoop(onMessage func(*Message)) {
	for {
		_, data, err := rc.client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			rc.logger.Warn("Dropping malformed server message", zap.Error(err))
			continue
		}
		rc.apply(&msg)
		if onMessage != nil {
			onMessage(&msg)
		}
	}
}

// apply merges server traffic into the local store, bypassing history.
func (rc *RoomConn) apply(msg *Message) {
	if rc.store == nil {
		return
	}
	switch msg.Type {
	case MessageSyncRoomState:
		rc.observeVersion(msg.Version)
		if msg.Full {
			// A full sync resets the scene and history even when the room
			// is empty. The decoded elements are not aliased anywhere, so
			// ReplaceSnapshot's copy is the only one needed.
			scene := NewScene()
			for _, e := range msg.Elements {
				scene.AddElement(e)
			}
			rc.store.ReplaceSnapshot(scene)
			return
		}
		for _, e := range msg.MissingDiffs {
			rc.store.MergeRemote(e)
		}
	case MessageAddElement, MessageUpdateElement:
		if msg.Element != nil {
			rc.observeVersion(msg.Element.Version)
		}
		rc.store.MergeRemote(msg.Element)
	case MessageDeleteElement:
		rc.store.MergeRemoteDelete(msg.ElementID)
	}
}
