package boardsync

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoomClient is a live connection to one room member. Send is fire-and-forget
// from the room's point of view: a slow or broken recipient never blocks the
// sender or other recipients.
type RoomClient interface {
	// UserID identifies the member this connection belongs to.
	UserID() string
	// Send delivers one message to the member.
	Send(msg *Message) error
	// Close tears the connection down.
	Close() error
}

// Room is the authoritative state manager of one board.
//
// All mutations for a room are serialized behind one mutex, so the version
// counter increments race-free. Clients only ever receive copies of elements,
// never live references into the map.
type Room struct {
	boardID string
	clock   Clock
	logger  *zap.Logger

	mu             sync.RWMutex
	elements       map[string]*Element
	latestVersion  int64
	users          map[string]*Presence
	clients        map[string]RoomClient
	lastSnapshotAt time.Time

	// publish forwards accepted messages to the cross-process fan-out, when
	// one is attached. Nil otherwise.
	publish func(msg *Message)
}

// NewRoom creates a room seeded with a persisted snapshot. elements may be
// nil for a brand-new board.
func NewRoom(boardID string, elements []*Element, version int64, clock Clock, logger *zap.Logger) *Room {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Room{
		boardID:       boardID,
		clock:         clock,
		logger:        logger,
		elements:      make(map[string]*Element, len(elements)),
		latestVersion: version,
		users:         make(map[string]*Presence),
		clients:       make(map[string]RoomClient),
	}
	for _, e := range elements {
		if e == nil || e.ID == "" {
			continue
		}
		r.elements[e.ID] = e.Clone()
		if e.Version > r.latestVersion {
			r.latestVersion = e.Version
		}
	}
	return r
}

// BoardID returns the board this room serves.
func (r *Room) BoardID() string {
	return r.boardID
}

// SetPublishHook attaches the cross-process fan-out. Accepted element and
// cursor traffic is forwarded through it after local broadcast.
func (r *Room) SetPublishHook(publish func(msg *Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish = publish
}

// LatestVersion returns the room's monotonic version counter.
func (r *Room) LatestVersion() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestVersion
}

// Element returns a copy of the stored element with the given id, or nil.
func (r *Room) Element(id string) *Element {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.elements[id].Clone()
}

// Empty reports whether no user is connected.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users) == 0
}

// UserCount returns the number of connected users.
func (r *Room) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Join registers a user's presence and connection and returns the initial
// sync message for that user. When the caller reports a lastKnownVersion
// behind the room, only the elements stamped after it are included as
// missingDiffs; a fresh client (lastKnownVersion 0) receives the full element
// list. The room announces the new presence to everyone else.
func (r *Room) Join(client RoomClient, userName, color string, lastKnownVersion int64) *Message {
	userID := client.UserID()

	r.mu.Lock()
	presence := &Presence{UserID: userID, Name: userName, Color: color}
	r.users[userID] = presence
	if prev, ok := r.clients[userID]; ok && prev != client {
		prev.Close()
	}
	r.clients[userID] = client

	sync := &Message{
		Type:    MessageSyncRoomState,
		BoardID: r.boardID,
		Version: r.latestVersion,
		Users:   r.presenceListLocked(),
	}
	if lastKnownVersion <= 0 {
		sync.Full = true
		sync.Elements = r.elementListLocked(0)
	} else {
		sync.MissingDiffs = r.elementListLocked(lastKnownVersion)
	}
	r.mu.Unlock()

	r.logger.Info("User joined room",
		zap.String("board_id", r.boardID),
		zap.String("user_id", userID),
		zap.Int64("last_known_version", lastKnownVersion))

	r.Broadcast(&Message{
		Type:     MessageUserJoin,
		BoardID:  r.boardID,
		UserID:   userID,
		UserName: userName,
		Color:    color,
	}, userID)

	return sync
}

// Leave drops the user's presence and connection and announces the departure.
// The departing connection must still be the registered one: a reconnect may
// already have replaced it, and the stale handler's Leave must not tear down
// the fresh session. Returns the number of users left.
func (r *Room) Leave(client RoomClient) int {
	userID := client.UserID()
	r.mu.Lock()
	if current, ok := r.clients[userID]; !ok || current != client {
		remaining := len(r.users)
		r.mu.Unlock()
		return remaining
	}
	delete(r.users, userID)
	delete(r.clients, userID)
	remaining := len(r.users)
	r.mu.Unlock()

	client.Close()

	r.logger.Info("User left room",
		zap.String("board_id", r.boardID),
		zap.String("user_id", userID),
		zap.Int("remaining", remaining))

	r.Broadcast(&Message{
		Type:    MessageUserLeave,
		BoardID: r.boardID,
		UserID:  userID,
	}, userID)

	return remaining
}

// Apply stores an element sent by a client, stamping the next room version
// and the server time. The element the client holds carries its last known
// version; a copy strictly behind the stored one is superseded and dropped.
// The second return value reports acceptance. The stale sender is not
// notified: it will receive the winning revision on the next broadcast or
// resync.
func (r *Room) Apply(e *Element) (*Element, bool) {
	if e == nil || e.ID == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.elements[e.ID]; ok && e.Version < stored.Version {
		r.logger.Debug("Stale element update dropped",
			zap.String("board_id", r.boardID),
			zap.String("element_id", e.ID),
			zap.Int64("incoming_version", e.Version),
			zap.Int64("stored_version", stored.Version))
		return nil, false
	}

	stamped := e.Clone()
	r.latestVersion++
	stamped.Version = r.latestVersion
	stamped.Updated = r.clock.Now()
	r.elements[stamped.ID] = stamped
	return stamped.Clone(), true
}

// ApplyStamped stores an element that already carries a server-assigned
// version, as received from another server instance over the fan-out. Only a
// strictly greater version may overwrite the stored one.
func (r *Room) ApplyStamped(e *Element) bool {
	if e == nil || e.ID == "" || e.Version <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.elements[e.ID]; ok && e.Version <= stored.Version {
		return false
	}
	r.elements[e.ID] = e.Clone()
	if e.Version > r.latestVersion {
		r.latestVersion = e.Version
	}
	return true
}

// ApplyDelete removes the element outright. Clients soft-delete on their side
// and simply stop receiving the id in later snapshots, so the server keeps no
// tombstone. Deleting an unknown id is a no-op and reports false so callers
// skip the broadcast.
func (r *Room) ApplyDelete(elementID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elements[elementID]; !ok {
		return false
	}
	delete(r.elements, elementID)
	return true
}

// MoveCursor updates a member's presence cursor. Cursor state is broadcast
// only and never persisted.
func (r *Room) MoveCursor(userID string, x, y float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.users[userID]
	if !ok {
		return false
	}
	p.CursorX = x
	p.CursorY = y
	return true
}

// Broadcast fans a message out to every connected member except
// excludeUserID. Send failures are logged and skipped; they never block other
// recipients.
func (r *Room) Broadcast(msg *Message, excludeUserID string) {
	r.mu.RLock()
	recipients := make([]RoomClient, 0, len(r.clients))
	for userID, client := range r.clients {
		if userID == excludeUserID {
			continue
		}
		recipients = append(recipients, client)
	}
	r.mu.RUnlock()

	for _, client := range recipients {
		if err := client.Send(msg); err != nil {
			r.logger.Warn("Failed to send message to client",
				zap.String("board_id", r.boardID),
				zap.String("user_id", client.UserID()),
				zap.String("message_type", string(msg.Type)),
				zap.Error(err))
		}
	}
}

// HandleMessage processes one validated inbound message from a connected
// client: it applies the mutation, rebroadcasts it and forwards accepted
// traffic to the fan-out hook. Element broadcasts include the origin, which
// otherwise would never learn the stamped version and would send its next
// edit with a version the room has already superseded. Delete and cursor
// broadcasts carry nothing the origin lacks and exclude it.
func (r *Room) HandleMessage(userID string, msg *Message) {
	switch msg.Type {
	case MessageAddElement, MessageUpdateElement:
		stamped, ok := r.Apply(msg.Element)
		if !ok {
			return
		}
		out := &Message{
			Type:    msg.Type,
			BoardID: r.boardID,
			UserID:  userID,
			Element: stamped,
		}
		r.Broadcast(out, "")
		r.forward(out)

	case MessageDeleteElement:
		if !r.ApplyDelete(msg.ElementID) {
			return
		}
		out := &Message{
			Type:      MessageDeleteElement,
			BoardID:   r.boardID,
			UserID:    userID,
			ElementID: msg.ElementID,
		}
		r.Broadcast(out, userID)
		r.forward(out)

	case MessageCursorMove:
		if !r.MoveCursor(userID, msg.X, msg.Y) {
			return
		}
		out := &Message{
			Type:    MessageCursorMove,
			BoardID: r.boardID,
			UserID:  userID,
			X:       msg.X,
			Y:       msg.Y,
		}
		r.Broadcast(out, userID)
		r.forward(out)

	default:
		r.logger.Warn("Unexpected client message type",
			zap.String("board_id", r.boardID),
			zap.String("user_id", userID),
			zap.String("message_type", string(msg.Type)))
	}
}

// HandleRemoteMessage processes a message received from another server
// instance over the fan-out: it merges stamped state and rebroadcasts to the
// local members without republishing.
func (r *Room) HandleRemoteMessage(msg *Message) {
	switch msg.Type {
	case MessageAddElement, MessageUpdateElement:
		if msg.Element == nil || !r.ApplyStamped(msg.Element) {
			return
		}
		r.Broadcast(msg, msg.UserID)
	case MessageDeleteElement:
		if !r.ApplyDelete(msg.ElementID) {
			return
		}
		r.Broadcast(msg, msg.UserID)
	case MessageCursorMove, MessageUserJoin, MessageUserLeave:
		r.Broadcast(msg, msg.UserID)
	}
}

func (r *Room) forward(msg *Message) {
	r.mu.RLock()
	publish := r.publish
	r.mu.RUnlock()
	if publish != nil {
		publish(msg)
	}
}

// SnapshotState returns a copy of the element map and the version counter for
// persistence.
func (r *Room) SnapshotState() ([]*Element, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elements := r.elementListLocked(0)
	r.lastSnapshotAt = r.clock.Now()
	return elements, r.latestVersion
}

// LastSnapshotAt returns when SnapshotState last ran.
func (r *Room) LastSnapshotAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSnapshotAt
}

// elementListLocked copies elements with version > afterVersion, ordered by
// version so snapshots and diffs are deterministic. Callers hold r.mu.
func (r *Room) elementListLocked(afterVersion int64) []*Element {
	out := make([]*Element, 0, len(r.elements))
	for _, e := range r.elements {
		if e.Version > afterVersion {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// presenceListLocked copies the presence table. Callers hold r.mu.
func (r *Room) presenceListLocked() []*Presence {
	out := make([]*Presence, 0, len(r.users))
	for _, p := range r.users {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
