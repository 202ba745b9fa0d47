package boardsync

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/testutil"
)

// testPeer is one client end of the protocol: a store wired to a live room
// connection, with inbound traffic mirrored onto a channel so tests can wait
// for specific messages before inspecting the store.
type testPeer struct {
	store *Store
	conn  *RoomConn
	msgs  chan *Message
}

func dialTestPeer(t *testing.T, url, boardID, userID string, lastKnownVersion int64) *testPeer {
	t.Helper()
	logger := testutil.NewLogger()
	peer := &testPeer{
		store: NewStore(logger),
		msgs:  make(chan *Message, 64),
	}
	join := &Message{
		Type:             MessageJoin,
		BoardID:          boardID,
		UserID:           userID,
		UserName:         userID,
		Color:            "#888888",
		LastKnownVersion: lastKnownVersion,
	}
	conn, err := DialRoom(context.Background(), url, join, peer.store, func(m *Message) {
		peer.msgs <- m
	}, logger)
	require.NoError(t, err)
	peer.conn = conn
	peer.store.SetBroadcaster(conn)
	t.Cleanup(func() { conn.Close() })
	return peer
}

// waitForMessage drains the peer's inbound channel until a message of the
// given type arrives. Once it returns, the receive goroutine has already
// applied that message to the store.
func waitForMessage(t *testing.T, peer *testPeer, mt MessageType) *Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-peer.msgs:
			if m.Type == mt {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", mt)
			return nil
		}
	}
}

func newTestServer(t *testing.T, maxMessageBytes int64) (string, *RoomRegistry) {
	t.Helper()
	logger := testutil.NewLogger()
	registry := NewRoomRegistry(NewMemorySnapshotStore(), nil, nil, logger)
	srv := httptest.NewServer(NewWSHandler(registry, maxMessageBytes, logger))
	t.Cleanup(func() {
		srv.Close()
		registry.Close(context.Background())
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), registry
}

func TestSync_TwoClientsConvergeAndUndoPropagates(t *testing.T) {
	url, registry := newTestServer(t, 0)

	peerA := dialTestPeer(t, url, "board-1", "alice", 0)
	syncA := waitForMessage(t, peerA, MessageSyncRoomState)
	assert.Equal(t, int64(0), syncA.Version)
	assert.Empty(t, syncA.Elements)

	peerB := dialTestPeer(t, url, "board-1", "bob", 0)
	waitForMessage(t, peerB, MessageSyncRoomState)
	joined := waitForMessage(t, peerA, MessageUserJoin)
	assert.Equal(t, "bob", joined.UserID)

	// Alice draws a rectangle. The server stamps it and rebroadcasts to Bob
	// only; Alice keeps her unstamped local copy.
	rect := newTestRect("r1")
	peerA.store.Commit(AddElement{Element: rect}, CaptureImmediately)

	added := waitForMessage(t, peerB, MessageAddElement)
	assert.Equal(t, "alice", added.UserID)
	require.NotNil(t, added.Element)
	assert.Equal(t, int64(1), added.Element.Version)

	bobsCopy := peerB.store.Scene().Element("r1")
	require.NotNil(t, bobsCopy)
	assert.Equal(t, int64(1), bobsCopy.Version)

	// Bob recolors it. His copy carries version 1, which the room accepts
	// and restamps; Alice merges the result outside her history.
	red := "#ff0000"
	peerB.store.Commit(UpdateElement{ID: "r1", Patch: ElementPatch{FillColor: &red}}, CaptureImmediately)

	updated := waitForMessage(t, peerA, MessageUpdateElement)
	assert.Equal(t, "bob", updated.UserID)
	assert.Equal(t, int64(2), updated.Element.Version)

	alicesCopy := peerA.store.Scene().Element("r1")
	require.NotNil(t, alicesCopy)
	assert.Equal(t, red, alicesCopy.FillColor)
	assert.Equal(t, 1, peerA.store.HistoryLen(), "remote merge stays out of history")

	// Alice undoes her creation. The element disappears for everyone even
	// though Bob changed it in between.
	require.True(t, peerA.store.Undo())
	assert.Empty(t, peerA.store.Scene().Elements())

	deleted := waitForMessage(t, peerB, MessageDeleteElement)
	assert.Equal(t, "r1", deleted.ElementID)
	assert.Empty(t, peerB.store.Scene().Elements())

	room := registry.Room("board-1")
	require.NotNil(t, room)
	assert.Nil(t, room.Element("r1"))
	assert.Equal(t, int64(2), room.LatestVersion(), "deletes do not advance the version counter")

	assert.Equal(t, int64(2), peerA.conn.LastKnownVersion())
}

func TestSync_RejoinRequestsDiffSinceLastKnownVersion(t *testing.T) {
	url, _ := newTestServer(t, 0)

	peerA := dialTestPeer(t, url, "board-2", "alice", 0)
	waitForMessage(t, peerA, MessageSyncRoomState)
	peerB := dialTestPeer(t, url, "board-2", "bob", 0)
	waitForMessage(t, peerB, MessageSyncRoomState)

	peerA.store.Commit(AddElement{Element: newTestRect("r1")}, CaptureImmediately)
	waitForMessage(t, peerB, MessageAddElement)

	// Bob drops off, misses an element, and reconnects with the version he
	// last saw. The sync carries only what he missed.
	lastKnown := peerB.conn.LastKnownVersion()
	require.Equal(t, int64(1), lastKnown)
	require.NoError(t, peerB.conn.Close())
	waitForMessage(t, peerA, MessageUserLeave)

	peerA.store.Commit(AddElement{Element: newTestRect("r2")}, CaptureImmediately)

	rejoined := dialTestPeer(t, url, "board-2", "bob", lastKnown)
	sync := waitForMessage(t, rejoined, MessageSyncRoomState)
	assert.False(t, sync.Full)
	assert.Empty(t, sync.Elements)
	require.Len(t, sync.MissingDiffs, 1)
	assert.Equal(t, "r2", sync.MissingDiffs[0].ID)
	assert.Equal(t, int64(2), sync.Version)
}

func TestSync_OversizedFrameDroppedWithoutClosingConnection(t *testing.T) {
	url, registry := newTestServer(t, 512)

	peer := dialTestPeer(t, url, "board-3", "alice", 0)
	waitForMessage(t, peer, MessageSyncRoomState)

	// Large enough to break the 512-byte protocol ceiling but inside the
	// socket read limit, so the server drops the frame without closing.
	big := newTestRect("big")
	big.Type = ElementText
	big.Text = strings.Repeat("x", 600)
	peer.store.Commit(AddElement{Element: big}, CaptureImmediately)

	small := newTestRect("small")
	peer.store.Commit(AddElement{Element: small}, CaptureImmediately)

	room := registry.Room("board-3")
	require.NotNil(t, room)
	require.Eventually(t, func() bool {
		return room.Element("small") != nil
	}, 3*time.Second, 10*time.Millisecond, "the connection survives the oversized frame")

	assert.Nil(t, room.Element("big"), "the oversized add never reached the room")
	assert.Equal(t, int64(1), room.LatestVersion())
}

func TestSync_SoloClientCanEditItsOwnElement(t *testing.T) {
	url, registry := newTestServer(t, 0)

	peer := dialTestPeer(t, url, "board-4", "alice", 0)
	waitForMessage(t, peer, MessageSyncRoomState)

	peer.store.Commit(AddElement{Element: newTestRect("r1")}, CaptureImmediately)

	// The stamped echo lands in the store, so the follow-up edit carries the
	// server version instead of 0.
	echo := waitForMessage(t, peer, MessageAddElement)
	require.NotNil(t, echo.Element)
	assert.Equal(t, int64(1), echo.Element.Version)
	require.Equal(t, int64(1), peer.store.Scene().Element("r1").Version)

	red := "#ff0000"
	peer.store.Commit(UpdateElement{ID: "r1", Patch: ElementPatch{FillColor: &red}}, CaptureImmediately)

	updated := waitForMessage(t, peer, MessageUpdateElement)
	assert.Equal(t, int64(2), updated.Element.Version)

	room := registry.Room("board-4")
	require.NotNil(t, room)
	stored := room.Element("r1")
	require.NotNil(t, stored)
	assert.Equal(t, red, stored.FillColor, "the second edit reached the room")
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, 2, peer.store.HistoryLen(), "echo merges stay out of history")
}

func TestSync_JoiningEmptyRoomResetsPreloadedStore(t *testing.T) {
	url, _ := newTestServer(t, 0)

	// A store carrying a previously loaded scene and its undo history joins
	// an empty room: the empty full sync still replaces the snapshot.
	logger := testutil.NewLogger()
	peer := &testPeer{
		store: NewStore(logger),
		msgs:  make(chan *Message, 64),
	}
	peer.store.Commit(AddElement{Element: newTestRect("local")}, CaptureImmediately)
	require.True(t, peer.store.CanUndo())

	join := &Message{
		Type:     MessageJoin,
		BoardID:  "board-5",
		UserID:   "alice",
		UserName: "alice",
		Color:    "#888888",
	}
	conn, err := DialRoom(context.Background(), url, join, peer.store, func(m *Message) {
		peer.msgs <- m
	}, logger)
	require.NoError(t, err)
	peer.store.SetBroadcaster(conn)
	t.Cleanup(func() { conn.Close() })

	sync := waitForMessage(t, peer, MessageSyncRoomState)
	assert.True(t, sync.Full)
	assert.Empty(t, peer.store.Scene().Elements(), "the stale scene is gone")
	assert.False(t, peer.store.CanUndo(), "history does not cross the room boundary")
}
