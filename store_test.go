package boardsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/testutil"
)

// recordingBroadcaster captures the store's outbound wire traffic.
type recordingBroadcaster struct {
	adds    []*Element
	updates []*Element
	deletes []string
}

func (b *recordingBroadcaster) SendAdd(e *Element)    { b.adds = append(b.adds, e) }
func (b *recordingBroadcaster) SendUpdate(e *Element) { b.updates = append(b.updates, e) }
func (b *recordingBroadcaster) SendDelete(id string)  { b.deletes = append(b.deletes, id) }

func sceneFields(s *Scene) map[string]*Element {
	out := make(map[string]*Element)
	for _, e := range s.Elements() {
		out[e.ID] = e
	}
	return out
}

func TestStore_CommitAndUndoRedo(t *testing.T) {
	store := NewStore(testutil.NewLogger())

	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)
	x := 50.0
	store.Commit(UpdateElement{ID: "a", Patch: ElementPatch{X: &x}}, CaptureImmediately)

	require.True(t, store.CanUndo())
	assert.Equal(t, 50.0, store.Scene().Element("a").X)

	require.True(t, store.Undo())
	assert.Equal(t, 10.0, store.Scene().Element("a").X)

	require.True(t, store.Undo())
	assert.True(t, store.Scene().Element("a").IsDeleted)
	assert.False(t, store.Undo(), "undo past the bottom is a no-op")

	require.True(t, store.Redo())
	require.True(t, store.Redo())
	assert.Equal(t, 50.0, store.Scene().Element("a").X)
	assert.False(t, store.Redo(), "redo past the top is a no-op")
}

func TestStore_UndoRedoInverseLaw(t *testing.T) {
	// For capturing commits C1..Cn, undo n times then redo n times must
	// reproduce the exact scene after Cn, field for field.
	store := NewStore(testutil.NewLogger())

	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)
	store.Commit(AddElement{Element: newTestRect("b")}, CaptureImmediately)
	x := 123.0
	color := "#123456"
	store.Commit(UpdateElement{ID: "a", Patch: ElementPatch{X: &x, FillColor: &color}}, CaptureImmediately)
	store.Commit(DeleteElement{ID: "b"}, CaptureImmediately)
	store.Commit(RestoreElement{ID: "b"}, CaptureImmediately)

	want := store.Snapshot()
	n := store.HistoryLen()
	require.Equal(t, 5, n)

	for i := 0; i < n; i++ {
		require.True(t, store.Undo())
	}
	for i := 0; i < n; i++ {
		require.True(t, store.Redo())
	}

	got := store.Scene()
	wantFields := sceneFields(want)
	gotFields := sceneFields(got)
	require.Len(t, gotFields, len(wantFields))
	for id, w := range wantFields {
		g := gotFields[id]
		require.NotNil(t, g, "element %s missing after round trip", id)
		assert.Equal(t, w, g)
	}
}

func TestStore_CaptureModeExclusion(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)

	canUndo := store.CanUndo()
	historyLen := store.HistoryLen()

	x := 1.0
	store.Commit(UpdateElement{ID: "a", Patch: ElementPatch{X: &x}}, CaptureEphemeral)
	x2 := 2.0
	store.Commit(UpdateElement{ID: "a", Patch: ElementPatch{X: &x2}}, CaptureNever)

	assert.Equal(t, canUndo, store.CanUndo())
	assert.Equal(t, historyLen, store.HistoryLen())
	assert.Equal(t, 2.0, store.Scene().Element("a").X, "the scene still changed")
}

func TestStore_CommitTruncatesRedoTail(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)
	store.Commit(AddElement{Element: newTestRect("b")}, CaptureImmediately)

	require.True(t, store.Undo())
	require.True(t, store.CanRedo())

	store.Commit(AddElement{Element: newTestRect("c")}, CaptureImmediately)
	assert.False(t, store.CanRedo(), "a new commit discards the redo tail")
	assert.Equal(t, 2, store.HistoryLen())
}

func TestStore_CommitBatchIsOneHistoryStep(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	dx := 5.0
	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)
	store.Commit(AddElement{Element: newTestRect("b")}, CaptureImmediately)

	store.CommitBatch([]Action{
		UpdateElement{ID: "a", Patch: ElementPatch{X: &dx}},
		UpdateElement{ID: "b", Patch: ElementPatch{X: &dx}},
	}, CaptureOnce)
	require.Equal(t, 3, store.HistoryLen())

	require.True(t, store.Undo())
	assert.Equal(t, 10.0, store.Scene().Element("a").X)
	assert.Equal(t, 10.0, store.Scene().Element("b").X)

	require.True(t, store.Redo())
	assert.Equal(t, 5.0, store.Scene().Element("a").X)
	assert.Equal(t, 5.0, store.Scene().Element("b").X)
}

func TestStore_ReplaceSnapshotClearsHistory(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)
	require.True(t, store.CanUndo())

	scene := NewScene()
	scene.AddElement(newTestRect("fresh"))
	store.ReplaceSnapshot(scene)

	assert.False(t, store.CanUndo(), "undo must not cross a scene replacement")
	assert.False(t, store.CanRedo())
	require.Len(t, store.Scene().Elements(), 1)
	assert.Equal(t, "fresh", store.Scene().Elements()[0].ID)
}

func TestStore_SubscribeReceivesSnapshots(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	var snapshots []*Scene
	store.Subscribe(func(s *Scene) { snapshots = append(snapshots, s) })

	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)
	store.Undo()
	store.Redo()
	store.ReplaceSnapshot(NewScene())

	require.Len(t, snapshots, 4)
	// Snapshots are independent of the live scene.
	x := 1.0
	snapshots[0].UpdateElement("a", ElementPatch{X: &x})
	assert.Empty(t, store.Scene().Elements())
}

func TestStore_MergeRemoteBypassesHistory(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)
	historyLen := store.HistoryLen()

	remote := newTestRect("b")
	remote.Version = 3
	store.MergeRemote(remote)

	assert.Equal(t, historyLen, store.HistoryLen())
	require.NotNil(t, store.Scene().Element("b"))

	// An undo can only invert local deltas: it removes "a", never "b".
	require.True(t, store.Undo())
	assert.True(t, store.Scene().Element("a").IsDeleted)
	assert.False(t, store.Scene().Element("b").IsDeleted)
	assert.False(t, store.Undo())
}

func TestStore_MergeRemoteIgnoresStaleVersions(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	current := newTestRect("a")
	current.Version = 5
	current.FillColor = "#aaaaaa"
	store.MergeRemote(current)

	stale := newTestRect("a")
	stale.Version = 4
	stale.FillColor = "#bbbbbb"
	store.MergeRemote(stale)

	assert.Equal(t, "#aaaaaa", store.Scene().Element("a").FillColor)
}

func TestStore_BroadcastsLocalChanges(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	b := &recordingBroadcaster{}
	store.SetBroadcaster(b)

	store.Commit(AddElement{Element: newTestRect("a")}, CaptureImmediately)
	x := 9.0
	store.Commit(UpdateElement{ID: "a", Patch: ElementPatch{X: &x}}, CaptureImmediately)
	store.Commit(DeleteElement{ID: "a"}, CaptureImmediately)

	require.Len(t, b.adds, 1)
	require.Len(t, b.updates, 1)
	require.Len(t, b.deletes, 1)
	assert.Equal(t, "a", b.adds[0].ID)
	assert.Equal(t, 9.0, b.updates[0].X)

	// Undo of the delete re-adds; undo of the update sends the reverted
	// element; undo of the add sends a delete.
	store.Undo()
	require.Len(t, b.adds, 2)
	store.Undo()
	require.Len(t, b.updates, 2)
	assert.Equal(t, 10.0, b.updates[1].X)
	store.Undo()
	require.Len(t, b.deletes, 2)
}

func TestStore_RemoteMergeIsNotRebroadcast(t *testing.T) {
	store := NewStore(testutil.NewLogger())
	b := &recordingBroadcaster{}
	store.SetBroadcaster(b)

	remote := newTestRect("r")
	remote.Version = 2
	store.MergeRemote(remote)
	store.MergeRemoteDelete("r")

	assert.Empty(t, b.adds)
	assert.Empty(t, b.updates)
	assert.Empty(t, b.deletes)
}
