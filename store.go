package boardsync

import (
	"go.uber.org/zap"
)

// Broadcaster forwards locally produced element changes to the wire. The
// store treats delivery as fire-and-forget; undo and redo re-enter the wire
// as ordinary element messages.
type Broadcaster interface {
	// SendAdd announces a newly created element.
	SendAdd(e *Element)
	// SendUpdate announces a changed element.
	SendUpdate(e *Element)
	// SendDelete announces an element removal.
	SendDelete(id string)
}

// StoreListener receives an immutable scene snapshot after every committing
// or resetting store operation. Listeners must not mutate the snapshot.
type StoreListener func(snapshot *Scene)

// historyEntry is one undoable step: the ordered deltas of a single commit or
// batch, reverted and replayed as a unit.
type historyEntry struct {
	deltas []*Delta
}

// Store orchestrates reducer calls and maintains the local undo/redo history.
//
// The store is single-threaded by design: reducer calls, history mutation and
// listener fan-out all happen synchronously inside one commit call, and remote
// message application is serialized onto the same goroutine as user input by
// the caller. There is exactly one logical writer, so no internal locking.
//
// Remote changes must enter through MergeRemote or CommitSnapshot, never
// through Commit: they bypass the reducer and history so a local undo can only
// ever invert a local delta.
type Store struct {
	scene       *Scene
	history     []historyEntry
	cursor      int
	listeners   []StoreListener
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewStore creates a store with an empty scene.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		scene:  NewScene(),
		logger: logger,
	}
}

// SetBroadcaster installs the outbound wire hook. A nil broadcaster keeps the
// store fully local.
func (s *Store) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Scene returns the current scene. Callers must treat it as read-only.
func (s *Store) Scene() *Scene {
	return s.scene
}

// Snapshot returns an independent deep copy of the current scene.
func (s *Store) Snapshot() *Scene {
	return s.scene.Clone()
}

// Subscribe registers a listener. Fan-out is synchronous.
func (s *Store) Subscribe(listener StoreListener) {
	s.listeners = append(s.listeners, listener)
}

// Commit runs the reducer once and, when the mode captures, pushes the
// produced deltas onto the history stack, truncating any redo tail first.
// Reducer faults are programmer errors and propagate.
func (s *Store) Commit(action Action, mode CaptureMode) {
	s.CommitBatch([]Action{action}, mode)
}

// CommitBatch applies several actions as one atomic history step, so a single
// undo reverts the whole gesture.
func (s *Store) CommitBatch(actions []Action, mode CaptureMode) {
	rec := NewDeltaRecorder()
	next := s.scene
	for _, action := range actions {
		next = Reduce(next, action, rec)
	}
	s.scene = next

	if mode.Captures() && !rec.Empty() {
		s.history = s.history[:s.cursor]
		s.history = append(s.history, historyEntry{deltas: rec.Deltas()})
		s.cursor++
		s.logger.Debug("History entry recorded",
			zap.Int("delta_count", len(rec.Deltas())),
			zap.Int("history_len", len(s.history)))
	}

	s.broadcastForward(rec.Deltas())
	s.notify()
}

// CommitSnapshot replaces the scene through an update function with no
// history side effect. The escape hatch for ephemeral whole-snapshot
// replacement such as incoming live collaboration state.
func (s *Store) CommitSnapshot(update func(*Scene) *Scene, mode CaptureMode) {
	if mode.Captures() {
		// Capturing a whole-snapshot swap would record an unbounded delta;
		// callers wanting history must go through Commit.
		s.logger.Warn("CommitSnapshot called with capturing mode, not recorded")
	}
	next := update(s.scene.Clone())
	if next != nil {
		s.scene = next
	}
	s.notify()
}

// MergeRemote merges an element received from the room directly into the
// scene, bypassing the reducer and history.
func (s *Store) MergeRemote(e *Element) {
	if e == nil {
		return
	}
	local := s.scene.Element(e.ID)
	if local != nil && local.Version >= e.Version && e.Version > 0 {
		// Already at or past this revision.
		return
	}
	s.CommitSnapshot(func(scene *Scene) *Scene {
		scene.ReplaceElement(e.Clone())
		return scene
	}, CaptureNever)
}

// MergeRemoteDelete applies a remote removal as a local soft delete.
func (s *Store) MergeRemoteDelete(id string) {
	s.CommitSnapshot(func(scene *Scene) *Scene {
		scene.DeleteElement(id)
		return scene
	}, CaptureNever)
}

// ReplaceSnapshot hard-resets the scene, clearing all history. Undo must not
// cross a scene replacement boundary, so this is what loading a persisted
// file or joining a room goes through.
func (s *Store) ReplaceSnapshot(snapshot *Scene) {
	if snapshot == nil {
		snapshot = NewScene()
	}
	s.scene = snapshot.Clone()
	s.history = nil
	s.cursor = 0
	s.logger.Debug("Scene replaced, history cleared")
	s.notify()
}

// CanUndo reports whether an undo step is available.
func (s *Store) CanUndo() bool {
	return s.cursor > 0
}

// CanRedo reports whether a redo step is available.
func (s *Store) CanRedo() bool {
	return s.cursor < len(s.history)
}

// HistoryLen returns the number of recorded history entries.
func (s *Store) HistoryLen() int {
	return len(s.history)
}

// Undo reverts the most recent history entry. Returns false at the stack
// boundary.
func (s *Store) Undo() bool {
	if s.cursor == 0 {
		return false
	}
	s.cursor--
	entry := s.history[s.cursor]
	next := s.scene.Clone()
	for i := len(entry.deltas) - 1; i >= 0; i-- {
		entry.deltas[i].Undo(next)
	}
	s.scene = next
	s.broadcastInverse(entry.deltas)
	s.notify()
	return true
}

// Redo replays the next history entry. Returns false at the stack boundary.
func (s *Store) Redo() bool {
	if s.cursor >= len(s.history) {
		return false
	}
	entry := s.history[s.cursor]
	s.cursor++
	next := s.scene.Clone()
	for _, d := range entry.deltas {
		d.Redo(next)
	}
	s.scene = next
	s.broadcastForward(entry.deltas)
	s.notify()
	return true
}

// broadcastForward announces the forward effect of deltas on the wire.
func (s *Store) broadcastForward(deltas []*Delta) {
	if s.broadcaster == nil {
		return
	}
	for _, d := range deltas {
		switch d.Kind {
		case DeltaCreate:
			if e := s.scene.Element(d.ElementID); e != nil && !e.IsDeleted {
				s.broadcaster.SendAdd(e.Clone())
			}
		case DeltaUpdate, DeltaRestore:
			if e := s.scene.Element(d.ElementID); e != nil {
				s.broadcaster.SendUpdate(e.Clone())
			}
		case DeltaDelete:
			s.broadcaster.SendDelete(d.ElementID)
		}
	}
}

// broadcastInverse announces the undo effect of deltas on the wire.
func (s *Store) broadcastInverse(deltas []*Delta) {
	if s.broadcaster == nil {
		return
	}
	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		switch d.Kind {
		case DeltaCreate, DeltaRestore:
			s.broadcaster.SendDelete(d.ElementID)
		case DeltaDelete:
			// The room removes deletes outright, so restoring re-adds.
			if e := s.scene.Element(d.ElementID); e != nil && !e.IsDeleted {
				s.broadcaster.SendAdd(e.Clone())
			}
		case DeltaUpdate:
			if e := s.scene.Element(d.ElementID); e != nil {
				s.broadcaster.SendUpdate(e.Clone())
			}
		}
	}
}

// notify fans the current snapshot out to every listener synchronously. One
// shared clone is handed to all listeners; none may mutate it.
func (s *Store) notify() {
	if len(s.listeners) == 0 {
		return
	}
	snapshot := s.scene.Clone()
	for _, l := range s.listeners {
		l(snapshot)
	}
}
