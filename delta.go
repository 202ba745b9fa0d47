package boardsync

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// CaptureMode controls whether the deltas produced by an action enter the
// undo history.
type CaptureMode int

const (
	// CaptureImmediately records the action as its own history entry.
	CaptureImmediately CaptureMode = iota
	// CaptureOnce records the final state of a gesture as one history entry.
	CaptureOnce
	// CaptureEphemeral applies the action without touching history. Used for
	// high-frequency interim updates such as drag preview frames.
	CaptureEphemeral
	// CaptureNever applies the action without touching history, ever. Used
	// for remote merges.
	CaptureNever
)

// Captures reports whether the mode pushes deltas onto the history stack.
func (m CaptureMode) Captures() bool {
	return m == CaptureImmediately || m == CaptureOnce
}

// DeltaKind identifies what a delta did to its element.
type DeltaKind string

const (
	// DeltaCreate records an element insertion.
	DeltaCreate DeltaKind = "create"
	// DeltaUpdate records a field-level change to an existing element.
	DeltaUpdate DeltaKind = "update"
	// DeltaDelete records a soft delete.
	DeltaDelete DeltaKind = "delete"
	// DeltaRestore records an un-delete.
	DeltaRestore DeltaKind = "restore"
)

// Delta is a minimal reversible description of one element mutation.
//
// Update deltas carry JSON merge patches in both directions rather than full
// element snapshots: undo applies the inverse patch to whatever the current
// field values are. Fields the patch does not mention survive, so a concurrent
// remote edit to an unrelated field is preserved across a local undo. When the
// remote edit touched the same field the undo overwrites it, the same race
// ordinary last-writer-wins updates have.
type Delta struct {
	ElementID string
	Kind      DeltaKind

	// Forward is the before->after merge patch, Inverse the after->before
	// patch. Both are set for DeltaUpdate only.
	Forward json.RawMessage
	Inverse json.RawMessage

	// Element is the created element snapshot, set for DeltaCreate only.
	Element *Element
}

// mustMarshal encodes a value that cannot legally fail to encode. A failure
// here means a corrupted delta would enter history, which must not be
// committed silently.
func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("boardsync: delta encode: %v", err))
	}
	return data
}

func newUpdateDelta(before, after *Element) *Delta {
	b := mustMarshal(before)
	a := mustMarshal(after)
	forward, err := jsonpatch.CreateMergePatch(b, a)
	if err != nil {
		panic(fmt.Sprintf("boardsync: merge patch: %v", err))
	}
	inverse, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		panic(fmt.Sprintf("boardsync: merge patch: %v", err))
	}
	return &Delta{
		ElementID: before.ID,
		Kind:      DeltaUpdate,
		Forward:   forward,
		Inverse:   inverse,
	}
}

// isNoop reports whether an update delta changes nothing.
func (d *Delta) isNoop() bool {
	return d.Kind == DeltaUpdate && string(d.Forward) == "{}" && string(d.Inverse) == "{}"
}

// Undo reverts the delta on the scene. The scene is mutated in place; callers
// clone first when older revisions must survive.
func (d *Delta) Undo(scene *Scene) {
	switch d.Kind {
	case DeltaCreate:
		// Undoing an add soft-deletes rather than reverting fields, so a
		// concurrent remote edit on another client is left intact there.
		scene.DeleteElement(d.ElementID)
	case DeltaDelete:
		scene.RestoreElement(d.ElementID)
	case DeltaRestore:
		scene.DeleteElement(d.ElementID)
	case DeltaUpdate:
		d.applyPatch(scene, d.Inverse)
	}
}

// Redo replays the delta on the scene.
func (d *Delta) Redo(scene *Scene) {
	switch d.Kind {
	case DeltaCreate:
		if scene.Element(d.ElementID) != nil {
			scene.RestoreElement(d.ElementID)
		} else {
			scene.AddElement(d.Element.Clone())
		}
	case DeltaDelete:
		scene.DeleteElement(d.ElementID)
	case DeltaRestore:
		scene.RestoreElement(d.ElementID)
	case DeltaUpdate:
		d.applyPatch(scene, d.Forward)
	}
}

func (d *Delta) applyPatch(scene *Scene, patch json.RawMessage) {
	current := scene.Element(d.ElementID)
	if current == nil {
		// Element unknown locally, nothing to patch.
		return
	}
	merged, err := jsonpatch.MergePatch(mustMarshal(current), patch)
	if err != nil {
		panic(fmt.Sprintf("boardsync: apply merge patch: %v", err))
	}
	var next Element
	if err := json.Unmarshal(merged, &next); err != nil {
		panic(fmt.Sprintf("boardsync: decode patched element: %v", err))
	}
	scene.ReplaceElement(&next)
}

// DeltaRecorder collects the deltas produced by one reducer pass. A nil
// recorder discards everything, which is how non-capturing modes run the
// reducer.
type DeltaRecorder struct {
	deltas []*Delta
}

// NewDeltaRecorder creates an empty recorder.
func NewDeltaRecorder() *DeltaRecorder {
	return &DeltaRecorder{}
}

// RecordCreate records an element insertion.
func (r *DeltaRecorder) RecordCreate(e *Element) {
	if r == nil {
		return
	}
	r.deltas = append(r.deltas, &Delta{
		ElementID: e.ID,
		Kind:      DeltaCreate,
		Element:   e.Clone(),
	})
}

// RecordUpdate records a field-level change between two element revisions.
// No-op changes are dropped.
func (r *DeltaRecorder) RecordUpdate(before, after *Element) {
	if r == nil {
		return
	}
	d := newUpdateDelta(before, after)
	if d.isNoop() {
		return
	}
	r.deltas = append(r.deltas, d)
}

// RecordDelete records a soft delete.
func (r *DeltaRecorder) RecordDelete(id string) {
	if r == nil {
		return
	}
	r.deltas = append(r.deltas, &Delta{ElementID: id, Kind: DeltaDelete})
}

// RecordRestore records an un-delete.
func (r *DeltaRecorder) RecordRestore(id string) {
	if r == nil {
		return
	}
	r.deltas = append(r.deltas, &Delta{ElementID: id, Kind: DeltaRestore})
}

// Deltas returns the recorded deltas in order.
func (r *DeltaRecorder) Deltas() []*Delta {
	if r == nil {
		return nil
	}
	return r.deltas
}

// Empty reports whether nothing was recorded.
func (r *DeltaRecorder) Empty() bool {
	return r == nil || len(r.deltas) == 0
}
