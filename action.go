package boardsync

// Action is a tagged description of one scene mutation the user or the system
// wants to perform.
type Action interface {
	isAction()
}

// AddElement inserts a new element into the scene.
type AddElement struct {
	Element *Element
}

// UpdateElement applies a partial field update to an existing element.
type UpdateElement struct {
	ID    string
	Patch ElementPatch
}

// DeleteElement soft-deletes an element.
type DeleteElement struct {
	ID string
}

// RestoreElement clears the deleted flag of a soft-deleted element.
type RestoreElement struct {
	ID string
}

// SelectElements replaces the selection. Selection changes never enter
// history.
type SelectElements struct {
	IDs []string
}

// SetEditingElement marks the element being text-edited, or clears it when ID
// is empty. Never enters history.
type SetEditingElement struct {
	ID string
}

func (AddElement) isAction()        {}
func (UpdateElement) isAction()     {}
func (DeleteElement) isAction()     {}
func (RestoreElement) isAction()    {}
func (SelectElements) isAction()    {}
func (SetEditingElement) isAction() {}

// Reduce applies one action to a scene and returns the resulting scene. The
// input scene is never mutated; callers keep it for rollback. When rec is
// non-nil the inverse delta needed to undo exactly this action is recorded.
//
// Reduce is deterministic: the same (scene, action) pair always yields the
// same result, independent of wall-clock time, so resync and replay stay
// tractable. Unknown element ids are silent no-ops.
func Reduce(scene *Scene, action Action, rec *DeltaRecorder) *Scene {
	next := scene.Clone()
	switch a := action.(type) {
	case AddElement:
		if a.Element == nil || a.Element.ID == "" {
			return next
		}
		e := a.Element.Clone()
		next.AddElement(e)
		rec.RecordCreate(e)

	case UpdateElement:
		before := next.Element(a.ID)
		if before == nil || before.IsDeleted {
			return next
		}
		next.UpdateElement(a.ID, a.Patch)
		rec.RecordUpdate(before, next.Element(a.ID))

	case DeleteElement:
		e := next.Element(a.ID)
		if e == nil || e.IsDeleted {
			return next
		}
		next.DeleteElement(a.ID)
		rec.RecordDelete(a.ID)

	case RestoreElement:
		e := next.Element(a.ID)
		if e == nil || !e.IsDeleted {
			return next
		}
		next.RestoreElement(a.ID)
		rec.RecordRestore(a.ID)

	case SelectElements:
		next.Select(a.IDs...)

	case SetEditingElement:
		next.SetEditing(a.ID)
	}
	return next
}
