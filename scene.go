package boardsync

// Scene holds the in-memory element collection of one client session plus the
// local selection and text-editing cursor state.
//
// Soft-deleted elements stay in the map; Elements skips them but keeps the
// insertion order of the rest stable. Selection entries are weak references:
// an id may point at a deleted element and consumers must treat a missing or
// deleted target as "nothing selected". Unknown ids are silent no-ops on every
// mutation, since concurrent delete/update races are expected.
type Scene struct {
	elements map[string]*Element
	order    []string
	selected map[string]struct{}
	editing  string
}

// NewScene creates an empty scene.
func NewScene() *Scene {
	return &Scene{
		elements: make(map[string]*Element),
		selected: make(map[string]struct{}),
	}
}

// AddElement inserts the element, replacing any existing entry with the same
// id. Replacing keeps the original insertion position.
func (s *Scene) AddElement(e *Element) {
	if e == nil || e.ID == "" {
		return
	}
	if _, ok := s.elements[e.ID]; !ok {
		s.order = append(s.order, e.ID)
	}
	s.elements[e.ID] = e
}

// UpdateElement applies a partial update to the element with the given id.
// The stored element is replaced wholesale, never mutated in place.
func (s *Scene) UpdateElement(id string, patch ElementPatch) {
	e, ok := s.elements[id]
	if !ok {
		return
	}
	s.elements[id] = patch.Apply(e)
}

// ReplaceElement swaps in a full element value for an existing id, or inserts
// it when absent. Used when merging remote state.
func (s *Scene) ReplaceElement(e *Element) {
	s.AddElement(e)
}

// DeleteElement marks the element deleted and drops it from the selection.
func (s *Scene) DeleteElement(id string) {
	e, ok := s.elements[id]
	if !ok || e.IsDeleted {
		return
	}
	next := e.Clone()
	next.IsDeleted = true
	s.elements[id] = next
	delete(s.selected, id)
	if s.editing == id {
		s.editing = ""
	}
}

// RestoreElement clears the deleted flag of a soft-deleted element.
func (s *Scene) RestoreElement(id string) {
	e, ok := s.elements[id]
	if !ok || !e.IsDeleted {
		return
	}
	next := e.Clone()
	next.IsDeleted = false
	s.elements[id] = next
}

// Element returns the element with the given id, deleted or not, or nil.
func (s *Scene) Element(id string) *Element {
	return s.elements[id]
}

// Elements returns the non-deleted elements in insertion order.
func (s *Scene) Elements() []*Element {
	out := make([]*Element, 0, len(s.order))
	for _, id := range s.order {
		if e := s.elements[id]; e != nil && !e.IsDeleted {
			out = append(out, e)
		}
	}
	return out
}

// AllElements returns every element including soft-deleted ones, in insertion
// order.
func (s *Scene) AllElements() []*Element {
	out := make([]*Element, 0, len(s.order))
	for _, id := range s.order {
		if e := s.elements[id]; e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Select replaces the selection with the given ids. Ids with no live element
// are kept as weak references and resolve to nothing.
func (s *Scene) Select(ids ...string) {
	s.selected = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.selected[id] = struct{}{}
	}
}

// SelectedIDs returns the selected ids in insertion order of the scene.
func (s *Scene) SelectedIDs() []string {
	out := make([]string, 0, len(s.selected))
	for _, id := range s.order {
		if _, ok := s.selected[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// SetEditing records the element currently being text-edited. An empty id
// clears it.
func (s *Scene) SetEditing(id string) {
	s.editing = id
}

// EditingID returns the id of the element being text-edited, or "".
func (s *Scene) EditingID() string {
	return s.editing
}

// Clone returns a deep, independent copy of the scene. Required before
// mutating a scene a history entry may still reference.
func (s *Scene) Clone() *Scene {
	clone := &Scene{
		elements: make(map[string]*Element, len(s.elements)),
		order:    make([]string, len(s.order)),
		selected: make(map[string]struct{}, len(s.selected)),
		editing:  s.editing,
	}
	copy(clone.order, s.order)
	for id, e := range s.elements {
		clone.elements[id] = e.Clone()
	}
	for id := range s.selected {
		clone.selected[id] = struct{}{}
	}
	return clone
}
