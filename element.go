package boardsync

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ElementType identifies the kind of a board element.
type ElementType string

const (
	// ElementRectangle is an axis-aligned rectangle.
	ElementRectangle ElementType = "rectangle"
	// ElementEllipse is an ellipse inscribed in its bounding box.
	ElementEllipse ElementType = "ellipse"
	// ElementDiamond is a diamond inscribed in its bounding box.
	ElementDiamond ElementType = "diamond"
	// ElementLinear is a line or arrow defined by a point sequence.
	ElementLinear ElementType = "linear"
	// ElementFreehand is a freehand stroke defined by a point sequence.
	ElementFreehand ElementType = "freehand"
	// ElementText is a text label.
	ElementText ElementType = "text"
	// ElementImage is an embedded image reference.
	ElementImage ElementType = "image"
	// ElementFrame is a grouping frame.
	ElementFrame ElementType = "frame"
)

// ErrInvalidElement is returned when an element fails schema validation.
var ErrInvalidElement = fmt.Errorf("invalid element")

// Point is a single coordinate of a linear or freehand element.
type Point struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
}

// Element is one visual object on the board.
//
// Elements are value-replaced, never mutated in place: every mutation path
// produces a fresh copy so snapshots and deltas can safely alias older
// revisions. Version is assigned by the room on acceptance and is zero for
// elements that have never been synced. IsDeleted soft-deletes the element on
// clients; the id stays in the scene map so out-of-order delete and undo
// messages resolve without resurrecting stale state.
type Element struct {
	ID     string      `json:"id" bson:"_id"`
	Type   ElementType `json:"type" bson:"type"`
	X      float64     `json:"x" bson:"x"`
	Y      float64     `json:"y" bson:"y"`
	Width  float64     `json:"width" bson:"width"`
	Height float64     `json:"height" bson:"height"`

	// Points is set for linear and freehand elements only.
	Points []Point `json:"points,omitempty" bson:"points,omitempty"`

	StrokeColor string  `json:"strokeColor" bson:"stroke_color"`
	FillColor   string  `json:"fillColor" bson:"fill_color"`
	StrokeWidth float64 `json:"strokeWidth" bson:"stroke_width"`
	Roughness   float64 `json:"roughness" bson:"roughness"`
	Opacity     float64 `json:"opacity" bson:"opacity"`

	// Text carries the content of text elements.
	Text string `json:"text,omitempty" bson:"text,omitempty"`

	// Custom is an extension map for forward-compatible data the core does
	// not interpret.
	Custom map[string]interface{} `json:"custom,omitempty" bson:"custom,omitempty"`

	IsDeleted bool      `json:"isDeleted,omitempty" bson:"is_deleted"`
	Version   int64     `json:"version,omitempty" bson:"version"`
	Updated   time.Time `json:"updated,omitempty" bson:"updated"`
}

// NewElementID returns a new globally unique element id.
func NewElementID() string {
	return uuid.NewString()
}

// Clone returns a deep, independent copy of the element.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Points != nil {
		clone.Points = make([]Point, len(e.Points))
		copy(clone.Points, e.Points)
	}
	if e.Custom != nil {
		clone.Custom = make(map[string]interface{}, len(e.Custom))
		for k, v := range e.Custom {
			clone.Custom[k] = v
		}
	}
	return &clone
}

// Validate checks the element against the wire schema. It is applied to every
// element-bearing message before acceptance.
func (e *Element) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil element", ErrInvalidElement)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidElement)
	}
	switch e.Type {
	case ElementRectangle, ElementEllipse, ElementDiamond, ElementLinear,
		ElementFreehand, ElementText, ElementImage, ElementFrame:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidElement, e.Type)
	}
	for _, v := range []float64{e.X, e.Y, e.Width, e.Height, e.StrokeWidth, e.Roughness, e.Opacity} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite geometry", ErrInvalidElement)
		}
	}
	for _, p := range e.Points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("%w: non-finite point", ErrInvalidElement)
		}
	}
	return nil
}

// ElementPatch is a partial element update. Nil fields are left unchanged;
// Custom entries are merged key by key.
type ElementPatch struct {
	X           *float64               `json:"x,omitempty"`
	Y           *float64               `json:"y,omitempty"`
	Width       *float64               `json:"width,omitempty"`
	Height      *float64               `json:"height,omitempty"`
	Points      *[]Point               `json:"points,omitempty"`
	StrokeColor *string                `json:"strokeColor,omitempty"`
	FillColor   *string                `json:"fillColor,omitempty"`
	StrokeWidth *float64               `json:"strokeWidth,omitempty"`
	Roughness   *float64               `json:"roughness,omitempty"`
	Opacity     *float64               `json:"opacity,omitempty"`
	Text        *string                `json:"text,omitempty"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
}

// Apply returns a new element with the patch applied. The receiver element is
// not modified.
func (p ElementPatch) Apply(e *Element) *Element {
	next := e.Clone()
	if p.X != nil {
		next.X = *p.X
	}
	if p.Y != nil {
		next.Y = *p.Y
	}
	if p.Width != nil {
		next.Width = *p.Width
	}
	if p.Height != nil {
		next.Height = *p.Height
	}
	if p.Points != nil {
		next.Points = make([]Point, len(*p.Points))
		copy(next.Points, *p.Points)
	}
	if p.StrokeColor != nil {
		next.StrokeColor = *p.StrokeColor
	}
	if p.FillColor != nil {
		next.FillColor = *p.FillColor
	}
	if p.StrokeWidth != nil {
		next.StrokeWidth = *p.StrokeWidth
	}
	if p.Roughness != nil {
		next.Roughness = *p.Roughness
	}
	if p.Opacity != nil {
		next.Opacity = *p.Opacity
	}
	if p.Text != nil {
		next.Text = *p.Text
	}
	if len(p.Custom) > 0 {
		if next.Custom == nil {
			next.Custom = make(map[string]interface{}, len(p.Custom))
		}
		for k, v := range p.Custom {
			next.Custom[k] = v
		}
	}
	return next
}
