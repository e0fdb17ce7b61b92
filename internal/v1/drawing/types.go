// Package drawing implements the per-room drawing state machine: the stroke
// registry, committed history, undo/redo stacks, and the op validator that
// guards the door into it.
package drawing

import "k8s.io/utils/set"

// Tool identifies the drawing implement used for a stroke.
type Tool string

const (
	ToolBrush     Tool = "brush"
	ToolEraser    Tool = "eraser"
	ToolRectangle Tool = "rectangle"
	ToolCircle    Tool = "circle"
	ToolSquare    Tool = "square"
)

func (t Tool) valid() bool {
	switch t {
	case ToolBrush, ToolEraser, ToolRectangle, ToolCircle, ToolSquare:
		return true
	}
	return false
}

// MinWidth and MaxWidth bound a stroke's line width, per the validator contract.
const (
	MinWidth = 1
	MaxWidth = 64

	// MaxPointsPerMessage bounds the per-message work of a stroke_points op.
	MaxPointsPerMessage = 200
)

// Point is a single 2D sample on a stroke's path.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is the atomic unit of drawing history.
type Stroke struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Tool      Tool    `json:"tool"`
	Color     string  `json:"color"`
	Width     int     `json:"width"`
	Points    []Point `json:"points"`
	Committed bool    `json:"committed"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

// clone returns a deep copy, so callers outside the Drawing State can never
// mutate strokes through an aliased points slice.
func (s *Stroke) clone() *Stroke {
	c := *s
	c.Points = append([]Point(nil), s.Points...)
	return &c
}

// State is the per-room drawing aggregate described in the data model: the
// stroke registry plus the committed/undone/redo bookkeeping layered on top
// of it. On the server all op-driven mutation goes through ApplyClientOp;
// the mirror-application methods in state.go exist only for consumer-side
// replicas, and SetSeq only advances or restores the counter.
type State struct {
	strokes        map[string]*Stroke
	committed      set.Set[string]
	committedOrder []string
	undone         set.Set[string]
	redoStack      []string
	seq            int64
}

// New returns an empty Drawing State.
func New() *State {
	return &State{
		strokes:   make(map[string]*Stroke),
		committed: set.New[string](),
		undone:    set.New[string](),
	}
}

// Seq returns the last sequence number broadcast for this room's state.
func (s *State) Seq() int64 { return s.seq }

// SetSeq sets the sequence counter. The owning Room uses it to advance seq
// on each broadcast; Restore already carries a persisted snapshot's seq.
func (s *State) SetSeq(seq int64) { s.seq = seq }
