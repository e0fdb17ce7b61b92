package drawing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// wireOp is the raw shape of a client op as it arrives over the wire. All
// fields are optional pointers/zero-values so a malformed or partial payload
// decodes without erroring; ParseOp's normalize step does the real rejection.
type wireOp struct {
	Type     OpType      `json:"t"`
	StrokeID string      `json:"strokeId"`
	Tool     string      `json:"tool"`
	Color    string      `json:"color"`
	Width    json.Number `json:"width"`
	X        json.Number `json:"x"`
	Y        json.Number `json:"y"`
	Points   [][]json.Number `json:"points"`
}

// ParseOp decodes and validates an untrusted client op payload, per the
// contract table in the Op Validator component: stateless, no access to
// room state, clamps where the contract allows and rejects otherwise.
func ParseOp(raw []byte) (*Op, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var w wireOp
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("drawing: malformed op payload: %w", err)
	}
	return normalize(&w)
}

func normalize(w *wireOp) (*Op, error) {
	switch w.Type {
	case OpStrokeStart:
		return normalizeStrokeStart(w)
	case OpStrokePoints:
		return normalizeStrokePoints(w)
	case OpStrokeEnd:
		if w.StrokeID == "" {
			return nil, ErrEmptyStrokeID
		}
		return &Op{Type: OpStrokeEnd, StrokeID: w.StrokeID}, nil
	case OpUndo:
		return &Op{Type: OpUndo}, nil
	case OpRedo:
		return &Op{Type: OpRedo}, nil
	default:
		return nil, ErrUnknownOpType
	}
}

func normalizeStrokeStart(w *wireOp) (*Op, error) {
	if w.StrokeID == "" {
		return nil, ErrEmptyStrokeID
	}
	tool := Tool(w.Tool)
	if !tool.valid() {
		return nil, ErrUnknownTool
	}
	if w.Color == "" {
		return nil, ErrEmptyColor
	}
	width, err := clampWidth(w.Width)
	if err != nil {
		return nil, err
	}
	x, err := finiteFloat(w.X)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	y, err := finiteFloat(w.Y)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	return &Op{
		Type:     OpStrokeStart,
		StrokeID: w.StrokeID,
		Tool:     tool,
		Color:    w.Color,
		Width:    width,
		Points:   []Point{{X: x, Y: y}},
	}, nil
}

func normalizeStrokePoints(w *wireOp) (*Op, error) {
	if w.StrokeID == "" {
		return nil, ErrEmptyStrokeID
	}
	if len(w.Points) == 0 {
		return nil, ErrEmptyPoints
	}
	points := w.Points
	if len(points) > MaxPointsPerMessage {
		points = points[:MaxPointsPerMessage]
	}
	out := make([]Point, 0, len(points))
	for _, pair := range points {
		if len(pair) != 2 {
			return nil, ErrMalformedPoint
		}
		x, err := finiteFloat(pair[0])
		if err != nil {
			return nil, ErrMalformedPoint
		}
		y, err := finiteFloat(pair[1])
		if err != nil {
			return nil, ErrMalformedPoint
		}
		out = append(out, Point{X: x, Y: y})
	}
	return &Op{Type: OpStrokePoints, StrokeID: w.StrokeID, Points: out}, nil
}

// clampWidth enforces [MinWidth, MaxWidth], per the boundary behavior that
// 0.1 and 999 are stored as 1 and 64 respectively.
func clampWidth(n json.Number) (int, error) {
	f, err := finiteFloat(n)
	if err != nil {
		return 0, ErrInvalidWidth
	}
	rounded := int(math.Round(f))
	if rounded < MinWidth {
		return MinWidth, nil
	}
	if rounded > MaxWidth {
		return MaxWidth, nil
	}
	return rounded, nil
}

func finiteFloat(n json.Number) (float64, error) {
	if n == "" {
		return 0, ErrInvalidPoint
	}
	f, err := n.Float64()
	if err != nil {
		return 0, ErrInvalidPoint
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidPoint
	}
	return f, nil
}
