package drawing

import (
	"sort"
	"time"
)

// ApplyClientOp is the Drawing State's single mutating entry point. Every
// invariant in the data model is enforced here and nowhere else.
func (s *State) ApplyClientOp(userID string, op *Op, nowMs int64) (ApplyResult, error) {
	switch op.Type {
	case OpStrokeStart:
		return s.applyStrokeStart(userID, op, nowMs)
	case OpStrokePoints:
		return s.applyStrokePoints(userID, op, nowMs)
	case OpStrokeEnd:
		return s.applyStrokeEnd(userID, op)
	case OpUndo:
		return s.applyUndo()
	case OpRedo:
		return s.applyRedo()
	default:
		return ApplyResult{}, ErrUnknownOpType
	}
}

func (s *State) applyStrokeStart(userID string, op *Op, nowMs int64) (ApplyResult, error) {
	if _, exists := s.strokes[op.StrokeID]; exists {
		return ApplyResult{}, ErrStrokeExists
	}
	stroke := &Stroke{
		ID:        op.StrokeID,
		UserID:    userID,
		Tool:      op.Tool,
		Color:     op.Color,
		Width:     op.Width,
		Points:    append([]Point(nil), op.Points...),
		Committed: false,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}
	s.strokes[stroke.ID] = stroke
	return ApplyResult{Broadcast: op}, nil
}

func (s *State) applyStrokePoints(userID string, op *Op, nowMs int64) (ApplyResult, error) {
	stroke, err := s.mutableOwned(op.StrokeID, userID)
	if err != nil {
		return ApplyResult{}, err
	}
	stroke.Points = append(stroke.Points, op.Points...)
	stroke.UpdatedAt = nowMs
	return ApplyResult{Broadcast: op}, nil
}

func (s *State) applyStrokeEnd(userID string, op *Op) (ApplyResult, error) {
	stroke, err := s.mutableOwned(op.StrokeID, userID)
	if err != nil {
		return ApplyResult{}, err
	}
	stroke.Committed = true
	s.committed.Insert(stroke.ID)
	s.committedOrder = append(s.committedOrder, stroke.ID)
	s.redoStack = nil
	s.undone.Delete(stroke.ID)
	return ApplyResult{Broadcast: op}, nil
}

// mutableOwned resolves a stroke for stroke_points/stroke_end: it must
// exist, be uncommitted, and belong to userID.
func (s *State) mutableOwned(strokeID, userID string) (*Stroke, error) {
	stroke, ok := s.strokes[strokeID]
	if !ok {
		return nil, ErrStrokeUnknown
	}
	if stroke.Committed {
		return nil, ErrStrokeCommitted
	}
	if stroke.UserID != userID {
		return nil, ErrNotOwner
	}
	return stroke, nil
}

// applyUndo scans committedOrder from the tail for the latest committed,
// not-yet-undone stroke, independent of who committed it or who is undoing.
func (s *State) applyUndo() (ApplyResult, error) {
	for i := len(s.committedOrder) - 1; i >= 0; i-- {
		id := s.committedOrder[i]
		if !s.committed.Has(id) || s.undone.Has(id) {
			continue
		}
		s.undone.Insert(id)
		s.redoStack = append(s.redoStack, id)
		return ApplyResult{Broadcast: &Op{Type: OpUndo, StrokeID: id}}, nil
	}
	return ApplyResult{NoOp: true}, nil
}

// applyRedo pops the redo stack until it finds an entry still eligible
// (committed and undone); stale entries beneath a commit are discarded.
func (s *State) applyRedo() (ApplyResult, error) {
	for len(s.redoStack) > 0 {
		last := len(s.redoStack) - 1
		id := s.redoStack[last]
		s.redoStack = s.redoStack[:last]
		if !s.committed.Has(id) || !s.undone.Has(id) {
			continue
		}
		s.undone.Delete(id)
		return ApplyResult{Broadcast: &Op{Type: OpRedo, StrokeID: id}}, nil
	}
	return ApplyResult{NoOp: true}, nil
}

// --- Views ---

// SnapshotView is the full scene sent to a joining client.
type SnapshotView struct {
	Committed  []*Stroke
	InProgress []*Stroke
	Undone     []string
}

// Snapshot produces the late-joiner sync payload.
func (s *State) Snapshot() SnapshotView {
	view := SnapshotView{Undone: s.undone.UnsortedList()}
	for _, stroke := range s.strokes {
		if stroke.Committed {
			view.Committed = append(view.Committed, stroke.clone())
		} else {
			view.InProgress = append(view.InProgress, stroke.clone())
		}
	}
	return view
}

// PersistedState is the on-disk snapshot shape. In-progress strokes are
// deliberately omitted; restart durability does not cover them.
type PersistedState struct {
	Seq            int64     `json:"seq"`
	Strokes        []*Stroke `json:"strokes"`
	Undone         []string  `json:"undone"`
	CommittedOrder []string  `json:"committedOrder"`
	RedoStack      []string  `json:"redoStack"`
}

// Persist produces the persistence view; seq is supplied by the caller (the
// owning Room) since seq lives at the Room/broadcast layer, not here.
func (s *State) Persist(seq int64) PersistedState {
	strokes := make([]*Stroke, 0, len(s.committedOrder))
	for _, id := range s.committedOrder {
		if stroke, ok := s.strokes[id]; ok {
			strokes = append(strokes, stroke.clone())
		}
	}
	return PersistedState{
		Seq:            seq,
		Strokes:        strokes,
		Undone:         s.undone.UnsortedList(),
		CommittedOrder: append([]string(nil), s.committedOrder...),
		RedoStack:      append([]string(nil), s.redoStack...),
	}
}

// Restore rehydrates a Drawing State from a persisted snapshot. Every
// restored stroke is committed by construction; the invariants are trusted
// from the file rather than re-derived (restoration does not re-validate
// invariants, by design — see the design notes on corrupted-but-parseable
// snapshots).
func Restore(p PersistedState) *State {
	s := New()
	for _, stroke := range p.Strokes {
		c := stroke.clone()
		c.Committed = true
		s.strokes[c.ID] = c
		s.committed.Insert(c.ID)
	}
	s.committedOrder = append([]string(nil), p.CommittedOrder...)
	s.undone.Insert(p.Undone...)
	s.redoStack = append([]string(nil), p.RedoStack...)
	s.seq = p.Seq
	return s
}

// NowMs is a small time helper kept on the package so callers (Room) do not
// each need to import time for this one conversion.
func NowMs() int64 { return time.Now().UnixMilli() }

// --- Mirror application (Client Reorder Buffer support) ---
//
// The methods below replicate ApplyClientOp's mutations for a consumer-side
// mirror that has already seen the server validate and broadcast the op:
// no ownership or existence errors are returned, matching §4.7's "no
// ownership rechecks are performed" rule.

// AdoptInProgress registers a stroke from a broadcast stroke_start without
// any uniqueness check — the mirror accepts it blindly, per §4.7.
func (s *State) AdoptInProgress(stroke *Stroke) {
	s.strokes[stroke.ID] = stroke.clone()
}

// AppendInProgressPoints appends points to an in-progress mirrored stroke.
// It reports false (logged and dropped by the caller) when there is no
// matching in-progress entry, which §4.7 notes is possible only near joins.
func (s *State) AppendInProgressPoints(strokeID string, points []Point) bool {
	stroke, ok := s.strokes[strokeID]
	if !ok || stroke.Committed {
		return false
	}
	stroke.Points = append(stroke.Points, points...)
	return true
}

// CommitMirrored freezes a mirrored stroke, mirroring stroke_end's effect
// on committed/committedOrder/redoStack/undone.
func (s *State) CommitMirrored(strokeID string) {
	stroke, ok := s.strokes[strokeID]
	if !ok {
		return
	}
	stroke.Committed = true
	s.committed.Insert(strokeID)
	s.committedOrder = append(s.committedOrder, strokeID)
	s.redoStack = nil
	s.undone.Delete(strokeID)
}

// MarkUndone mirrors an undo envelope's effect: the chosen id moves into
// undone and onto the redo stack.
func (s *State) MarkUndone(strokeID string) {
	s.undone.Insert(strokeID)
	s.redoStack = append(s.redoStack, strokeID)
}

// MarkRedone mirrors a redo envelope's effect: the chosen id leaves undone.
func (s *State) MarkRedone(strokeID string) {
	s.undone.Delete(strokeID)
	if len(s.redoStack) > 0 && s.redoStack[len(s.redoStack)-1] == strokeID {
		s.redoStack = s.redoStack[:len(s.redoStack)-1]
	}
}

// SortByCreation orders strokes by CreatedAt (ties broken by id) so a sync
// snapshot's unordered committed set can be replayed into a mirror in a
// deterministic, plausible commit order.
func SortByCreation(strokes []*Stroke) {
	sort.Slice(strokes, func(i, j int) bool {
		if strokes[i].CreatedAt != strokes[j].CreatedAt {
			return strokes[i].CreatedAt < strokes[j].CreatedAt
		}
		return strokes[i].ID < strokes[j].ID
	})
}
