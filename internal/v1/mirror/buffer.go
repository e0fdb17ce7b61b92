// Package mirror implements the Client Reorder Buffer: it buffers
// out-of-order envelopes until a contiguous run of sequence numbers
// arrives, then applies them to a local mirror of the Drawing State.
//
// This runs on the consumer side of the protocol. In this repository it
// exists as a reusable library (rather than browser-side code) so the
// reordering and mirror-application logic can be tested against the exact
// envelope shapes the Session Dispatcher emits, and so a Go client/bot
// consuming the service has a correct reference implementation.
package mirror

import (
	"log/slog"

	"github.com/drawsync/backend/internal/v1/drawing"
)

// Envelope is the sequenced broadcast unit, matching the wire shape the
// Session Dispatcher emits on the `op` event: `{seq, op, by, ts}`.
type Envelope struct {
	Seq int64       `json:"seq"`
	Op  *drawing.Op `json:"op"`
	By  string      `json:"by"`
	Ts  int64       `json:"ts"`
}

// Buffer holds expectedSeq and a sparse map of buffered envelopes, plus the
// local mirror they get applied to.
type Buffer struct {
	expectedSeq int64
	pending     map[int64]*Envelope
	mirror      *drawing.State
}

// New returns an empty buffer; call Sync once a sync snapshot arrives
// before feeding it envelopes.
func New() *Buffer {
	return &Buffer{pending: make(map[int64]*Envelope)}
}

// ExpectedSeq reports the next sequence number the buffer is waiting for.
func (b *Buffer) ExpectedSeq() int64 { return b.expectedSeq }

// Mirror exposes the local Drawing State mirror, for rendering.
func (b *Buffer) Mirror() *drawing.State { return b.mirror }

// Sync resets the buffer from a sync snapshot: expectedSeq becomes
// sync.seq + 1, any buffered envelopes are discarded, and the mirror is
// replaced with the snapshot's committed/in-progress/undone state.
func (b *Buffer) Sync(seq int64, committed, inProgress []*drawing.Stroke, undone []string) {
	b.expectedSeq = seq + 1
	b.pending = make(map[int64]*Envelope)

	persisted := drawing.PersistedState{
		Seq:            seq,
		Strokes:        committed,
		Undone:         undone,
		CommittedOrder: committedOrderFrom(committed),
	}
	mirror := drawing.Restore(persisted)
	for _, s := range inProgress {
		mirror.AdoptInProgress(s)
	}
	b.mirror = mirror
}

// committedOrderFrom derives a stable commit order for a sync snapshot,
// which arrives as an unordered set (per the Snapshot view's contract:
// "any order"). CreatedAt is the best available tiebreaker; ties fall back
// to id for determinism.
func committedOrderFrom(strokes []*drawing.Stroke) []string {
	ordered := append([]*drawing.Stroke(nil), strokes...)
	drawing.SortByCreation(ordered)
	ids := make([]string, len(ordered))
	for i, s := range ordered {
		ids[i] = s.ID
	}
	return ids
}

// Apply feeds one arriving envelope to the buffer. Envelopes with seq below
// expectedSeq are discarded as duplicates or pre-sync leftovers; envelopes
// ahead of expectedSeq are buffered; the envelope that matches expectedSeq
// is applied immediately and then the buffer drains any contiguous run
// that follows it.
func (b *Buffer) Apply(env *Envelope) {
	switch {
	case env.Seq < b.expectedSeq:
		return
	case env.Seq > b.expectedSeq:
		b.pending[env.Seq] = env
		return
	default:
		b.applyOne(env)
		b.drain()
	}
}

func (b *Buffer) drain() {
	for {
		next, ok := b.pending[b.expectedSeq]
		if !ok {
			return
		}
		delete(b.pending, b.expectedSeq)
		b.applyOne(next)
	}
}

// applyOne mirrors §4.2's semantics exactly, except ownership rechecks are
// skipped: the server already validated the op before broadcasting it.
func (b *Buffer) applyOne(env *Envelope) {
	if env.Op != nil {
		switch env.Op.Type {
		case drawing.OpStrokeStart:
			b.mirror.AdoptInProgress(&drawing.Stroke{
				ID:     env.Op.StrokeID,
				UserID: env.By,
				Tool:   env.Op.Tool,
				Color:  env.Op.Color,
				Width:  env.Op.Width,
				Points: append([]drawing.Point(nil), env.Op.Points...),
			})
		case drawing.OpStrokePoints:
			if !b.mirror.AppendInProgressPoints(env.Op.StrokeID, env.Op.Points) {
				slog.Warn("mirror: stroke_points for unknown in-progress stroke, dropping", "strokeId", env.Op.StrokeID)
			}
		case drawing.OpStrokeEnd:
			b.mirror.CommitMirrored(env.Op.StrokeID)
		case drawing.OpUndo:
			b.mirror.MarkUndone(env.Op.StrokeID)
		case drawing.OpRedo:
			b.mirror.MarkRedone(env.Op.StrokeID)
		}
	}
	b.expectedSeq++
}
