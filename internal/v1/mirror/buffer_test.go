package mirror

import (
	"testing"

	"github.com/drawsync/backend/internal/v1/drawing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncSetsExpectedSeq(t *testing.T) {
	b := New()
	b.Sync(4, nil, nil, nil)
	assert.Equal(t, int64(5), b.ExpectedSeq())
}

func TestOutOfOrderDeliveryDrainsContiguousRun(t *testing.T) {
	b := New()
	b.Sync(4, nil, nil, nil)
	require.Equal(t, int64(5), b.ExpectedSeq())

	env := func(seq int64, strokeID string) *Envelope {
		return &Envelope{Seq: seq, Op: &drawing.Op{Type: drawing.OpStrokeStart, StrokeID: strokeID, Tool: drawing.ToolBrush, Color: "red", Width: 1, Points: []drawing.Point{{X: 0, Y: 0}}}, By: "A"}
	}

	b.Apply(env(7, "s7"))
	assert.Equal(t, int64(5), b.ExpectedSeq(), "seq 7 arrives before 5: must buffer, not apply")

	b.Apply(env(6, "s6"))
	assert.Equal(t, int64(5), b.ExpectedSeq(), "seq 6 is still ahead of expected 5: must buffer")

	b.Apply(env(5, "s5"))
	assert.Equal(t, int64(8), b.ExpectedSeq(), "seq 5 arriving should drain 5, 6, 7 in order")

	snap := b.Mirror().Snapshot()
	ids := make(map[string]bool, len(snap.InProgress))
	for _, s := range snap.InProgress {
		ids[s.ID] = true
	}
	assert.True(t, ids["s5"])
	assert.True(t, ids["s6"])
	assert.True(t, ids["s7"])
}

func TestDuplicateOrPreSyncEnvelopeDiscarded(t *testing.T) {
	b := New()
	b.Sync(10, nil, nil, nil)

	b.Apply(&Envelope{Seq: 9, Op: &drawing.Op{Type: drawing.OpUndo}})
	assert.Equal(t, int64(11), b.ExpectedSeq())
}

func TestStrokePointsWithoutInProgressEntryIsDroppedNotFatal(t *testing.T) {
	b := New()
	b.Sync(0, nil, nil, nil)

	b.Apply(&Envelope{Seq: 1, Op: &drawing.Op{Type: drawing.OpStrokePoints, StrokeID: "ghost", Points: []drawing.Point{{X: 1, Y: 1}}}})
	assert.Equal(t, int64(2), b.ExpectedSeq())
}

func TestRestartDurabilitySyncScenario(t *testing.T) {
	b := New()
	committed := []*drawing.Stroke{
		{ID: "X", Committed: true, CreatedAt: 1},
		{ID: "Y", Committed: true, CreatedAt: 2},
		{ID: "Z", Committed: true, CreatedAt: 3},
	}
	b.Sync(12, committed, nil, []string{"Y"})

	assert.Equal(t, int64(13), b.ExpectedSeq())
}
