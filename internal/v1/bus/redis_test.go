package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPublishAndSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan CursorEvent, 1)
	svc.Subscribe(ctx, "room-1", wg, func(e CursorEvent) { received <- e })

	time.Sleep(50 * time.Millisecond)

	err := svc.Publish(ctx, CursorEvent{RoomID: "room-1", UserID: "u1", X: 1, Y: 2})
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, "u1", e.UserID)
		assert.Equal(t, 1.0, e.X)
		assert.Equal(t, 2.0, e.Y)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cursor event")
	}

	cancel()
	wg.Wait()
}

func TestNilServiceIsSafeNoOp(t *testing.T) {
	var svc *Service
	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Publish(context.Background(), CursorEvent{RoomID: "x"}))
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())
}

func TestPingAfterRedisDownReturnsError(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	err := svc.Ping(context.Background())
	assert.Error(t, err)
}

func TestPublishDegradesGracefullyWhenCircuitOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	mr.Close()

	for i := 0; i < 10; i++ {
		_ = svc.Publish(context.Background(), CursorEvent{RoomID: "room-1"})
	}

	// Whether open or still closed-but-erroring, Publish must never panic
	// and callers must be able to proceed regardless.
	err := svc.Publish(context.Background(), CursorEvent{RoomID: "room-1"})
	_ = err
}
