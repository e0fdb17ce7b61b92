// Package room implements the Room and Rooms Manager: membership, color
// assignment, the monotonic sequence counter, and the throttled persistence
// trigger that binds one Drawing State to one room id.
package room

import (
	"sync"
	"time"

	"github.com/drawsync/backend/internal/v1/drawing"
	"github.com/drawsync/backend/internal/v1/metrics"
	"github.com/drawsync/backend/internal/v1/store"
)

// Mode is a connected user's write permission in a room.
type Mode string

const (
	ModeEdit Mode = "edit"
	ModeView Mode = "view"
)

// persistInterval is the throttle window for maybePersist, per the data model.
const persistInterval = 2000 * time.Millisecond

// palette is the fixed ten-color sweep used to assign a distinct color to
// each new user before falling back to a random entry.
var palette = [10]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// User is a connected room member.
type User struct {
	ConnID      string
	UserID      string
	DisplayName string
	Color       string
	Mode        Mode
}

// Room binds one Drawing State to a room id plus membership and the
// sequence counter. All exported methods are safe for concurrent use; the
// lock is held only over in-memory bookkeeping, never across disk I/O (see
// maybePersist).
type Room struct {
	ID string

	mu           sync.Mutex
	state        *drawing.State
	users        map[string]*User // keyed by connID
	lastPersist  time.Time
	dirty        bool
	store        *store.Store
}

// New constructs an empty room, or one seeded from a persisted snapshot
// when the store has one (the Rooms Manager is responsible for calling
// store.Load and passing the result in).
func New(id string, st *store.Store, snapshot drawing.PersistedState, hadSnapshot bool) *Room {
	var ds *drawing.State
	if hadSnapshot {
		ds = drawing.Restore(snapshot)
	} else {
		ds = drawing.New()
	}
	return &Room{
		ID:    id,
		state: ds,
		users: make(map[string]*User),
		store: st,
	}
}

// AddUser registers a new connection, assigning it the first unused palette
// color, falling back to a random palette entry when all ten are taken.
func (r *Room) AddUser(connID, userID, displayName string, mode Mode) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := &User{
		ConnID:      connID,
		UserID:      userID,
		DisplayName: displayName,
		Color:       r.assignColorLocked(),
		Mode:        mode,
	}
	r.users[connID] = u
	metrics.RoomParticipants.WithLabelValues(r.ID).Set(float64(len(r.users)))
	return u
}

func (r *Room) assignColorLocked() string {
	used := make(map[string]bool, len(r.users))
	for _, u := range r.users {
		used[u.Color] = true
	}
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	return palette[time.Now().UnixNano()%int64(len(palette))]
}

// RemoveUser drops a connection from the membership table.
func (r *Room) RemoveUser(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, connID)
	metrics.RoomParticipants.WithLabelValues(r.ID).Set(float64(len(r.users)))
}

// UserCount reports the number of currently connected members.
func (r *Room) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// User looks up a connection's membership record.
func (r *Room) User(connID string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[connID]
	return u, ok
}

// Users returns a snapshot copy of the current membership list.
func (r *Room) Users() []*User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		cp := *u
		out = append(out, &cp)
	}
	return out
}

// Seq returns the room's current sequence counter.
func (r *Room) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Seq()
}

// ApplyOp runs a validated client op through the Drawing State under the
// room's lock, bumping seq only when the result actually broadcasts — this
// is the broadcast-gating rule from the data model: a suppressed no-op
// never advances seq and never schedules a persist.
func (r *Room) ApplyOp(userID string, op *drawing.Op) (envelope *Envelope, noOp bool, err error) {
	r.mu.Lock()
	res, err := r.state.ApplyClientOp(userID, op, drawing.NowMs())
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}
	if res.NoOp {
		r.mu.Unlock()
		return nil, true, nil
	}
	r.state.SetSeq(r.state.Seq() + 1)
	seq := r.state.Seq()
	r.dirty = true
	r.mu.Unlock()

	return &Envelope{
		Seq: seq,
		Op:  res.Broadcast,
		By:  userID,
		Ts:  drawing.NowMs(),
	}, false, nil
}

// Snapshot returns the Drawing State's sync-snapshot view along with the
// current seq, for the join handshake.
func (r *Room) Snapshot() (drawing.SnapshotView, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Snapshot(), r.state.Seq()
}

// MaybePersist snapshots and writes the Drawing State if at least
// persistInterval has elapsed since the last successful persist. The lock
// is held only to materialize the snapshot value; the write itself happens
// after release, per the concurrency model's "copy under lock, write
// outside it" rule.
func (r *Room) MaybePersist() {
	r.mu.Lock()
	if !r.dirty || time.Since(r.lastPersist) < persistInterval {
		r.mu.Unlock()
		return
	}
	snapshot := r.state.Persist(r.state.Seq())
	r.mu.Unlock()

	if err := r.store.Save(r.ID, snapshot); err != nil {
		return
	}

	r.mu.Lock()
	r.lastPersist = time.Now()
	r.dirty = false
	r.mu.Unlock()
}

// ForcePersist writes the current state unconditionally, bypassing the
// throttle. Used only on full server shutdown to flush dirty rooms; room
// eviction on last-user-leave deliberately does not call this (see the
// Rooms Manager's cleanup, and the design notes on unforced final persist).
func (r *Room) ForcePersist() {
	r.mu.Lock()
	snapshot := r.state.Persist(r.state.Seq())
	dirty := r.dirty
	r.mu.Unlock()
	if !dirty {
		return
	}
	if err := r.store.Save(r.ID, snapshot); err != nil {
		return
	}
	r.mu.Lock()
	r.lastPersist = time.Now()
	r.dirty = false
	r.mu.Unlock()
}

// Envelope is the sequenced broadcast unit fanned out to room members.
type Envelope struct {
	Seq int64       `json:"seq"`
	Op  *drawing.Op `json:"op"`
	By  string      `json:"by"`
	Ts  int64       `json:"ts"`
}
