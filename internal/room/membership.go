// Package room maps room ids to their member connections.
//
// Rooms are created on first reference and, unless empty-room collection is
// enabled, never removed. Members that have disconnected stay in a room
// until Reconcile (or Forget, when connection tracking is on) removes them.
package room

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/metrics"
)

// LivenessChecker answers whether a connection is still live.
type LivenessChecker interface {
	IsLive(c chat.Conn) bool
}

type Option func(*Membership)

// WithEmptyRoomCollection drops a room once it has no members left after a
// reconcile, leave or forget.
func WithEmptyRoomCollection() Option {
	return func(m *Membership) { m.collectEmpty = true }
}

// WithConnTracking keeps a per-connection index of joined rooms so Forget
// does not have to scan every room.
func WithConnTracking() Option {
	return func(m *Membership) { m.joined = make(map[string]map[string]struct{}) }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Membership) { m.metrics = mt }
}

type Membership struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	idxMu  sync.Mutex
	joined map[string]map[string]struct{} // connID -> roomIDs; nil when tracking is off

	collectEmpty bool
	metrics      *metrics.Metrics
}

func New(opts ...Option) *Membership {
	m := &Membership{rooms: make(map[string]*Room)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the room for id, creating an empty one if needed.
func (m *Membership) GetOrCreate(id string) *Room {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	r, ok = m.rooms[id]
	if !ok {
		r = newRoom(id)
		m.rooms[id] = r
	}
	n := len(m.rooms)
	m.mu.Unlock()

	if !ok {
		m.metrics.SetRooms(n)
	}
	return r
}

// Lookup returns the room for id without creating it.
func (m *Membership) Lookup(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// AddMember adds c to room id. It reports false when c was already a member.
func (m *Membership) AddMember(id string, c chat.Conn) bool {
	for {
		added, alive := m.GetOrCreate(id).add(c)
		if !alive {
			// lost a race with collection; the next GetOrCreate makes a fresh room
			continue
		}
		if added {
			m.index(c.ID(), id)
		}
		return added
	}
}

// RemoveMember drops c from room id. Unknown rooms and members are ignored.
func (m *Membership) RemoveMember(id string, c chat.Conn) bool {
	r, ok := m.Lookup(id)
	if !ok {
		return false
	}
	removed := r.remove(c)
	if removed {
		m.unindex(c.ID(), id)
		m.collect(r)
	}
	return removed
}

// Reconcile removes every member of room id that live no longer reports as
// live, and returns how many were removed. Unknown rooms are left alone.
func (m *Membership) Reconcile(id string, live LivenessChecker) int {
	r, ok := m.Lookup(id)
	if !ok {
		return 0
	}

	stale := r.prune(live)
	for _, c := range stale {
		m.unindex(c.ID(), id)
	}
	m.metrics.Reconciled(len(stale))
	if len(stale) > 0 {
		slog.Debug("room reconciled", "room", id, "pruned", len(stale), "members", r.Len())
	}
	m.collect(r)
	return len(stale)
}

// Forget removes c from every room it belongs to and returns how many rooms
// it left. It is meant to run when the connection closes.
func (m *Membership) Forget(c chat.Conn) int {
	left := 0
	for _, r := range m.roomsOf(c) {
		if r.remove(c) {
			left++
			m.collect(r)
		}
	}

	if m.joined != nil {
		m.idxMu.Lock()
		delete(m.joined, c.ID())
		m.idxMu.Unlock()
	}
	return left
}

// Len returns the number of rooms held.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

type Stats struct {
	RoomID  string `json:"room_id"`
	Members int    `json:"members"`
}

// Stats lists every room with its member count, ordered by room id.
func (m *Membership) Stats() []Stats {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, Stats{RoomID: r.ID(), Members: r.Len()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (m *Membership) roomsOf(c chat.Conn) []*Room {
	if m.joined == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()

		var out []*Room
		for _, r := range m.rooms {
			if r.Has(c) {
				out = append(out, r)
			}
		}
		return out
	}

	m.idxMu.Lock()
	ids := make([]string, 0, len(m.joined[c.ID()]))
	for id := range m.joined[c.ID()] {
		ids = append(ids, id)
	}
	m.idxMu.Unlock()

	out := make([]*Room, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.Lookup(id); ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *Membership) index(connID, roomID string) {
	if m.joined == nil {
		return
	}
	m.idxMu.Lock()
	defer m.idxMu.Unlock()

	set, ok := m.joined[connID]
	if !ok {
		set = make(map[string]struct{})
		m.joined[connID] = set
	}
	set[roomID] = struct{}{}
}

func (m *Membership) unindex(connID, roomID string) {
	if m.joined == nil {
		return
	}
	m.idxMu.Lock()
	defer m.idxMu.Unlock()

	set, ok := m.joined[connID]
	if !ok {
		return
	}
	delete(set, roomID)
	if len(set) == 0 {
		delete(m.joined, connID)
	}
}

// collect drops r when it is empty and collection is enabled. The room is
// marked dead under both locks so a concurrent AddMember retries on a new room.
func (m *Membership) collect(r *Room) {
	if !m.collectEmpty {
		return
	}

	m.mu.Lock()
	if m.rooms[r.id] != r {
		m.mu.Unlock()
		return
	}
	r.mu.Lock()
	if len(r.members) > 0 {
		r.mu.Unlock()
		m.mu.Unlock()
		return
	}
	r.dead = true
	r.mu.Unlock()
	delete(m.rooms, r.id)
	n := len(m.rooms)
	m.mu.Unlock()

	m.metrics.SetRooms(n)
	slog.Debug("room collected", "room", r.id)
}
