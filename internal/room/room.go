package room

import (
	"sort"
	"sync"

	"github.com/cwrk-planet/chat-service/internal/chat"
)

// Room is a named set of member connections guarded by its own lock, so
// traffic in one room never waits on another.
type Room struct {
	id string

	mu      sync.RWMutex
	members map[string]chat.Conn // connID -> conn
	dead    bool                 // dropped from Membership; reject new members
}

func newRoom(id string) *Room {
	return &Room{id: id, members: make(map[string]chat.Conn)}
}

func (r *Room) ID() string { return r.id }

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) Has(c chat.Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.members[c.ID()]
	return ok && cur == c
}

// Members returns a snapshot of the member set.
func (r *Room) Members() []chat.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chat.Conn, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

// MemberIDs returns the sorted member ids.
func (r *Room) MemberIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// add reports whether c was newly added and whether the room still accepts
// members.
func (r *Room) add(c chat.Conn) (added, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead {
		return false, false
	}
	if cur, ok := r.members[c.ID()]; ok && cur == c {
		return false, true
	}
	r.members[c.ID()] = c
	return true, true
}

func (r *Room) remove(c chat.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.members[c.ID()]
	if !ok || cur != c {
		return false
	}
	delete(r.members, c.ID())
	return true
}

func (r *Room) prune(live LivenessChecker) []chat.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []chat.Conn
	for id, c := range r.members {
		if !live.IsLive(c) {
			delete(r.members, id)
			stale = append(stale, c)
		}
	}
	return stale
}
