package room

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/chat-service/internal/chat"
)

type stubConn struct{ id string }

func (s *stubConn) ID() string                         { return s.id }
func (s *stubConn) Send(context.Context, []byte) error { return nil }
func (s *stubConn) Close(chat.CloseStatus) error       { return nil }

// liveSet is a LivenessChecker over a fixed set of connections.
type liveSet map[chat.Conn]bool

func (l liveSet) IsLive(c chat.Conn) bool { return l[c] }

type allLive struct{}

func (allLive) IsLive(chat.Conn) bool { return true }

func TestMembership_GetOrCreate(t *testing.T) {
	m := New()

	r1 := m.GetOrCreate("X")
	r2 := m.GetOrCreate("X")

	require.NotNil(t, r1)
	assert.Same(t, r1, r2)
	assert.Equal(t, "X", r1.ID())
	assert.Equal(t, 0, r1.Len())
	assert.Equal(t, 1, m.Len())
}

func TestMembership_LookupDoesNotCreate(t *testing.T) {
	m := New()

	_, ok := m.Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMembership_AddMemberIsIdempotent(t *testing.T) {
	m := New()
	a := &stubConn{id: "a"}

	assert.True(t, m.AddMember("X", a))
	assert.False(t, m.AddMember("X", a))

	r, _ := m.Lookup("X")
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Has(a))
}

func TestMembership_ConnInManyRooms(t *testing.T) {
	m := New()
	a := &stubConn{id: "a"}

	m.AddMember("X", a)
	m.AddMember("Y", a)

	x, _ := m.Lookup("X")
	y, _ := m.Lookup("Y")
	assert.True(t, x.Has(a))
	assert.True(t, y.Has(a))
}

func TestMembership_Reconcile(t *testing.T) {
	a, b, c := &stubConn{id: "a"}, &stubConn{id: "b"}, &stubConn{id: "c"}

	t.Run("removes exactly the stale members", func(t *testing.T) {
		m := New()
		for _, conn := range []chat.Conn{a, b, c} {
			m.AddMember("X", conn)
		}

		pruned := m.Reconcile("X", liveSet{b: true})

		assert.Equal(t, 2, pruned)
		r, _ := m.Lookup("X")
		assert.Equal(t, []string{"b"}, r.MemberIDs())
	})

	t.Run("all live is a no-op", func(t *testing.T) {
		m := New()
		m.AddMember("X", a)
		m.AddMember("X", b)

		pruned := m.Reconcile("X", liveSet{a: true, b: true})

		assert.Zero(t, pruned)
		r, _ := m.Lookup("X")
		assert.Equal(t, []string{"a", "b"}, r.MemberIDs())
	})

	t.Run("unknown room is not created", func(t *testing.T) {
		m := New()
		assert.Zero(t, m.Reconcile("X", liveSet{}))
		assert.Equal(t, 0, m.Len())
	})

	t.Run("empty room is kept by default", func(t *testing.T) {
		m := New()
		m.AddMember("X", a)
		m.Reconcile("X", liveSet{})

		r, ok := m.Lookup("X")
		require.True(t, ok)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("empty room is collected when enabled", func(t *testing.T) {
		m := New(WithEmptyRoomCollection())
		m.AddMember("X", a)
		m.Reconcile("X", liveSet{})

		_, ok := m.Lookup("X")
		assert.False(t, ok)
	})
}

func TestMembership_RemoveMember(t *testing.T) {
	m := New()
	a, b := &stubConn{id: "a"}, &stubConn{id: "b"}
	m.AddMember("X", a)
	m.AddMember("X", b)

	assert.True(t, m.RemoveMember("X", a))
	assert.False(t, m.RemoveMember("X", a))
	assert.False(t, m.RemoveMember("nope", a))

	r, _ := m.Lookup("X")
	assert.Equal(t, []string{"b"}, r.MemberIDs())
}

func TestMembership_Forget(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{name: "scan"},
		{name: "tracked", opts: []Option{WithConnTracking()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := New(tc.opts...)
			a, b := &stubConn{id: "a"}, &stubConn{id: "b"}
			m.AddMember("X", a)
			m.AddMember("Y", a)
			m.AddMember("Y", b)
			m.GetOrCreate("Z")

			assert.Equal(t, 2, m.Forget(a))
			assert.Equal(t, 0, m.Forget(a))

			x, _ := m.Lookup("X")
			y, _ := m.Lookup("Y")
			assert.Equal(t, 0, x.Len())
			assert.Equal(t, []string{"b"}, y.MemberIDs())
		})
	}
}

func TestMembership_TrackingFollowsReconcile(t *testing.T) {
	m := New(WithConnTracking())
	a := &stubConn{id: "a"}
	m.AddMember("X", a)
	m.AddMember("Y", a)

	m.Reconcile("X", liveSet{})

	m.idxMu.Lock()
	rooms := m.joined["a"]
	m.idxMu.Unlock()
	assert.Equal(t, map[string]struct{}{"Y": {}}, rooms)
}

func TestMembership_CollectedRoomIsRecreated(t *testing.T) {
	m := New(WithEmptyRoomCollection())
	a, b := &stubConn{id: "a"}, &stubConn{id: "b"}

	m.AddMember("X", a)
	old, _ := m.Lookup("X")
	m.RemoveMember("X", a)

	assert.True(t, m.AddMember("X", b))
	fresh, ok := m.Lookup("X")
	require.True(t, ok)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, []string{"b"}, fresh.MemberIDs())
}

func TestMembership_Stats(t *testing.T) {
	m := New()
	m.AddMember("b", &stubConn{id: "1"})
	m.AddMember("a", &stubConn{id: "1"})
	m.AddMember("a", &stubConn{id: "2"})

	assert.Equal(t, []Stats{
		{RoomID: "a", Members: 2},
		{RoomID: "b", Members: 1},
	}, m.Stats())
}

func TestMembership_ConcurrentRooms(t *testing.T) {
	m := New(WithEmptyRoomCollection(), WithConnTracking())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &stubConn{id: fmt.Sprintf("c%d", i)}
			room := fmt.Sprintf("r%d", i%4)
			for j := 0; j < 50; j++ {
				m.AddMember(room, c)
				m.Reconcile(room, allLive{})
				m.Forget(c)
			}
			m.AddMember(room, c)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, s := range m.Stats() {
		total += s.Members
	}
	assert.Equal(t, 20, total)
}
