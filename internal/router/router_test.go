package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwrk-planet/chat-service/internal/broadcast"
	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/registry"
	"github.com/cwrk-planet/chat-service/internal/room"
)

type mockConn struct {
	id string

	mu       sync.Mutex
	closed   bool
	received []chat.Message
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return chat.ErrConnClosed
	}
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	m.received = append(m.received, msg)
	return nil
}

func (m *mockConn) Close(chat.CloseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) contents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.received))
	for _, msg := range m.received {
		var s string
		_ = json.Unmarshal(msg.Content, &s)
		out = append(out, s)
	}
	return out
}

type fixture struct {
	reg    *registry.Registry
	rooms  *room.Membership
	router *Router
}

func newFixture(threshold int) *fixture {
	reg := registry.New(nil)
	rooms := room.New()
	bc := broadcast.New(broadcast.Options{})
	return &fixture{
		reg:    reg,
		rooms:  rooms,
		router: New(rooms, reg, bc, chat.JSONCodec{}, Config{ReconcileThreshold: threshold}, nil),
	}
}

func (f *fixture) connect(id string) *mockConn {
	c := &mockConn{id: id}
	f.reg.Register(c)
	return c
}

func (f *fixture) disconnect(c *mockConn) {
	_ = c.Close(chat.CloseNormal)
	f.reg.Unregister(c)
}

func (f *fixture) send(t *testing.T, c *mockConn, typ chat.MessageType, roomID, content string) broadcast.Result {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":    typ,
		"roomId":  roomID,
		"sender":  c.id,
		"content": content,
	})
	require.NoError(t, err)

	res, err := f.router.Route(context.Background(), c, raw)
	require.NoError(t, err)
	return res
}

func (f *fixture) memberIDs(roomID string) []string {
	r, ok := f.rooms.Lookup(roomID)
	if !ok {
		return nil
	}
	return r.MemberIDs()
}

func TestRoute_JoinAddsSenderOnce(t *testing.T) {
	f := newFixture(DefaultReconcileThreshold)
	a := f.connect("a")

	f.send(t, a, chat.TypeJoin, "X", "")
	f.send(t, a, chat.TypeJoin, "X", "")

	assert.Equal(t, []string{"a"}, f.memberIDs("X"))
}

func TestRoute_TalkReachesAllMembers(t *testing.T) {
	f := newFixture(DefaultReconcileThreshold)
	a, b, outsider := f.connect("a"), f.connect("b"), f.connect("z")

	f.send(t, a, chat.TypeJoin, "X", "")
	f.send(t, b, chat.TypeJoin, "X", "")
	f.send(t, outsider, chat.TypeJoin, "Y", "")

	res := f.send(t, a, chat.TypeTalk, "X", "hi")

	assert.Equal(t, broadcast.Result{Recipients: 2, Delivered: 2}, res)
	assert.Equal(t, "hi", a.contents()[len(a.contents())-1])
	assert.Equal(t, "hi", b.contents()[len(b.contents())-1])
	assert.NotContains(t, outsider.contents(), "hi")
}

func TestRoute_TalkDoesNotJoin(t *testing.T) {
	f := newFixture(DefaultReconcileThreshold)
	a := f.connect("a")

	res := f.send(t, a, chat.TypeTalk, "X", "hi")

	assert.Zero(t, res.Recipients)
	assert.Empty(t, f.memberIDs("X"))
	_, ok := f.rooms.Lookup("X")
	assert.True(t, ok, "room is created on first reference")
}

func TestRoute_StaleMemberBelowThreshold(t *testing.T) {
	f := newFixture(DefaultReconcileThreshold)
	a, b := f.connect("a"), f.connect("b")
	f.send(t, a, chat.TypeJoin, "X", "")
	f.send(t, b, chat.TypeJoin, "X", "")

	f.disconnect(a)
	res := f.send(t, b, chat.TypeTalk, "X", "hi2")

	assert.Equal(t, broadcast.Result{Recipients: 2, Delivered: 1, Failed: 1}, res)
	assert.Contains(t, b.contents(), "hi2")
	assert.NotContains(t, a.contents(), "hi2")
	assert.Equal(t, []string{"a", "b"}, f.memberIDs("X"), "stale member kept below threshold")
}

func TestRoute_ReconcileAtThreshold(t *testing.T) {
	f := newFixture(DefaultReconcileThreshold)
	a, b, c := f.connect("a"), f.connect("b"), f.connect("c")
	f.send(t, a, chat.TypeJoin, "X", "")
	f.send(t, b, chat.TypeJoin, "X", "")
	f.disconnect(a)

	// the third join brings the room to the threshold and prunes a
	res := f.send(t, c, chat.TypeJoin, "X", "")

	assert.Equal(t, []string{"b", "c"}, f.memberIDs("X"))
	assert.Equal(t, broadcast.Result{Recipients: 2, Delivered: 2}, res)
}

func TestRoute_CustomThreshold(t *testing.T) {
	f := newFixture(1)
	a, b := f.connect("a"), f.connect("b")
	f.send(t, a, chat.TypeJoin, "X", "")
	f.send(t, b, chat.TypeJoin, "X", "")
	f.disconnect(a)

	res := f.send(t, b, chat.TypeTalk, "X", "hi")

	assert.Equal(t, []string{"b"}, f.memberIDs("X"))
	assert.Zero(t, res.Failed)
}

func TestRoute_LeaveBroadcastsThenRemoves(t *testing.T) {
	f := newFixture(DefaultReconcileThreshold)
	a, b := f.connect("a"), f.connect("b")
	f.send(t, a, chat.TypeJoin, "X", "")
	f.send(t, b, chat.TypeJoin, "X", "")

	res := f.send(t, a, chat.TypeLeave, "X", "bye")

	assert.Equal(t, 2, res.Delivered)
	assert.Contains(t, a.contents(), "bye")
	assert.Contains(t, b.contents(), "bye")
	assert.Equal(t, []string{"b"}, f.memberIDs("X"))
}

func TestRoute_UnknownTypeIsForwarded(t *testing.T) {
	f := newFixture(DefaultReconcileThreshold)
	a, b := f.connect("a"), f.connect("b")
	f.send(t, a, chat.TypeJoin, "X", "")
	f.send(t, b, chat.TypeJoin, "X", "")

	f.send(t, a, "TYPING", "X", "...")

	b.mu.Lock()
	last := b.received[len(b.received)-1]
	b.mu.Unlock()
	assert.Equal(t, chat.MessageType("TYPING"), last.Type)
	assert.Equal(t, "a", last.Sender)
	assert.Equal(t, []string{"a", "b"}, f.memberIDs("X"))
}

type spyBroadcaster struct {
	calls int
	ctx   context.Context
}

func (s *spyBroadcaster) Broadcast(ctx context.Context, _ []byte, members []chat.Conn) broadcast.Result {
	s.calls++
	s.ctx = ctx
	return broadcast.Result{Recipients: len(members), Delivered: len(members)}
}

func TestRoute_MalformedPayload(t *testing.T) {
	reg := registry.New(nil)
	rooms := room.New()
	spy := &spyBroadcaster{}
	r := New(rooms, reg, spy, nil, Config{}, nil)
	c := &mockConn{id: "c"}
	reg.Register(c)

	for _, raw := range []string{`not json`, `{"type":"TALK"}`, `{"roomId":"X"}`} {
		_, err := r.Route(context.Background(), c, []byte(raw))
		require.ErrorIs(t, err, chat.ErrMalformedMessage, raw)
	}

	assert.Zero(t, spy.calls)
	assert.Zero(t, rooms.Len())
}

func TestNew_Defaults(t *testing.T) {
	r := New(room.New(), registry.New(nil), &spyBroadcaster{}, nil, Config{}, nil)
	assert.Equal(t, DefaultReconcileThreshold, r.threshold)
	assert.IsType(t, chat.JSONCodec{}, r.codec)
}

func TestRoute_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := registry.New(nil)
	spy := &spyBroadcaster{}
	r := New(room.New(), reg, spy, nil, Config{Tracer: tp.Tracer("test")}, nil)
	c := &mockConn{id: "c"}
	reg.Register(c)

	_, err := r.Route(context.Background(), c, []byte(`{"type":"JOIN","roomId":"X"}`))
	require.NoError(t, err)
	_, err = r.Route(context.Background(), c, []byte(`{nope`))
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "chat.route", ok.Name())
	assert.Equal(t, trace.SpanKindServer, ok.SpanKind())
	assert.Contains(t, ok.Attributes(), attribute.String("chat.room_id", "X"))
	assert.Contains(t, ok.Attributes(), attribute.Int("chat.recipients", 1))
	assert.Equal(t, otelcodes.Unset, ok.Status().Code)

	// the broadcaster runs inside the route span so its logs carry trace ids
	sc := trace.SpanFromContext(spy.ctx).SpanContext()
	require.True(t, sc.IsValid())
	assert.Equal(t, ok.SpanContext().SpanID(), sc.SpanID())

	assert.Equal(t, otelcodes.Error, spans[1].Status().Code)
}
