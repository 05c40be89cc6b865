// Package router turns one inbound payload into its membership side-effect
// and a broadcast to the addressed room.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwrk-planet/chat-service/internal/broadcast"
	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/metrics"
	"github.com/cwrk-planet/chat-service/internal/room"
	"github.com/cwrk-planet/chat-service/pkg/logger"
)

// DefaultReconcileThreshold is the member count at which a room is checked
// for stale members before broadcasting.
const DefaultReconcileThreshold = 3

const tracerName = "github.com/cwrk-planet/chat-service/internal/router"

type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte, members []chat.Conn) broadcast.Result
}

type Config struct {
	ReconcileThreshold int
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

type Router struct {
	rooms     *room.Membership
	live      room.LivenessChecker
	bc        Broadcaster
	codec     chat.Codec
	threshold int
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

func New(rooms *room.Membership, live room.LivenessChecker, bc Broadcaster, codec chat.Codec, cfg Config, m *metrics.Metrics) *Router {
	if cfg.ReconcileThreshold <= 0 {
		cfg.ReconcileThreshold = DefaultReconcileThreshold
	}
	if codec == nil {
		codec = chat.JSONCodec{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Router{
		rooms:     rooms,
		live:      live,
		bc:        bc,
		codec:     codec,
		threshold: cfg.ReconcileThreshold,
		metrics:   m,
		tracer:    cfg.Tracer,
	}
}

// Route decodes raw from sender and delivers it to the addressed room.
//
// JOIN adds sender to the room first; LEAVE removes it after the broadcast so
// the leaver sees its own message. Any other type is forwarded unchanged.
// When the room holds at least the reconcile threshold of members, stale
// ones are pruned before the broadcast; below it they stay and simply fail
// their sends.
//
// A decode error wraps chat.ErrMalformedMessage and nothing is broadcast.
//
// Each call runs in its own "chat.route" span; the broadcaster logs under it.
func (r *Router) Route(ctx context.Context, sender chat.Conn, raw []byte) (res broadcast.Result, err error) {
	ctx, span := r.tracer.Start(ctx, "chat.route",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("chat.conn_id", sender.ID())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, "route failed")
		}
		span.End()
	}()

	msg, err := r.codec.Decode(raw)
	if err != nil {
		r.metrics.Malformed()
		return broadcast.Result{}, fmt.Errorf("route from %s: %w", sender.ID(), err)
	}
	r.metrics.MessageRouted(string(msg.Type), msg.Type.Known())
	span.SetAttributes(
		attribute.String("chat.room_id", msg.RoomID),
		attribute.String("chat.type", string(msg.Type)))

	rm := r.rooms.GetOrCreate(msg.RoomID)
	if msg.Type.IsJoin() {
		r.rooms.AddMember(msg.RoomID, sender)
		// AddMember retries on a fresh room if rm was collected meanwhile
		rm = r.rooms.GetOrCreate(msg.RoomID)
	}

	if rm.Len() >= r.threshold {
		r.rooms.Reconcile(msg.RoomID, r.live)
	}

	payload, err := r.codec.Encode(msg)
	if err != nil {
		return broadcast.Result{}, fmt.Errorf("route from %s: %w", sender.ID(), err)
	}

	// reconcile may have collected rm; read whatever room is current
	var members []chat.Conn
	if cur, ok := r.rooms.Lookup(msg.RoomID); ok {
		members = cur.Members()
	}
	res = r.bc.Broadcast(ctx, payload, members)
	span.SetAttributes(
		attribute.Int("chat.recipients", res.Recipients),
		attribute.Int("chat.failed", res.Failed))

	if msg.Type.IsLeave() {
		r.rooms.RemoveMember(msg.RoomID, sender)
	}

	args := []any{
		"room", msg.RoomID,
		"type", msg.Type,
		"conn_id", sender.ID(),
		"recipients", res.Recipients,
		"failed", res.Failed,
	}
	for _, a := range logger.AttrsFromCtx(ctx) {
		args = append(args, a)
	}
	slog.DebugContext(ctx, "message routed", args...)

	return res, nil
}
