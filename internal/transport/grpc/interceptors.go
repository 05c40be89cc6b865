package grpcx

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cwrk-planet/chat-service/pkg/logger"
)

const tracerName = "github.com/cwrk-planet/chat-service/internal/transport/grpc"

// callObserver wraps every call in a server span, turns panics into
// codes.Internal and logs the outcome. Health checks arrive constantly, so
// calls that end OK or Canceled log at debug.
type callObserver struct {
	tracer         trace.Tracer
	defaultTimeout time.Duration
}

func newCallObserver(defaultTimeout time.Duration) *callObserver {
	return &callObserver{tracer: otel.Tracer(tracerName), defaultTimeout: defaultTimeout}
}

func (o *callObserver) unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	if _, ok := ctx.Deadline(); !ok && o.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.defaultTimeout)
		defer cancel()
	}
	ctx, finish := o.begin(ctx, info.FullMethod)
	defer func() { finish(recover(), &err) }()
	return handler(ctx, req)
}

// stream leaves the deadline to the caller: Watch is meant to stay open.
func (o *callObserver) stream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	ctx, finish := o.begin(ss.Context(), info.FullMethod)
	defer func() { finish(recover(), &err) }()
	return handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
}

func (o *callObserver) begin(ctx context.Context, method string) (context.Context, func(panicked any, err *error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", method)))

	return ctx, func(panicked any, err *error) {
		defer span.End()
		if panicked != nil {
			slog.ErrorContext(ctx, "grpc panic", "method", method, "panic", panicked, "stack", string(debug.Stack()))
			*err = status.Error(codes.Internal, "internal server error")
		}

		code := status.Code(*err)
		span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
		level := slog.LevelDebug
		if code != codes.OK && code != codes.Canceled {
			span.SetStatus(otelcodes.Error, code.String())
			level = slog.LevelWarn
		}

		args := []any{"method", method, "code", code.String(), "dur_ms", time.Since(start).Milliseconds()}
		for _, a := range logger.AttrsFromCtx(ctx) {
			args = append(args, a)
		}
		slog.Log(ctx, level, "grpc call", args...)
	}
}

// tracedStream hands the span context to stream handlers.
type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context { return s.ctx }
