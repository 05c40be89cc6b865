package httpmw

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwrk-planet/chat-service/pkg/logger"
)

const tracerName = "github.com/cwrk-planet/chat-service/internal/transport/http"

// Observe runs each request in a server span named after its chi route
// pattern and logs the outcome with request and trace ids. 5xx marks the
// span as failed.
//
// Keep it off /ws: a websocket outlives any request span.
func Observe(tracer trace.Tracer) func(http.Handler) http.Handler {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := RequestIDFromCtx(r.Context())
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("http.request_id", reqID),
				))
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// chi fills the pattern in while routing
			if rctx := chi.RouteContext(ctx); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					span.SetName(r.Method + " " + p)
					span.SetAttributes(attribute.String("http.route", p))
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				span.SetStatus(otelcodes.Error, http.StatusText(status))
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}

			args := []any{
				"req_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"dur_ms", time.Since(start).Milliseconds(),
			}
			for _, a := range logger.AttrsFromCtx(ctx) {
				args = append(args, a)
			}
			slog.Log(ctx, level, "http request", args...)
		})
	}
}
