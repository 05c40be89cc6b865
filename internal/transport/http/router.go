package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	httpmw "github.com/cwrk-planet/chat-service/internal/transport/http/middleware"
)

type RouterDeps struct {
	Handler        *Handler
	WS             http.HandlerFunc
	Metrics        http.Handler
	AllowedOrigins []string
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httpmw.RequestID)

	// websocket endpoint stays outside the observe/timeout group: its
	// connection outlives a request span and Timeout would break hijacking
	r.Get("/ws", d.WS)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.Observe(d.Tracer))
		pr.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", httpmw.HeaderRequestID},
			ExposedHeaders: []string{httpmw.HeaderRequestID},
			MaxAge:         300,
		}))
		pr.Use(middlewareChi.Timeout(10 * time.Second))

		pr.Route("/rooms", func(rm chi.Router) {
			rm.Get("/", d.Handler.ListRooms)
			rm.Get("/{id}", d.Handler.GetRoom)
		})
	})

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
