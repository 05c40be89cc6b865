// Package httpmw holds the middleware of the REST surface.
package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// ids longer than this are replaced rather than copied into logs
const maxRequestIDLen = 128

type reqIDKey struct{}

// RequestID adopts the caller's X-Request-ID, minting a uuid when it is
// absent or oversized, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reqIDKey{}, id)))
	})
}

func RequestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(reqIDKey{}).(string)
	return id
}
