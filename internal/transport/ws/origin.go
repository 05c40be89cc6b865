package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open a socket. No configured
// origins, or "*", means any origin. Requests without an Origin header come
// from non-browser clients and are let through.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			p.allowAll = true
			continue
		}
		n, ok := normalizeOrigin(o)
		if !ok {
			slog.Warn("ignoring invalid allowed origin", "origin", o)
			continue
		}
		p.allowed[n] = struct{}{}
	}
	if len(p.allowed) == 0 {
		p.allowAll = true
	}
	return p
}

func (p originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}
	n, ok := normalizeOrigin(origin)
	if ok {
		if _, ok = p.allowed[n]; ok {
			return true
		}
	}
	slog.Warn("ws origin rejected", "origin", origin, "remote", r.RemoteAddr)
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
