package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/playpen-dev/playpen/internal/audit"
	"github.com/playpen-dev/playpen/internal/session"
)

type contextKey int

const callerKey contextKey = iota

// caller is the authenticated identity attached to a request. Admin callers
// may do anything; token callers are scoped to one session and a capability
// set.
type caller struct {
	id      string
	admin   bool
	session string
	token   session.Token
}

// allows reports whether the caller may perform cap on the named session.
func (c caller) allows(name string, cap session.Capability) bool {
	if c.admin {
		return true
	}
	return c.session == name && c.token.Allows(cap)
}

func callerFrom(r *http.Request) caller {
	c, _ := r.Context().Value(callerKey).(caller)
	return c
}

// authenticate resolves the bearer credential on every /api request. A
// missing or unknown credential is 401; scope and capability checks happen
// per handler and yield 403.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.unauthorized(w, r, "missing bearer token")
			return
		}

		if admin := s.cfg.Server.AdminToken; admin != "" &&
			subtle.ConstantTimeCompare([]byte(raw), []byte(admin)) == 1 {
			ctx := context.WithValue(r.Context(), callerKey, caller{id: "admin", admin: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tok, err := s.store.GetToken(r.Context(), raw)
		if err != nil {
			s.unauthorized(w, r, "unknown token")
			return
		}
		if !tok.ValidAt(time.Now()) {
			s.unauthorized(w, r, "token expired or revoked")
			return
		}

		// A token is invalidated the instant its session leaves running:
		// an unhealthy session's token grants nothing, whatever the
		// token's nominal validity.
		sess, err := s.store.GetSession(r.Context(), tok.SessionName)
		if err != nil || sess.State != session.StateRunning {
			s.unauthorized(w, r, "token's session is not running")
			return
		}

		c := caller{
			id:      "token:" + tok.SessionName,
			session: tok.SessionName,
			token:   tok,
		}
		ctx := context.WithValue(r.Context(), callerKey, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// unauthorized rejects an unauthenticated request and records it, so auth
// failures and capability denials share one audit trail.
func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	s.audit.Record(audit.Event{
		Category: audit.CategoryPolicy,
		Action:   "unauthorized",
		Caller:   r.RemoteAddr,
		Outcome:  "error",
		Detail:   detail,
	})
	writeError(w, http.StatusUnauthorized, "policy_violation", detail)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}
