// Package proxy relays queries from the control plane to the in-session API.
// It is the sole enforcement point for query timeouts and per-session rate
// limits: the in-session API is never trusted to bound its own work.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/playpen-dev/playpen/internal/audit"
	"github.com/playpen-dev/playpen/internal/config"
	"github.com/playpen-dev/playpen/internal/logging"
	"github.com/playpen-dev/playpen/internal/registry"
	"github.com/playpen-dev/playpen/internal/session"
)

// Proxy forwards queries to running sessions.
type Proxy struct {
	cfg   *config.Config
	store *registry.Store
	audit *audit.Logger

	// client has no global timeout; each request carries its own deadline.
	client *http.Client

	// now is replaceable in tests so rate-limit refill can be simulated.
	now func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a proxy enforcing the configured query budget and rate limit.
func New(cfg *config.Config, store *registry.Store, auditLog *audit.Logger) *Proxy {
	return &Proxy{
		cfg:      cfg,
		store:    store,
		audit:    auditLog,
		client:   &http.Client{},
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the session's token bucket: rate_limit_per_minute tokens,
// refilled evenly over the minute.
func (p *Proxy) limiter(name string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[name]
	if !ok {
		perMin := p.cfg.Query.RateLimitPerMinute
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
		p.limiters[name] = l
	}
	return l
}

// Forget drops the rate-limit state for a recycled session.
func (p *Proxy) Forget(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, name)
}

// Query relays one unit of work to the named session. The effective timeout
// is the request's, defaulted and capped by configuration; a request asking
// for more than the ceiling is rejected outright rather than silently
// clamped.
func (p *Proxy) Query(ctx context.Context, name, caller string, req session.QueryRequest) (session.QueryResponse, error) {
	start := p.now()
	resp, err := p.query(ctx, name, req)

	ev := audit.Event{
		Category:  audit.CategoryQuery,
		Action:    "query",
		Session:   name,
		Caller:    caller,
		LatencyMS: float64(time.Since(start).Milliseconds()),
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Detail = session.Kind(err)
		if errors.Is(err, session.ErrPolicy) {
			ev.Category = audit.CategoryPolicy
		}
	}
	p.audit.Record(ev)
	return resp, err
}

func (p *Proxy) query(ctx context.Context, name string, req session.QueryRequest) (session.QueryResponse, error) {
	timeout, err := p.effectiveTimeout(req.TimeoutSeconds)
	if err != nil {
		return session.QueryResponse{}, err
	}

	sess, err := p.store.GetSession(ctx, name)
	if err != nil {
		return session.QueryResponse{}, err
	}
	if sess.State != session.StateRunning {
		return session.QueryResponse{}, fmt.Errorf("session %q is %s: %w", name, sess.State, session.ErrNotRunning)
	}

	if !p.limiter(name).AllowN(p.now(), 1) {
		return session.QueryResponse{}, fmt.Errorf("%w: rate limit exceeded for session %q", session.ErrPolicy, name)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return session.QueryResponse{}, err
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(qctx, http.MethodPost,
		"http://"+sess.NetworkAddress+"/query", bytes.NewReader(body))
	if err != nil {
		return session.QueryResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if qctx.Err() != nil {
			// The deadline elapsed. The in-session work is NOT cancelled;
			// its outcome is unknown to the caller from here on.
			logging.Logger.Warn("query deadline elapsed",
				"session", name, "timeout", timeout)
			return session.QueryResponse{
				Error:           "cancelled: unknown",
				ExitCode:        -1,
				DurationSeconds: timeout.Seconds(),
			}, fmt.Errorf("%w: after %s", session.ErrQueryTimeout, timeout)
		}
		return session.QueryResponse{}, fmt.Errorf("%w: %v", session.ErrUnreachable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return session.QueryResponse{}, fmt.Errorf("%w: in-session API returned %d", session.ErrUnreachable, httpResp.StatusCode)
	}

	var resp session.QueryResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return session.QueryResponse{}, fmt.Errorf("%w: malformed in-session response: %v", session.ErrUnreachable, err)
	}
	return resp, nil
}

// effectiveTimeout applies the default and rejects requests over the
// ceiling.
func (p *Proxy) effectiveTimeout(requested int) (time.Duration, error) {
	ceiling := p.cfg.Query.TimeoutCeilingSeconds
	if requested == 0 {
		requested = p.cfg.Query.DefaultTimeoutSeconds
	}
	if requested < 0 {
		return 0, fmt.Errorf("%w: negative timeout", session.ErrInvalidSpec)
	}
	if requested > ceiling {
		return 0, fmt.Errorf("%w: timeout %ds exceeds ceiling %ds", session.ErrInvalidSpec, requested, ceiling)
	}
	return time.Duration(requested) * time.Second, nil
}
