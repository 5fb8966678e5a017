package lifecycle

import (
	"context"
	"time"

	"github.com/playpen-dev/playpen/internal/audit"
	"github.com/playpen-dev/playpen/internal/backend"
	"github.com/playpen-dev/playpen/internal/logging"
	"github.com/playpen-dev/playpen/internal/session"
)

// unhealthyThreshold is the number of consecutive probe failures before a
// running session is marked unhealthy.
const unhealthyThreshold = 3

// Monitor periodically probes running sessions and drives the
// running/unhealthy edge of the state machine. An unhealthy session gets one
// restart attempt; if that fails it is recycled.
type Monitor struct {
	orch     *Orchestrator
	interval time.Duration

	failures map[string]int
}

// NewMonitor returns a monitor polling at the configured health interval.
func NewMonitor(orch *Orchestrator) *Monitor {
	return &Monitor{
		orch:     orch,
		interval: orch.cfg.Session.HealthInterval,
		failures: make(map[string]int),
	}
}

// Run blocks, probing until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep probes every session currently in running or unhealthy state.
func (m *Monitor) sweep(ctx context.Context) {
	sessions, err := m.orch.store.ListSessions(ctx)
	if err != nil {
		logging.Logger.Error("health sweep: listing sessions failed", "error", err)
		return
	}

	live := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		live[sess.Name] = true
		switch sess.State {
		case session.StateRunning:
			m.probeRunning(ctx, sess)
		case session.StateUnhealthy:
			m.recoverUnhealthy(ctx, sess)
		}
	}

	// Drop failure counters for sessions that no longer exist.
	for name := range m.failures {
		if !live[name] {
			delete(m.failures, name)
		}
	}
}

func (m *Monitor) probeRunning(ctx context.Context, sess session.Session) {
	if err := m.probeOnce(ctx, sess); err != nil {
		m.failures[sess.Name]++
		logging.Logger.Warn("health probe failed",
			"session", sess.Name,
			"consecutive", m.failures[sess.Name],
			"error", err,
		)
		if m.failures[sess.Name] < unhealthyThreshold {
			return
		}

		if uerr := m.orch.store.UpdateState(ctx, sess.Name, session.StateUnhealthy, err.Error()); uerr != nil {
			logging.Logger.Error("failed to mark session unhealthy", "session", sess.Name, "error", uerr)
			return
		}
		m.orch.audit.Record(audit.Event{
			Category: audit.CategoryLifecycle,
			Action:   "unhealthy",
			Session:  sess.Name,
			Outcome:  "error",
			Detail:   err.Error(),
		})
		return
	}

	m.failures[sess.Name] = 0
	_ = m.orch.store.TouchHealthCheck(ctx, sess.Name, time.Now().UTC())
}

// recoverUnhealthy tries a single restart. Success returns the session to
// running; anything else recycles it.
func (m *Monitor) recoverUnhealthy(ctx context.Context, sess session.Session) {
	driver, err := backend.Select(sess.Backend, m.orch.drivers)
	if err != nil {
		logging.Logger.Error("unhealthy session has no driver", "session", sess.Name, "error", err)
		return
	}

	restartErr := driver.Start(ctx, sess.ResourceHandle, sess.Volumes)
	if restartErr == nil {
		restartErr = m.orch.Probe(ctx, sess.NetworkAddress)
	}

	if restartErr == nil {
		if err := m.orch.store.UpdateState(ctx, sess.Name, session.StateRunning, ""); err != nil {
			logging.Logger.Error("failed to mark session recovered", "session", sess.Name, "error", err)
			return
		}
		m.failures[sess.Name] = 0
		_ = m.orch.store.TouchHealthCheck(ctx, sess.Name, time.Now().UTC())
		m.orch.audit.Record(audit.Event{
			Category: audit.CategoryLifecycle,
			Action:   "recovered",
			Session:  sess.Name,
		})
		logging.Logger.Info("session recovered", "session", sess.Name)
		return
	}

	logging.Logger.Warn("restart attempt failed, recycling",
		"session", sess.Name, "error", restartErr)
	if err := m.orch.Recycle(ctx, sess.Name); err != nil {
		logging.Logger.Error("failed to recycle unhealthy session",
			"session", sess.Name, "error", err)
	}
	delete(m.failures, sess.Name)
}

// probeOnce combines the engine-level liveness check with the in-session API
// probe.
func (m *Monitor) probeOnce(ctx context.Context, sess session.Session) error {
	driver, err := backend.Select(sess.Backend, m.orch.drivers)
	if err != nil {
		return err
	}
	if err := driver.HealthCheck(ctx, sess.ResourceHandle); err != nil {
		return err
	}
	return m.orch.Probe(ctx, sess.NetworkAddress)
}
