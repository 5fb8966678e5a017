package lifecycle

import (
	"context"

	"github.com/playpen-dev/playpen/internal/audit"
	"github.com/playpen-dev/playpen/internal/backend"
	"github.com/playpen-dev/playpen/internal/logging"
	"github.com/playpen-dev/playpen/internal/session"
)

// Reconcile cross-checks the registry against the live engines at daemon
// startup. The registry is the system of record:
//
//   - a registered running session whose sandbox is gone or stopped is
//     marked failed,
//   - a session caught mid-startup by a daemon crash is torn down and
//     marked failed,
//   - a playpen-owned engine instance with no registry record is an
//     orphan and is destroyed.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return err
	}

	registered := make(map[string]session.Session, len(sessions))
	for _, s := range sessions {
		registered[s.Name] = s
	}

	for kind, driver := range o.drivers {
		infos, err := driver.List(ctx)
		if err != nil {
			logging.Logger.Warn("reconcile: engine unavailable, skipping",
				"backend", string(kind), "error", err)
			continue
		}

		engineState := make(map[string]backend.Info, len(infos))
		for _, info := range infos {
			engineState[info.Name] = info

			// Drivers only list playpen-owned instances (the container
			// engine filters by label, the VM engine by name prefix), so
			// anything unregistered is an orphan regardless of the
			// engine's handle shape.
			if _, ok := registered[info.Name]; !ok {
				logging.Logger.Warn("reconcile: destroying orphan instance",
					"backend", string(kind), "handle", info.Handle, "session", info.Name)
				if err := driver.Destroy(ctx, info.Handle); err != nil {
					logging.Logger.Error("reconcile: orphan destroy failed",
						"handle", info.Handle, "error", err)
				}
				o.audit.Record(audit.Event{
					Category: audit.CategoryLifecycle,
					Action:   "reconcile_orphan_destroyed",
					Session:  info.Name,
				})
			}
		}

		for name, sess := range registered {
			if sess.Backend != kind {
				continue
			}
			o.reconcileSession(ctx, driver, sess, engineState[name])
		}
	}
	return nil
}

func (o *Orchestrator) reconcileSession(ctx context.Context, driver backend.Driver, sess session.Session, engine backend.Info) {
	switch sess.State {
	case session.StateRunning, session.StateUnhealthy:
		if engine.Running {
			return
		}
		logging.Logger.Warn("reconcile: session lost its sandbox",
			"session", sess.Name, "state", string(sess.State))
		o.markLost(ctx, sess, "sandbox not running after daemon restart")

	case session.StateRequested, session.StateProvisioning, session.StateConfiguring, session.StateStarting, session.StateRecycling:
		// Mid-flight when the previous daemon died; the phase cannot be
		// resumed safely, so the sandbox goes away.
		logging.Logger.Warn("reconcile: tearing down interrupted session",
			"session", sess.Name, "state", string(sess.State))
		if sess.ResourceHandle != "" {
			if err := driver.Destroy(ctx, sess.ResourceHandle); err != nil {
				logging.Logger.Error("reconcile: destroy failed",
					"session", sess.Name, "error", err)
			}
		} else if engine.Handle != "" {
			if err := driver.Destroy(ctx, engine.Handle); err != nil {
				logging.Logger.Error("reconcile: destroy failed",
					"session", sess.Name, "error", err)
			}
		}
		o.markLost(ctx, sess, "daemon restarted during "+string(sess.State))
	}
}

func (o *Orchestrator) markLost(ctx context.Context, sess session.Session, reason string) {
	if err := o.store.RevokeSessionTokens(ctx, sess.Name); err != nil {
		logging.Logger.Error("reconcile: token revocation failed",
			"session", sess.Name, "error", err)
	}
	if sess.State == session.StateRecycling {
		// Finish the interrupted recycle instead of failing it.
		if err := o.store.UpdateState(ctx, sess.Name, session.StateTerminated, ""); err == nil {
			_ = o.store.DeleteSession(ctx, sess.Name)
		}
		return
	}
	if err := o.store.UpdateState(ctx, sess.Name, session.StateFailed, reason); err != nil {
		logging.Logger.Error("reconcile: state update failed",
			"session", sess.Name, "error", err)
		return
	}
	o.audit.Record(audit.Event{
		Category: audit.CategoryLifecycle,
		Action:   "reconcile_failed",
		Session:  sess.Name,
		Outcome:  "error",
		Detail:   reason,
	})
}
