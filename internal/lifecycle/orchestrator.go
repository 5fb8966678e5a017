// Package lifecycle drives sessions through their state machine: provision a
// sandbox, harden and configure it, wait for the in-session API, then hand a
// running session to the control plane. Every transition is persisted before
// the next phase begins, so a crashed daemon can reconcile on restart.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/playpen-dev/playpen/internal/audit"
	"github.com/playpen-dev/playpen/internal/backend"
	"github.com/playpen-dev/playpen/internal/config"
	"github.com/playpen-dev/playpen/internal/harden"
	"github.com/playpen-dev/playpen/internal/logging"
	"github.com/playpen-dev/playpen/internal/mount"
	"github.com/playpen-dev/playpen/internal/network"
	"github.com/playpen-dev/playpen/internal/registry"
	"github.com/playpen-dev/playpen/internal/secret"
	"github.com/playpen-dev/playpen/internal/session"
)

// CreateRequest describes the session to bring up.
type CreateRequest struct {
	Name     string   `json:"name"`
	Backend  string   `json:"backend"`
	Volumes  []string `json:"volumes,omitempty"`
	Networks []string `json:"networks,omitempty"`
	Secrets  []string `json:"secrets,omitempty"`
	Image    string   `json:"image,omitempty"`
}

// CreateResult is the session plus its freshly issued access token. The
// token ID is returned exactly once, here.
type CreateResult struct {
	Session session.Session `json:"session"`
	Token   session.Token   `json:"token"`
}

// Orchestrator owns all session state transitions. Per-session locking keeps
// concurrent operations on the same name serialized while unrelated sessions
// proceed in parallel.
type Orchestrator struct {
	cfg       *config.Config
	store     *registry.Store
	drivers   map[session.Backend]backend.Driver
	resolver  *secret.Resolver
	validator *mount.Validator
	audit     *audit.Logger

	// Probe checks the in-session API's readiness endpoint. Replaceable in
	// tests.
	Probe func(ctx context.Context, address string) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// reservedPorts holds ports picked for in-flight creates that the
	// registry cannot see yet; without it two concurrent creates could
	// select the same free port.
	portMu        sync.Mutex
	reservedPorts map[int]bool
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, store *registry.Store, drivers map[session.Backend]backend.Driver, resolver *secret.Resolver, validator *mount.Validator, auditLog *audit.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		store:         store,
		drivers:       drivers,
		resolver:      resolver,
		validator:     validator,
		audit:         auditLog,
		Probe:         probeReadiness,
		locks:         make(map[string]*sync.Mutex),
		reservedPorts: make(map[int]bool),
	}
}

// probeReadiness hits the in-session API health endpoint, retrying transient
// connection failures within the ctx deadline.
func probeReadiness(ctx context.Context, address string) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// lock returns the mutex serializing operations on one session name.
func (o *Orchestrator) lock(name string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[name]
	if !ok {
		l = &sync.Mutex{}
		o.locks[name] = l
	}
	return l
}

// Create provisions, configures, and starts a session, returning it in the
// running state with its access token. On any phase failure the partially
// built sandbox is torn down; a provision failure additionally frees the
// name for an immediate retry.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	start := time.Now()
	res, err := o.create(ctx, req)

	ev := audit.Event{
		Category:  audit.CategoryLifecycle,
		Action:    "create",
		Session:   req.Name,
		LatencyMS: float64(time.Since(start).Milliseconds()),
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Detail = session.Kind(err)
	}
	o.audit.Record(ev)
	return res, err
}

func (o *Orchestrator) create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := session.ValidateName(req.Name); err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", session.ErrInvalidSpec, err)
	}
	bk := session.Backend(req.Backend)
	if !bk.Valid() {
		return CreateResult{}, fmt.Errorf("%w: unsupported backend %q", session.ErrInvalidSpec, req.Backend)
	}
	driver, err := backend.Select(bk, o.drivers)
	if err != nil {
		return CreateResult{}, err
	}

	volumes, err := mount.ParseAll(req.Volumes, o.validator)
	if err != nil {
		return CreateResult{}, err
	}

	networks := req.Networks
	if networks == nil {
		networks = o.cfg.Networks
	}

	image := req.Image
	if image == "" {
		image = o.defaultImage(bk)
	}

	l := o.lock(req.Name)
	l.Lock()
	defer l.Unlock()

	sess := session.Session{
		Name:      req.Name,
		Backend:   bk,
		State:     session.StateRequested,
		Image:     image,
		Volumes:   volumes,
		Networks:  networks,
		Secrets:   req.Secrets,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return CreateResult{}, err
	}

	handle, hostPort, err := o.provision(ctx, driver, &sess)
	if err != nil {
		// The name is freed immediately: nothing was allocated.
		_ = o.store.UpdateState(ctx, sess.Name, session.StateFailed, err.Error())
		_ = o.store.DeleteSession(ctx, sess.Name)
		return CreateResult{}, err
	}
	sess.ResourceHandle = handle
	sess.HostPort = hostPort
	// By the time create returns, the port is either persisted on the
	// record (visible to later allocations) or the session has failed.
	defer o.releasePort(hostPort)

	if err := o.configure(ctx, driver, &sess); err != nil {
		o.teardownFailed(ctx, driver, &sess, err)
		return CreateResult{}, err
	}

	if err := o.awaitReady(ctx, driver, &sess); err != nil {
		o.teardownFailed(ctx, driver, &sess, err)
		return CreateResult{}, err
	}

	if err := o.store.UpdateState(ctx, sess.Name, session.StateRunning, ""); err != nil {
		o.teardownFailed(ctx, driver, &sess, err)
		return CreateResult{}, err
	}
	sess.State = session.StateRunning

	token, err := o.issueToken(ctx, sess)
	if err != nil {
		o.teardownFailed(ctx, driver, &sess, err)
		return CreateResult{}, err
	}

	logging.Logger.Info("session running",
		"session", sess.Name,
		"backend", string(sess.Backend),
		"handle", sess.ResourceHandle,
		"address", sess.NetworkAddress,
	)
	return CreateResult{Session: sess, Token: token}, nil
}

func (o *Orchestrator) defaultImage(bk session.Backend) string {
	if bk == session.BackendVM {
		return o.cfg.Backends.VM.Template
	}
	return o.cfg.Backends.Container.Image
}

// provision allocates the backend resource.
func (o *Orchestrator) provision(ctx context.Context, driver backend.Driver, sess *session.Session) (string, int, error) {
	if err := o.store.UpdateState(ctx, sess.Name, session.StateProvisioning, ""); err != nil {
		return "", 0, err
	}

	hostPort := 0
	if sess.Backend == session.BackendContainer {
		var err error
		hostPort, err = o.allocatePort(ctx)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %v", session.ErrProvision, err)
		}
	}

	handle, err := driver.Create(ctx, backend.CreateSpec{
		Name:     sess.Name,
		Image:    sess.Image,
		Volumes:  sess.Volumes,
		HostPort: hostPort,
		APIPort:  o.cfg.Session.APIPort,
		User:     o.cfg.Backends.Container.User,
	})
	if err != nil {
		o.releasePort(hostPort)
		return "", 0, fmt.Errorf("%w: %v", session.ErrProvision, err)
	}
	return handle, hostPort, nil
}

// configure starts the instance, applies in-sandbox hardening, and injects
// secrets. The instance must be up for Exec to reach it, so the engine-level
// start happens here; "starting" is the wait for the in-session API.
func (o *Orchestrator) configure(ctx context.Context, driver backend.Driver, sess *session.Session) error {
	if err := o.store.UpdateState(ctx, sess.Name, session.StateConfiguring, ""); err != nil {
		return err
	}

	staged, err := o.resolver.Resolve(sess.Name, sess.Secrets)
	if err != nil {
		return err
	}
	defer o.resolver.Teardown(sess.Name)

	if err := driver.Start(ctx, sess.ResourceHandle, sess.Volumes); err != nil {
		return fmt.Errorf("%w: %v", session.ErrConfig, err)
	}

	address, err := o.resolveAddress(ctx, driver, sess)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrConfig, err)
	}
	sess.NetworkAddress = address
	if err := o.store.UpdateRuntime(ctx, sess.Name, sess.ResourceHandle, address, sess.HostPort); err != nil {
		return err
	}

	secrets := make(map[string]string, len(staged))
	for name, path := range staged {
		value, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: reading staged secret %q: %v", session.ErrConfig, name, err)
		}
		secrets[name] = string(value)
	}

	policy := network.Parse(sess.Networks)
	for _, step := range harden.Plan(policy, secrets) {
		var stdin io.Reader
		if step.Stdin != "" {
			stdin = strings.NewReader(step.Stdin)
		}
		res, err := driver.Exec(ctx, sess.ResourceHandle, step.Cmd, stdin)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", session.ErrConfig, step.Name, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%w: %s exited %d", session.ErrConfig, step.Name, res.ExitCode)
		}
	}
	return nil
}

// resolveAddress determines where the in-session API will listen from the
// host's perspective.
func (o *Orchestrator) resolveAddress(ctx context.Context, driver backend.Driver, sess *session.Session) (string, error) {
	if sess.Backend == session.BackendContainer {
		return fmt.Sprintf("127.0.0.1:%d", sess.HostPort), nil
	}

	// The VM engine assigns an IP at boot; poll until it shows up.
	var address string
	op := func() error {
		info, err := driver.Inspect(ctx, sess.ResourceHandle)
		if err != nil {
			return backoff.Permanent(err)
		}
		if info.Address == "" {
			return fmt.Errorf("vm has no address yet")
		}
		address = fmt.Sprintf("%s:%d", info.Address, o.cfg.Session.APIPort)
		return nil
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(o.cfg.Session.StartTimeout),
	), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return address, nil
}

// awaitReady polls the in-session API until it answers or the start budget
// runs out.
func (o *Orchestrator) awaitReady(ctx context.Context, driver backend.Driver, sess *session.Session) error {
	if err := o.store.UpdateState(ctx, sess.Name, session.StateStarting, ""); err != nil {
		return err
	}

	op := func() error {
		if err := driver.HealthCheck(ctx, sess.ResourceHandle); err != nil {
			if !backend.Transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return o.Probe(ctx, sess.NetworkAddress)
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(o.cfg.Session.StartTimeout),
	), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("%w: %v", session.ErrStart, err)
	}

	now := time.Now().UTC()
	_ = o.store.TouchHealthCheck(ctx, sess.Name, now)
	sess.LastHealthCheckAt = &now
	return nil
}

// teardownFailed destroys the partial sandbox and parks the session in
// failed with the causal error. The record stays for inspection.
func (o *Orchestrator) teardownFailed(ctx context.Context, driver backend.Driver, sess *session.Session, cause error) {
	o.resolver.Teardown(sess.Name)
	if sess.ResourceHandle != "" {
		if err := driver.Destroy(ctx, sess.ResourceHandle); err != nil {
			logging.Logger.Warn("failed to destroy sandbox after error",
				"session", sess.Name, "handle", sess.ResourceHandle, "error", err)
		}
	}
	_ = o.store.UpdateState(ctx, sess.Name, session.StateFailed, cause.Error())
	sess.State = session.StateFailed
}

// issueToken mints and persists the session's bearer credential.
func (o *Orchestrator) issueToken(ctx context.Context, sess session.Session) (session.Token, error) {
	now := time.Now().UTC()
	token := session.Token{
		ID:           uuid.NewString(),
		SessionName:  sess.Name,
		Capabilities: session.CapabilitiesForBackend(sess.Backend),
		IssuedAt:     now,
		ExpiresAt:    now.Add(o.cfg.Session.TokenTTL),
	}
	if err := o.store.SaveToken(ctx, token); err != nil {
		return session.Token{}, err
	}
	return token, nil
}

// allocatePort picks a free host port from the configured range, skipping
// ports already assigned to registered sessions and ports reserved by other
// in-flight creates. The reservation lasts until releasePort.
func (o *Orchestrator) allocatePort(ctx context.Context) (int, error) {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(sessions))
	for _, s := range sessions {
		if s.HostPort != 0 {
			used[s.HostPort] = true
		}
	}

	o.portMu.Lock()
	defer o.portMu.Unlock()
	for p := o.cfg.Session.PortRangeMin; p <= o.cfg.Session.PortRangeMax; p++ {
		if used[p] || o.reservedPorts[p] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			continue
		}
		ln.Close()
		o.reservedPorts[p] = true
		return p, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", o.cfg.Session.PortRangeMin, o.cfg.Session.PortRangeMax)
}

func (o *Orchestrator) releasePort(p int) {
	if p == 0 {
		return
	}
	o.portMu.Lock()
	delete(o.reservedPorts, p)
	o.portMu.Unlock()
}

// Get returns the registry's view of a session.
func (o *Orchestrator) Get(ctx context.Context, name string) (session.Session, error) {
	return o.store.GetSession(ctx, name)
}

// List returns all registered sessions.
func (o *Orchestrator) List(ctx context.Context) ([]session.Session, error) {
	return o.store.ListSessions(ctx)
}

// Recycle tears a session down: revoke its tokens, stop and destroy the
// sandbox, then remove the record so the name is free. Recycling a session
// that no longer exists succeeds.
func (o *Orchestrator) Recycle(ctx context.Context, name string) error {
	start := time.Now()
	err := o.recycle(ctx, name)

	ev := audit.Event{
		Category:  audit.CategoryLifecycle,
		Action:    "recycle",
		Session:   name,
		LatencyMS: float64(time.Since(start).Milliseconds()),
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Detail = session.Kind(err)
	}
	o.audit.Record(ev)
	return err
}

func (o *Orchestrator) recycle(ctx context.Context, name string) error {
	l := o.lock(name)
	l.Lock()
	defer l.Unlock()

	sess, err := o.store.GetSession(ctx, name)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := o.store.RevokeSessionTokens(ctx, name); err != nil {
		return err
	}

	if sess.State.CanTransitionTo(session.StateRecycling) {
		if err := o.store.UpdateState(ctx, name, session.StateRecycling, ""); err != nil {
			return err
		}
		sess.State = session.StateRecycling
	}

	driver, err := backend.Select(sess.Backend, o.drivers)
	if err != nil {
		return err
	}

	if sess.ResourceHandle != "" {
		if err := driver.Stop(ctx, sess.ResourceHandle, o.cfg.Daemon.GracefulTimeout); err != nil &&
			!errors.Is(err, backend.ErrHandleNotFound) {
			logging.Logger.Warn("graceful stop failed, destroying anyway",
				"session", name, "error", err)
		}
		if err := driver.Destroy(ctx, sess.ResourceHandle); err != nil {
			return fmt.Errorf("destroying sandbox for %q: %w", name, err)
		}
	}
	o.resolver.Teardown(name)

	if sess.State == session.StateRecycling {
		if err := o.store.UpdateState(ctx, name, session.StateTerminated, ""); err != nil {
			return err
		}
	} else if !sess.State.Terminal() {
		// Sessions caught mid-provision have no legal path to recycling;
		// they fail instead.
		if err := o.store.UpdateState(ctx, name, session.StateFailed, "recycled during startup"); err != nil {
			return err
		}
	}

	if err := o.store.DeleteSession(ctx, name); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}

	logging.Logger.Info("session recycled", "session", name)
	return nil
}
