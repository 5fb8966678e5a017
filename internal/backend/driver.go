// Package backend provides the uniform driver interface over heterogeneous
// sandbox engines. Each driver shells out to its engine CLI and converts
// every process failure into a typed error at this boundary; no raw exit
// codes or engine stderr propagate past it.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/playpen-dev/playpen/internal/session"
)

// Driver-boundary error kinds.
var (
	// ErrEngineUnavailable means the engine daemon or binary cannot be
	// reached. Transient: callers may retry with backoff.
	ErrEngineUnavailable = errors.New("sandbox engine unavailable")

	// ErrImageMissing means the named base image or VM template does not
	// exist. Persistent: never retried.
	ErrImageMissing = errors.New("base image or template missing")

	// ErrResourceExhausted means host capacity (disk, memory, ports) is
	// insufficient to allocate the instance.
	ErrResourceExhausted = errors.New("host capacity exhausted")

	// ErrHandleNotFound means the resource handle does not name a live
	// instance.
	ErrHandleNotFound = errors.New("resource handle not found")
)

// Transient reports whether err is worth retrying inside the owning
// lifecycle phase. Everything else is persistent and surfaces immediately.
func Transient(err error) bool {
	return errors.Is(err, ErrEngineUnavailable)
}

// CreateSpec describes the sandbox instance to allocate.
type CreateSpec struct {
	Name     string // session name; the instance is named playpen-<Name>
	Image    string // base image (container) or template (vm)
	Volumes  []session.VolumeBinding
	HostPort int    // host port published to the in-session API
	APIPort  int    // port the in-session API listens on inside the sandbox
	User     string // non-root execution user (container engine only)
}

// Info is the engine's view of one instance.
type Info struct {
	Handle  string
	Name    string // session name recovered from the instance
	Address string // host:port of the in-session API, when the engine knows it
	Running bool
}

// ExecResult is the outcome of a synchronous in-sandbox command.
type ExecResult struct {
	ExitCode int
	Output   string // combined stdout+stderr
}

// Driver is the uniform contract over sandbox engines. Create+Start is a
// long-running operation on some engines (VM clone takes tens of seconds);
// callers must treat it as cancellable via ctx, never as a quick call.
type Driver interface {
	Kind() session.Backend

	// Create allocates a new instance and returns its resource handle.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start transitions an allocated instance to running. Idempotent.
	// volumes carries the session's bindings for engines that attach them
	// at launch rather than at create; drivers that bind at create ignore
	// it.
	Start(ctx context.Context, handle string, volumes []session.VolumeBinding) error

	// Stop gracefully stops the instance, escalating after timeout.
	Stop(ctx context.Context, handle string, timeout time.Duration) error

	// Destroy removes the instance. Destroying an already-destroyed handle
	// is a no-op, not an error.
	Destroy(ctx context.Context, handle string) error

	// Exec runs a command inside the instance synchronously. stdin may be
	// nil. Used for hardening and secret injection during configuration.
	Exec(ctx context.Context, handle string, cmd []string, stdin io.Reader) (ExecResult, error)

	// Inspect returns the engine's view of the instance.
	Inspect(ctx context.Context, handle string) (Info, error)

	// List returns all playpen-owned instances known to the engine.
	List(ctx context.Context) ([]Info, error)

	// HealthCheck is a lightweight liveness probe. It does not guarantee
	// the in-session API is ready; that is probed separately.
	HealthCheck(ctx context.Context, handle string) error
}

// HandlePrefix marks engine resources as playpen-owned. List
// implementations that cannot filter by metadata fall back to it.
const HandlePrefix = "playpen-"

// InstanceName returns the engine-side name for a session.
func InstanceName(sessionName string) string {
	return HandlePrefix + sessionName
}

// commandRunner abstracts engine CLI invocation so drivers can be tested
// with fakes.
type commandRunner interface {
	// Run executes the command and returns stdout, stderr, and the exit
	// code. err is non-nil only for process-level failures (binary missing,
	// ctx cancelled); a non-zero exit is not itself an error here.
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, string, int, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	return stdout.String(), stderr.String(), -1, err
}

// Select returns the driver for the given backend kind.
func Select(kind session.Backend, drivers map[session.Backend]Driver) (Driver, error) {
	d, ok := drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported backend %q", session.ErrInvalidSpec, kind)
	}
	return d, nil
}
