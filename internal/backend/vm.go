package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/playpen-dev/playpen/internal/session"
)

// VMCloneDriver realizes sessions as full virtual machines cloned from a
// base template via the tart CLI. Clone takes tens of seconds and the engine
// has no server-side metadata filtering: List fetches everything and filters
// by handle prefix client-side. Callers must treat Create+Start as one
// long-running cancellable operation.
type VMCloneDriver struct {
	runner commandRunner
	bin    string

	// launch starts a long-lived engine process without waiting for it.
	// Replaceable in tests.
	launch func(name string, args ...string) error
}

// NewVMCloneDriver returns a driver using the tart binary on PATH.
func NewVMCloneDriver() *VMCloneDriver {
	return &VMCloneDriver{
		runner: execRunner{},
		bin:    "tart",
		launch: launchDetached,
	}
}

func launchDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	// The VM process outlives this call; reap it in the background so it
	// doesn't linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}

func (d *VMCloneDriver) Kind() session.Backend {
	return session.BackendVM
}

func (d *VMCloneDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	handle := InstanceName(spec.Name)

	_, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "clone", spec.Image, handle)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		return "", classifyCloneError(stderr)
	}
	return handle, nil
}

// dirFlags renders volume bindings as the engine's launch-time directory
// shares.
func dirFlags(volumes []session.VolumeBinding) []string {
	args := make([]string, 0, len(volumes))
	for _, v := range volumes {
		dir := fmt.Sprintf("--dir=%s:%s", v.Source, v.Target)
		if v.ReadOnly {
			dir += ":ro"
		}
		args = append(args, dir)
	}
	return args
}

func classifyCloneError(stderr string) error {
	msg := firstLine(stderr)
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "not found"):
		return fmt.Errorf("%w: %s", ErrImageMissing, msg)
	case strings.Contains(lower, "no space left"),
		strings.Contains(lower, "not enough"):
		return fmt.Errorf("%w: %s", ErrResourceExhausted, msg)
	default:
		return fmt.Errorf("vm clone failed: %s", msg)
	}
}

// Start launches the VM. This engine attaches directory shares at launch,
// not at clone, so the caller supplies the session's bindings every time;
// holding them in driver memory would lose them across a daemon restart.
func (d *VMCloneDriver) Start(ctx context.Context, handle string, volumes []session.VolumeBinding) error {
	info, err := d.Inspect(ctx, handle)
	if err != nil {
		return err
	}
	if info.Running {
		return nil
	}

	args := append([]string{"run", handle, "--no-graphics"}, dirFlags(volumes)...)
	if err := d.launch(d.bin, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

func (d *VMCloneDriver) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "stop", "--timeout", fmt.Sprint(secs), handle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		if vmNotFound(stderr) {
			return fmt.Errorf("%s: %w", handle, ErrHandleNotFound)
		}
		return fmt.Errorf("vm stop failed: %s", firstLine(stderr))
	}
	return nil
}

func (d *VMCloneDriver) Destroy(ctx context.Context, handle string) error {
	_, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "delete", handle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 && !vmNotFound(stderr) {
		return fmt.Errorf("vm destroy failed: %s", firstLine(stderr))
	}
	return nil
}

func (d *VMCloneDriver) Exec(ctx context.Context, handle string, cmd []string, stdin io.Reader) (ExecResult, error) {
	args := []string{"ssh", handle, "--"}
	args = append(args, cmd...)

	stdout, stderr, code, err := d.runner.Run(ctx, stdin, d.bin, args...)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 && vmNotFound(stderr) {
		return ExecResult{ExitCode: code}, fmt.Errorf("%s: %w", handle, ErrHandleNotFound)
	}
	return ExecResult{ExitCode: code, Output: stdout + stderr}, nil
}

// vmListEntry matches the engine's JSON list output.
type vmListEntry struct {
	Name  string `json:"Name"`
	State string `json:"State"`
}

func (d *VMCloneDriver) Inspect(ctx context.Context, handle string) (Info, error) {
	entries, err := d.listAll(ctx)
	if err != nil {
		return Info{}, err
	}
	for _, e := range entries {
		if e.Name != handle {
			continue
		}
		info := Info{
			Handle:  handle,
			Name:    strings.TrimPrefix(handle, HandlePrefix),
			Running: e.State == "running",
		}
		if info.Running {
			if addr, err := d.address(ctx, handle); err == nil {
				info.Address = addr
			}
		}
		return info, nil
	}
	return Info{}, fmt.Errorf("%s: %w", handle, ErrHandleNotFound)
}

// address resolves the VM's IP. The in-session API port is appended by the
// orchestrator, which knows it from config.
func (d *VMCloneDriver) address(ctx context.Context, handle string) (string, error) {
	stdout, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "ip", handle)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		return "", fmt.Errorf("vm ip lookup failed: %s", firstLine(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

// List filters client-side: this engine cannot filter by metadata.
func (d *VMCloneDriver) List(ctx context.Context) ([]Info, error) {
	entries, err := d.listAll(ctx)
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, e := range entries {
		if !strings.HasPrefix(e.Name, HandlePrefix) {
			continue
		}
		infos = append(infos, Info{
			Handle:  e.Name,
			Name:    strings.TrimPrefix(e.Name, HandlePrefix),
			Running: e.State == "running",
		})
	}
	return infos, nil
}

func (d *VMCloneDriver) listAll(ctx context.Context) ([]vmListEntry, error) {
	stdout, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "list", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("vm list failed: %s", firstLine(stderr))
	}

	var entries []vmListEntry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		return nil, fmt.Errorf("vm list returned malformed output: %w", err)
	}
	return entries, nil
}

func (d *VMCloneDriver) HealthCheck(ctx context.Context, handle string) error {
	info, err := d.Inspect(ctx, handle)
	if err != nil {
		return err
	}
	if !info.Running {
		return fmt.Errorf("vm %s is not running", handle)
	}
	return nil
}

func vmNotFound(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "not found")
}
