package backend

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/playpen-dev/playpen/internal/session"
)

// DockerDriver realizes sessions as hardened containers via the docker CLI.
// Container create is fast (low single-digit seconds) and the engine supports
// label filtering, which List uses.
type DockerDriver struct {
	runner commandRunner
	bin    string
}

// NewDockerDriver returns a driver using the docker binary on PATH.
func NewDockerDriver() *DockerDriver {
	return &DockerDriver{runner: execRunner{}, bin: "docker"}
}

func (d *DockerDriver) Kind() session.Backend {
	return session.BackendContainer
}

// Preflight checks that the engine daemon is reachable.
func (d *DockerDriver) Preflight(ctx context.Context) error {
	_, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "info")
	if err != nil || code != 0 {
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, firstLine(stderr))
	}
	return nil
}

// createArgs returns the docker CLI arguments for a hardened create. The
// hardening flags here are the baseline; the configure phase applies the
// rest via Exec.
func createArgs(spec CreateSpec) []string {
	args := []string{
		"create",
		"--name", InstanceName(spec.Name),
		"--label", "playpen.session=" + spec.Name,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", "/tmp",
		"--tmpfs", "/run",
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", spec.HostPort, spec.APIPort),
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", v.Spec())
	}
	args = append(args, spec.Image)
	return args
}

func (d *DockerDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	stdout, stderr, code, err := d.runner.Run(ctx, nil, d.bin, createArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		return "", classifyCreateError(stderr)
	}
	return strings.TrimSpace(stdout), nil
}

// classifyCreateError maps engine stderr to a typed error. The raw message is
// preserved only as wrapped detail.
func classifyCreateError(stderr string) error {
	msg := firstLine(stderr)
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "no such image"),
		strings.Contains(lower, "unable to find image"),
		strings.Contains(lower, "pull access denied"):
		return fmt.Errorf("%w: %s", ErrImageMissing, msg)
	case strings.Contains(lower, "no space left"),
		strings.Contains(lower, "cannot allocate memory"),
		strings.Contains(lower, "port is already allocated"):
		return fmt.Errorf("%w: %s", ErrResourceExhausted, msg)
	case strings.Contains(lower, "cannot connect to the docker daemon"):
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, msg)
	default:
		return fmt.Errorf("container create failed: %s", msg)
	}
}

// Start brings the container up. Volume bindings were fixed at create and
// are ignored here.
func (d *DockerDriver) Start(ctx context.Context, handle string, _ []session.VolumeBinding) error {
	_, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "start", handle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		if notFound(stderr) {
			return fmt.Errorf("%s: %w", handle, ErrHandleNotFound)
		}
		return fmt.Errorf("container start failed: %s", firstLine(stderr))
	}
	return nil
}

func (d *DockerDriver) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "stop", "-t", strconv.Itoa(secs), handle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		if notFound(stderr) {
			return fmt.Errorf("%s: %w", handle, ErrHandleNotFound)
		}
		return fmt.Errorf("container stop failed: %s", firstLine(stderr))
	}
	return nil
}

func (d *DockerDriver) Destroy(ctx context.Context, handle string) error {
	_, stderr, code, err := d.runner.Run(ctx, nil, d.bin, "rm", "-f", handle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 && !notFound(stderr) {
		return fmt.Errorf("container destroy failed: %s", firstLine(stderr))
	}
	return nil
}

func (d *DockerDriver) Exec(ctx context.Context, handle string, cmd []string, stdin io.Reader) (ExecResult, error) {
	args := []string{"exec", "-i", handle}
	args = append(args, cmd...)

	stdout, stderr, code, err := d.runner.Run(ctx, stdin, d.bin, args...)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 && notFound(stderr) {
		return ExecResult{ExitCode: code}, fmt.Errorf("%s: %w", handle, ErrHandleNotFound)
	}
	return ExecResult{ExitCode: code, Output: stdout + stderr}, nil
}

func (d *DockerDriver) Inspect(ctx context.Context, handle string) (Info, error) {
	stdout, stderr, code, err := d.runner.Run(ctx, nil, d.bin,
		"inspect", "--format", `{{.State.Running}} {{index .Config.Labels "playpen.session"}}`, handle)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		if notFound(stderr) {
			return Info{}, fmt.Errorf("%s: %w", handle, ErrHandleNotFound)
		}
		return Info{}, fmt.Errorf("container inspect failed: %s", firstLine(stderr))
	}

	fields := strings.Fields(strings.TrimSpace(stdout))
	info := Info{Handle: handle}
	if len(fields) > 0 {
		info.Running = fields[0] == "true"
	}
	if len(fields) > 1 {
		info.Name = fields[1]
	}
	return info, nil
}

// List filters by the playpen label; the container engine supports this
// kind of metadata filtering server-side.
func (d *DockerDriver) List(ctx context.Context) ([]Info, error) {
	stdout, stderr, code, err := d.runner.Run(ctx, nil, d.bin,
		"ps", "-a",
		"--filter", "label=playpen.session",
		"--format", `{{.ID}}|{{.Label "playpen.session"}}|{{.State}}`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("container list failed: %s", firstLine(stderr))
	}

	var infos []Info
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		infos = append(infos, Info{
			Handle:  parts[0],
			Name:    parts[1],
			Running: parts[2] == "running",
		})
	}
	return infos, nil
}

func (d *DockerDriver) HealthCheck(ctx context.Context, handle string) error {
	info, err := d.Inspect(ctx, handle)
	if err != nil {
		return err
	}
	if !info.Running {
		return fmt.Errorf("container %s is not running", handle)
	}
	return nil
}

func notFound(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "is not running")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
