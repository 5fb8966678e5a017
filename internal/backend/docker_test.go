package backend

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playpen-dev/playpen/internal/session"
)

// fakeRunner records invocations and replays scripted results.
type fakeRunner struct {
	calls   [][]string
	stdins  []string
	results []fakeResult
}

type fakeResult struct {
	stdout string
	stderr string
	code   int
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, string, int, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		f.stdins = append(f.stdins, string(b))
	} else {
		f.stdins = append(f.stdins, "")
	}

	if len(f.results) == 0 {
		return "", "", 0, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.stdout, r.stderr, r.code, r.err
}

func (f *fakeRunner) lastCall() []string {
	return f.calls[len(f.calls)-1]
}

func TestCreateArgsHardening(t *testing.T) {
	spec := CreateSpec{
		Name:     "demo",
		Image:    "playpen-agent:latest",
		HostPort: 42001,
		APIPort:  8377,
		User:     "agent",
		Volumes: []session.VolumeBinding{
			{Source: "/home/u/proj", Target: "/workspace", ReadOnly: false},
			{Source: "/home/u/data", Target: "/data", ReadOnly: true},
		},
	}

	args := createArgs(spec)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--name playpen-demo")
	assert.Contains(t, joined, "--label playpen.session=demo")
	assert.Contains(t, joined, "--cap-drop ALL")
	assert.Contains(t, joined, "--security-opt no-new-privileges")
	assert.Contains(t, joined, "--read-only")
	assert.Contains(t, joined, "--tmpfs /tmp")
	assert.Contains(t, joined, "--tmpfs /run")
	assert.Contains(t, joined, "--user agent")
	assert.Contains(t, joined, "-p 127.0.0.1:42001:8377")
	assert.Contains(t, joined, "-v /home/u/proj:/workspace:rw")
	assert.Contains(t, joined, "-v /home/u/data:/data:ro")
	assert.Equal(t, "playpen-agent:latest", args[len(args)-1])
}

func TestDockerCreateClassification(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"missing image", "Unable to find image 'playpen-agent:latest' locally", ErrImageMissing},
		{"no such image", "Error: No such image: playpen-agent", ErrImageMissing},
		{"pull denied", "pull access denied for playpen-agent", ErrImageMissing},
		{"disk full", "mkdir /var/lib/docker: no space left on device", ErrResourceExhausted},
		{"port taken", "Bind for 127.0.0.1:42001 failed: port is already allocated", ErrResourceExhausted},
		{"daemon down", "Cannot connect to the Docker daemon at unix:///var/run/docker.sock", ErrEngineUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{results: []fakeResult{{stderr: tt.stderr, code: 1}}}
			d := &DockerDriver{runner: runner, bin: "docker"}

			_, err := d.Create(context.Background(), CreateSpec{Name: "demo", Image: "img"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDockerCreateReturnsHandle(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{stdout: "abc123def456\n", code: 0}}}
	d := &DockerDriver{runner: runner, bin: "docker"}

	handle, err := d.Create(context.Background(), CreateSpec{Name: "demo", Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, "abc123def456", handle)
}

func TestDockerDestroyIdempotent(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stderr: "Error: No such container: playpen-gone", code: 1},
	}}
	d := &DockerDriver{runner: runner, bin: "docker"}

	assert.NoError(t, d.Destroy(context.Background(), "playpen-gone"))
}

func TestDockerExecStreamsStdin(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{stdout: "done", code: 0}}}
	d := &DockerDriver{runner: runner, bin: "docker"}

	res, err := d.Exec(context.Background(), "playpen-demo",
		[]string{"sh", "-c", "cat > /run/secrets/api_key"},
		strings.NewReader("sk-secret-value"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	// The secret travels over stdin, never argv.
	assert.Equal(t, "sk-secret-value", runner.stdins[0])
	assert.NotContains(t, strings.Join(runner.lastCall(), " "), "sk-secret-value")
	assert.Contains(t, runner.lastCall(), "-i")
}

func TestDockerExecNonZeroExitIsNotError(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{stdout: "boom", code: 3}}}
	d := &DockerDriver{runner: runner, bin: "docker"}

	res, err := d.Exec(context.Background(), "playpen-demo", []string{"false"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom", res.Output)
}

func TestDockerInspect(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{stdout: "true demo\n", code: 0}}}
	d := &DockerDriver{runner: runner, bin: "docker"}

	info, err := d.Inspect(context.Background(), "abc123")
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, "demo", info.Name)

	t.Run("unknown handle", func(t *testing.T) {
		runner := &fakeRunner{results: []fakeResult{
			{stderr: "Error: No such container: nope", code: 1},
		}}
		d := &DockerDriver{runner: runner, bin: "docker"}

		_, err := d.Inspect(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrHandleNotFound)
	})
}

func TestDockerList(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{
		stdout: "abc123|demo|running\ndef456|other|exited\n",
		code:   0,
	}}}
	d := &DockerDriver{runner: runner, bin: "docker"}

	infos, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "demo", infos[0].Name)
	assert.True(t, infos[0].Running)
	assert.Equal(t, "other", infos[1].Name)
	assert.False(t, infos[1].Running)
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(ErrEngineUnavailable))
	assert.False(t, Transient(ErrImageMissing))
	assert.False(t, Transient(ErrResourceExhausted))
	assert.False(t, Transient(nil))
}

func TestSelect(t *testing.T) {
	docker := &DockerDriver{}
	drivers := map[session.Backend]Driver{session.BackendContainer: docker}

	d, err := Select(session.BackendContainer, drivers)
	require.NoError(t, err)
	assert.Same(t, Driver(docker), d)

	_, err = Select(session.BackendVM, drivers)
	assert.ErrorIs(t, err, session.ErrInvalidSpec)
}
