package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playpen-dev/playpen/internal/session"
)

func newTestVMDriver(runner *fakeRunner) *VMCloneDriver {
	return &VMCloneDriver{
		runner: runner,
		bin:    "tart",
		launch: func(name string, args ...string) error { return nil },
	}
}

func TestVMCreateClones(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{code: 0}}}
	d := newTestVMDriver(runner)

	handle, err := d.Create(context.Background(), CreateSpec{
		Name:  "demo",
		Image: "playpen-agent-base",
	})
	require.NoError(t, err)
	assert.Equal(t, "playpen-demo", handle)
	assert.Equal(t, []string{"tart", "clone", "playpen-agent-base", "playpen-demo"}, runner.calls[0])
}

func TestVMCreateClassification(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"template missing", `the source VM "playpen-agent-base" does not exist`, ErrImageMissing},
		{"disk full", "failed to clone: no space left on device", ErrResourceExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{results: []fakeResult{{stderr: tt.stderr, code: 1}}}
			d := newTestVMDriver(runner)

			_, err := d.Create(context.Background(), CreateSpec{Name: "demo", Image: "tmpl"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVMStartLaunchesDetached(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stdout: `[{"Name":"playpen-demo","State":"stopped"}]`, code: 0},
	}}
	d := newTestVMDriver(runner)

	var launched []string
	d.launch = func(name string, args ...string) error {
		launched = append([]string{name}, args...)
		return nil
	}

	require.NoError(t, d.Start(context.Background(), "playpen-demo", []session.VolumeBinding{
		{Source: "/home/u/proj", Target: "/workspace"},
		{Source: "/home/u/ref", Target: "/ref", ReadOnly: true},
	}))
	assert.Equal(t, []string{
		"tart", "run", "playpen-demo", "--no-graphics",
		"--dir=/home/u/proj:/workspace",
		"--dir=/home/u/ref:/ref:ro",
	}, launched)
}

func TestVMStartBindsVolumesOnFreshDriver(t *testing.T) {
	// A driver constructed after a daemon restart has no memory of earlier
	// clones; directory shares must still make it onto the relaunch.
	runner := &fakeRunner{results: []fakeResult{
		{stdout: `[{"Name":"playpen-demo","State":"stopped"}]`, code: 0},
	}}
	d := newTestVMDriver(runner)

	var launched []string
	d.launch = func(name string, args ...string) error {
		launched = append([]string{name}, args...)
		return nil
	}

	require.NoError(t, d.Start(context.Background(), "playpen-demo", []session.VolumeBinding{
		{Source: "/home/u/proj", Target: "/workspace"},
	}))
	assert.Contains(t, launched, "--dir=/home/u/proj:/workspace")
}

func TestVMStartAlreadyRunningIsNoop(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stdout: `[{"Name":"playpen-demo","State":"running"}]`, code: 0},
		{stdout: "192.168.64.7\n", code: 0},
	}}
	d := newTestVMDriver(runner)
	d.launch = func(name string, args ...string) error {
		t.Fatal("launch called for a running vm")
		return nil
	}

	assert.NoError(t, d.Start(context.Background(), "playpen-demo", nil))
}

func TestVMInspectResolvesAddress(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stdout: `[{"Name":"playpen-demo","State":"running"}]`, code: 0},
		{stdout: "192.168.64.7\n", code: 0},
	}}
	d := newTestVMDriver(runner)

	info, err := d.Inspect(context.Background(), "playpen-demo")
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, "demo", info.Name)
	assert.Equal(t, "192.168.64.7", info.Address)
}

func TestVMListFiltersByPrefix(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{
		stdout: `[
			{"Name":"playpen-demo","State":"running"},
			{"Name":"unrelated-vm","State":"running"},
			{"Name":"playpen-other","State":"stopped"}
		]`,
		code: 0,
	}}}
	d := newTestVMDriver(runner)

	infos, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "demo", infos[0].Name)
	assert.Equal(t, "other", infos[1].Name)
}

func TestVMDestroyIdempotent(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stderr: `the VM "playpen-gone" does not exist`, code: 1},
	}}
	d := newTestVMDriver(runner)

	require.NoError(t, d.Destroy(context.Background(), "playpen-gone"))
}

func TestVMExecOverSSH(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{stdout: "ok", code: 0}}}
	d := newTestVMDriver(runner)

	res, err := d.Exec(context.Background(), "playpen-demo",
		[]string{"sh", "-c", "id -u"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.True(t, strings.HasPrefix(strings.Join(runner.lastCall(), " "), "tart ssh playpen-demo --"))
}
