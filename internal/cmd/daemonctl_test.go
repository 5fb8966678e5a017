package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/playpen-dev/playpen/internal/daemon"
)

func TestServeArgs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, []string{"serve"}, serveArgs("", 0))
	})

	t.Run("host and port forwarded to the child", func(t *testing.T) {
		assert.Equal(t, []string{"serve", "--host", "0.0.0.0", "--port", "9000"},
			serveArgs("0.0.0.0", 9000))
	})

	t.Run("debug propagated", func(t *testing.T) {
		debug = true
		defer func() { debug = false }()
		assert.Equal(t, []string{"serve", "--debug"}, serveArgs("", 0))
	})
}

func TestBuildStatusReport(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 42, 0, time.UTC)
	record := daemon.PIDFile{
		PID:       4242,
		Host:      "127.0.0.1",
		Port:      8370,
		StartedAt: now.Add(-90 * time.Second),
	}

	report := buildStatusReport(record, now)
	assert.True(t, report.Running)
	assert.Equal(t, 4242, report.PID)
	assert.Equal(t, "127.0.0.1:8370", report.Address)
	assert.Equal(t, "1m30s", report.Uptime)
}

func TestDaemonFlagsRegistered(t *testing.T) {
	assert.NotNil(t, startCmd.Flags().Lookup("host"))
	assert.NotNil(t, startCmd.Flags().Lookup("port"))
	assert.NotNil(t, startCmd.Flags().Lookup("reload"))
	assert.NotNil(t, stopCmd.Flags().Lookup("timeout"))
	assert.NotNil(t, statusCmd.Flags().Lookup("json"))
	assert.NotNil(t, serveCmd.Flags().Lookup("host"))
	assert.NotNil(t, serveCmd.Flags().Lookup("port"))
}
