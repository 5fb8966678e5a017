package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/playpen-dev/playpen/internal/logging"
)

// Start launches a detached daemon process by re-executing the current
// binary with the serve command. The child's combined output is appended to
// the log at logPath. It returns once the child has claimed the PID file or
// the wait budget runs out.
func Start(pidPath, logPath string, args ...string) error {
	if _, err := ReadPIDFile(pidPath); err == nil {
		return ErrAlreadyRunning
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %w", err)
	}

	logFile, err := openLog(logPath)
	if err != nil {
		return err
	}
	// The child holds its own descriptor after the spawn.
	defer logFile.Close()

	cmd := exec.Command(self, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn daemon: %w", err)
	}
	// The child re-parents to init; nothing to reap here.
	_ = cmd.Process.Release()

	// Wait for the child to claim the PID file.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if record, err := ReadPIDFile(pidPath); err == nil {
			logging.Logger.Info("daemon started",
				"pid", record.PID, "host", record.Host, "port", record.Port)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not come up within 10s")
}

// Stop signals the daemon with SIGTERM and waits for it to exit, escalating
// to SIGKILL after the graceful timeout.
func Stop(pidPath string, gracefulTimeout time.Duration) error {
	record, err := ReadPIDFile(pidPath)
	if err != nil {
		return err
	}

	proc, err := os.FindProcess(record.PID)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			_ = os.Remove(pidPath)
			return nil
		}
		return fmt.Errorf("failed to signal daemon: %w", err)
	}

	deadline := time.Now().Add(gracefulTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(record.PID) {
			_ = os.Remove(pidPath)
			logging.Logger.Info("daemon stopped", "pid", record.PID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	logging.Logger.Warn("daemon ignored SIGTERM, killing", "pid", record.PID)
	_ = proc.Signal(syscall.SIGKILL)
	_ = os.Remove(pidPath)
	return nil
}

// Status returns the live daemon's record, or ErrNotRunning.
func Status(pidPath string) (PIDFile, error) {
	return ReadPIDFile(pidPath)
}

// Restart stops the daemon if running, then starts a fresh one.
func Restart(pidPath, logPath string, gracefulTimeout time.Duration, args ...string) error {
	if err := Stop(pidPath, gracefulTimeout); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return Start(pidPath, logPath, args...)
}

// openLog opens the daemon's output log for appending, creating it and its
// directory as needed.
func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open daemon log: %w", err)
	}
	return f, nil
}
