// Package daemon supervises the long-running playpen server process: PID
// file management with stale detection, and the start/stop/status/restart
// operations the CLI exposes.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// PIDFile records the identity of a running daemon. A file whose process is
// gone is stale and treated as absent.
type PIDFile struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

var (
	// ErrAlreadyRunning means a live daemon owns the PID file.
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrNotRunning means no live daemon was found.
	ErrNotRunning = errors.New("daemon not running")
)

// Path returns the PID file location under the playpen home.
func Path(home string) string {
	return filepath.Join(home, "playpen.pid")
}

// LogPath returns the daemon's combined output log under the playpen home.
// The structured logger writes to the same file, so one tail shows
// everything the daemon emits.
func LogPath(home string) string {
	return filepath.Join(home, "playpen.log")
}

// WritePIDFile claims the PID file for the current process. The write is
// flock-guarded so two racing daemons cannot both claim it; a stale file
// left by a dead process is silently replaced.
func WritePIDFile(path string, host string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open pid file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock pid file: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if existing, err := decode(f); err == nil && processAlive(existing.PID) && existing.PID != os.Getpid() {
		return fmt.Errorf("%w: pid %d since %s", ErrAlreadyRunning,
			existing.PID, existing.StartedAt.Format(time.RFC3339))
	}

	record := PIDFile{
		PID:       os.Getpid(),
		Host:      host,
		Port:      port,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the live daemon's record. A missing file or one
// pointing at a dead process yields ErrNotRunning; the stale file is cleaned
// up on the way.
func ReadPIDFile(path string) (PIDFile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PIDFile{}, ErrNotRunning
		}
		return PIDFile{}, err
	}
	defer f.Close()

	record, err := decode(f)
	if err != nil {
		// Unparseable leftovers are stale by definition.
		_ = os.Remove(path)
		return PIDFile{}, ErrNotRunning
	}

	if !processAlive(record.PID) {
		_ = os.Remove(path)
		return PIDFile{}, ErrNotRunning
	}
	return record, nil
}

// RemovePIDFile releases the PID file on clean shutdown. Only the owning
// process removes it.
func RemovePIDFile(path string) error {
	record, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			return nil
		}
		return err
	}
	if record.PID != os.Getpid() {
		return fmt.Errorf("pid file owned by %d, not removing", record.PID)
	}
	return os.Remove(path)
}

func decode(f *os.File) (PIDFile, error) {
	var record PIDFile
	if _, err := f.Seek(0, 0); err != nil {
		return record, err
	}
	if err := json.NewDecoder(f).Decode(&record); err != nil {
		return record, err
	}
	if record.PID <= 0 {
		return record, fmt.Errorf("invalid pid %d", record.PID)
	}
	return record, nil
}

// processAlive probes the PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
