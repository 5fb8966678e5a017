// Package secret resolves named secrets into memory-backed files for
// injection into sessions. Secret values never appear in environment
// variables or process argv: they move from source files to a tmpfs staging
// area on the host, then over an exec stdin pipe into the sandbox.
package secret

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/playpen-dev/playpen/internal/session"
)

// shmDir is the preferred staging root. Files under it live in memory and
// never touch persistent storage.
const shmDir = "/dev/shm"

// Resolver reads secret values from a source directory and stages them for
// injection.
type Resolver struct {
	sourceDir   string
	stagingRoot string
}

// NewResolver returns a resolver reading secrets from sourceDir. One file
// per secret, named after the secret.
func NewResolver(sourceDir string) *Resolver {
	root := shmDir
	if fi, err := os.Stat(shmDir); err != nil || !fi.IsDir() {
		root = os.TempDir()
	}
	return &Resolver{sourceDir: sourceDir, stagingRoot: root}
}

// stagingDir is the per-session staging directory.
func (r *Resolver) stagingDir(sessionName string) string {
	return filepath.Join(r.stagingRoot, "playpen-"+sessionName)
}

// Resolve stages the named secrets for the session and returns a map from
// secret name to staged file path. All-or-nothing: if any secret cannot be
// resolved, nothing is staged and the session must not start.
func (r *Resolver) Resolve(sessionName string, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}

	dir := r.stagingDir(sessionName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating secret staging dir: %v", session.ErrConfig, err)
	}

	staged := make(map[string]string, len(names))
	for _, name := range names {
		if err := validateSecretName(name); err != nil {
			r.Teardown(sessionName)
			return nil, fmt.Errorf("%w: %v", session.ErrConfig, err)
		}

		value, err := os.ReadFile(filepath.Join(r.sourceDir, name))
		if err != nil {
			r.Teardown(sessionName)
			return nil, fmt.Errorf("%w: secret %q unavailable: %v", session.ErrConfig, name, err)
		}

		path := filepath.Join(dir, name)
		if err := writeSecretFile(path, value); err != nil {
			r.Teardown(sessionName)
			return nil, fmt.Errorf("%w: staging secret %q: %v", session.ErrConfig, name, err)
		}
		staged[name] = path
	}
	return staged, nil
}

// Teardown removes the session's staged secrets. Safe to call when nothing
// is staged.
func (r *Resolver) Teardown(sessionName string) {
	_ = os.RemoveAll(r.stagingDir(sessionName))
}

// writeSecretFile writes the value with owner-only read permissions. The
// file is created 0600 for the write, then tightened to 0400.
func writeSecretFile(path string, value []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, 0o400)
}

// validateSecretName rejects names that could escape the staging or target
// directories.
func validateSecretName(name string) error {
	if name == "" {
		return fmt.Errorf("empty secret name")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}
