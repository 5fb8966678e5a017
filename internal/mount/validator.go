package mount

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/playpen-dev/playpen/internal/session"
)

// Validator validates volume sources against a list of blocked paths.
type Validator struct {
	blockedPaths []string // expanded absolute paths
}

// NewValidator creates a Validator from the given blocked paths. Each path is
// expanded and normalized; symlinks are resolved so comparisons stay
// consistent (e.g. /etc -> /private/etc on macOS).
func NewValidator(blockedPaths []string) (*Validator, error) {
	expanded := make([]string, 0, len(blockedPaths))

	for _, path := range blockedPaths {
		if path == "" {
			continue
		}

		expandedPath, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand blocked path '%s': %w", path, err)
		}

		absPath, err := filepath.Abs(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to convert blocked path '%s' to absolute: %w", path, err)
		}

		realPath, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			// Path may not exist yet; fall back to the cleaned absolute path.
			realPath = filepath.Clean(absPath)
		}

		expanded = append(expanded, realPath)
	}

	return &Validator{blockedPaths: expanded}, nil
}

// Validate checks whether the binding's source path is under or equal to any
// blocked path, resolving symlinks so a link into a protected directory is
// caught.
func (v *Validator) Validate(b session.VolumeBinding) error {
	sourcePath, err := homedir.Expand(b.Source)
	if err != nil {
		sourcePath = b.Source
	}
	sourcePath, err = filepath.Abs(sourcePath)
	if err != nil {
		sourcePath = filepath.Clean(b.Source)
	}

	realPath, err := filepath.EvalSymlinks(sourcePath)
	if err != nil {
		// Path doesn't exist yet; validate the absolute path as given.
		realPath = sourcePath
	}

	for _, blocked := range v.blockedPaths {
		if isUnderOrEqual(realPath, blocked) {
			if realPath != sourcePath {
				return fmt.Errorf("%w: %s resolves to protected path %s", session.ErrInvalidSpec, b.Source, blocked)
			}
			return fmt.Errorf("%w: %s is a protected path", session.ErrInvalidSpec, blocked)
		}
	}

	return nil
}

// isUnderOrEqual returns true if testPath is under or equal to basePath.
// Prefix matching is separator-aware: "/home/u/.sshrc" is NOT under
// "/home/u/.ssh".
func isUnderOrEqual(testPath, basePath string) bool {
	if testPath == basePath {
		return true
	}

	baseWithSep := basePath
	if !strings.HasSuffix(baseWithSep, string(filepath.Separator)) {
		baseWithSep += string(filepath.Separator)
	}

	return strings.HasPrefix(testPath, baseWithSep)
}
