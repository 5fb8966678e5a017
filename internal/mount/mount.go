package mount

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/playpen-dev/playpen/internal/session"
)

// Parse parses a volume binding specification into a session.VolumeBinding.
//
// Formats:
//   - "~/proj" -> binding with Target == Source, read-only
//   - "~/proj:rw" -> same paths, read-write
//   - "/host/proj:/session/proj:ro" -> explicit target, read-only
//   - "/host/proj:/session/proj:rw" -> explicit target, read-write
//
// Target defaults to Source; mode defaults to read-only.
func Parse(spec string) (session.VolumeBinding, error) {
	var b session.VolumeBinding
	if spec == "" {
		return b, fmt.Errorf("volume specification cannot be empty")
	}

	parts := strings.Split(spec, ":")

	sourcePath, err := expandPath(parts[0])
	if err != nil {
		return b, fmt.Errorf("invalid source path: %w", err)
	}
	b.Source = sourcePath
	b.ReadOnly = true

	switch len(parts) {
	case 1:
		b.Target = b.Source
	case 2:
		if parts[1] == "ro" || parts[1] == "rw" {
			b.Target = b.Source
			b.ReadOnly = parts[1] == "ro"
		} else {
			target, err := expandPath(parts[1])
			if err != nil {
				return b, fmt.Errorf("invalid target path: %w", err)
			}
			b.Target = target
		}
	case 3:
		target, err := expandPath(parts[1])
		if err != nil {
			return b, fmt.Errorf("invalid target path: %w", err)
		}
		b.Target = target

		switch parts[2] {
		case "ro":
			b.ReadOnly = true
		case "rw":
			b.ReadOnly = false
		default:
			return b, fmt.Errorf("invalid mode '%s': must be 'ro' or 'rw'", parts[2])
		}
	default:
		return b, fmt.Errorf("invalid volume specification: too many colons")
	}

	return b, nil
}

// ParseAll parses and validates a list of volume specifications.
func ParseAll(specs []string, v *Validator) ([]session.VolumeBinding, error) {
	var bindings []session.VolumeBinding
	for _, spec := range specs {
		b, err := Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: volume '%s': %v", session.ErrInvalidSpec, spec, err)
		}
		if v != nil {
			if err := v.Validate(b); err != nil {
				return nil, err
			}
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// expandPath expands ~ to the home directory and returns a cleaned absolute
// path.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand path: %w", err)
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to convert to absolute path: %w", err)
	}

	return filepath.Clean(abs), nil
}
