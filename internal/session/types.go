package session

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Backend identifies the sandbox engine realizing a session.
type Backend string

const (
	BackendContainer Backend = "container"
	BackendVM        Backend = "vm"
)

// Valid reports whether b names a supported backend.
func (b Backend) Valid() bool {
	return b == BackendContainer || b == BackendVM
}

// State is a phase of the session lifecycle.
type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateConfiguring  State = "configuring"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateUnhealthy    State = "unhealthy"
	StateRecycling    State = "recycling"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// transitions is the set of legal forward edges of the state machine.
// Failed is reachable from every non-terminal state and is not listed.
var transitions = map[State][]State{
	StateRequested:    {StateProvisioning},
	StateProvisioning: {StateConfiguring},
	StateConfiguring:  {StateStarting},
	StateStarting:     {StateRunning},
	StateRunning:      {StateUnhealthy, StateRecycling},
	StateUnhealthy:    {StateRunning, StateRecycling},
	StateRecycling:    {StateTerminated},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// VolumeBinding maps a host path into the session.
type VolumeBinding struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Spec renders the binding in host:target:mode form.
func (v VolumeBinding) Spec() string {
	mode := "rw"
	if v.ReadOnly {
		mode = "ro"
	}
	return v.Source + ":" + v.Target + ":" + mode
}

// EncodeVolumes serializes bindings for storage in a single column. JSON,
// because host paths may contain any byte the filesystem allows, including
// the separators a delimited encoding would trip over.
func EncodeVolumes(vols []VolumeBinding) string {
	if len(vols) == 0 {
		return ""
	}
	data, err := json.Marshal(vols)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeVolumes reverses EncodeVolumes.
func DecodeVolumes(encoded string) ([]VolumeBinding, error) {
	if encoded == "" {
		return nil, nil
	}
	var vols []VolumeBinding
	if err := json.Unmarshal([]byte(encoded), &vols); err != nil {
		return nil, fmt.Errorf("malformed volumes column: %w", err)
	}
	return vols, nil
}

// Session is the registry's view of one sandboxed unit of work.
type Session struct {
	Name              string          `json:"name"`
	Backend           Backend         `json:"backend"`
	State             State           `json:"state"`
	Image             string          `json:"image,omitempty"`
	ResourceHandle    string          `json:"resource_handle,omitempty"`
	NetworkAddress    string          `json:"network_address,omitempty"`
	HostPort          int             `json:"host_port,omitempty"`
	Volumes           []VolumeBinding `json:"volumes,omitempty"`
	Networks          []string        `json:"networks,omitempty"`
	Secrets           []string        `json:"secrets,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastHealthCheckAt *time.Time      `json:"last_health_check_at,omitempty"`
}

var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,62}$`)

// ValidateName enforces the session naming rules. Names become container and
// VM identifiers, so they follow the engines' common charset.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRE.String())
	}
	return nil
}

// Capability is an operation category a container token may be scoped to.
type Capability string

const (
	CapQuery   Capability = "query"
	CapInspect Capability = "inspect"
	CapRecycle Capability = "recycle"
)

// CapabilitiesForBackend derives a token's capability set from the session's
// backend role. VM sessions are expensive to recreate, so their tokens cannot
// trigger their own recycling.
func CapabilitiesForBackend(b Backend) []Capability {
	switch b {
	case BackendVM:
		return []Capability{CapQuery, CapInspect}
	default:
		return []Capability{CapQuery, CapInspect, CapRecycle}
	}
}

// Token is the bearer credential issued to a session during configuration.
type Token struct {
	ID           string       `json:"token_id"`
	SessionName  string       `json:"session_name"`
	Capabilities []Capability `json:"capabilities"`
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    time.Time    `json:"expiry"`
	Revoked      bool         `json:"-"`
}

// Allows reports whether the token grants the given operation category.
func (t *Token) Allows(c Capability) bool {
	for _, have := range t.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ValidAt reports whether the token is usable at the given instant. A revoked
// token is invalid regardless of its nominal expiry.
func (t *Token) ValidAt(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// QueryRequest is the unit of work sent into a session.
type QueryRequest struct {
	Prompt         string `json:"prompt"`
	WorkingDir     string `json:"working_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	ForkSession    bool   `json:"fork_session,omitempty"`
}

// QueryResponse is the structured result relayed back from the in-session API.
// Exactly one of Success == true or Error != "" holds; DurationSeconds is
// populated regardless of outcome.
type QueryResponse struct {
	Success         bool     `json:"success"`
	Output          string   `json:"output,omitempty"`
	Error           string   `json:"error,omitempty"`
	ExitCode        int      `json:"exit_code"`
	DurationSeconds float64  `json:"duration_seconds"`
	FilesModified   []string `json:"files_modified,omitempty"`
}
