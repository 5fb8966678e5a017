package session

import "errors"

// Stable error kinds for the control plane. Lower layers wrap their failures
// into one of these; handlers map them to HTTP statuses and kind-tagged
// bodies, and nothing below the backend driver boundary leaks raw engine
// output to callers.
var (
	// ErrProvision means backend allocation failed: image or template
	// missing, or host capacity exhausted.
	ErrProvision = errors.New("provision failed")

	// ErrConfig means hardening or secret injection failed during the
	// configuring phase.
	ErrConfig = errors.New("configuration failed")

	// ErrStart means the health-check retry budget was exhausted while
	// waiting for the session to come up.
	ErrStart = errors.New("start failed")

	// ErrPolicy covers rate-limit rejections, invalid tokens, and
	// disallowed capabilities.
	ErrPolicy = errors.New("policy violation")

	// ErrQueryTimeout means the proxy-enforced timeout bound elapsed before
	// the in-session API answered.
	ErrQueryTimeout = errors.New("query timed out")

	// ErrNotFound means no session with the given name exists.
	ErrNotFound = errors.New("session not found")

	// ErrNameInUse means a session with the given name already exists.
	ErrNameInUse = errors.New("session name already in use")

	// ErrNotRunning means the session exists but is not in the running
	// state required by the operation.
	ErrNotRunning = errors.New("session not running")

	// ErrInvalidSpec means the request was structurally invalid: bad name,
	// malformed volume binding, unsupported backend, or an over-ceiling
	// query timeout.
	ErrInvalidSpec = errors.New("invalid session spec")

	// ErrUnreachable means the in-session API could not be reached.
	ErrUnreachable = errors.New("session API unreachable")
)

// Kind returns the stable kind tag for a wrapped control-plane error, or
// "internal" when the error does not wrap one of the taxonomy sentinels.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrProvision):
		return "provision_error"
	case errors.Is(err, ErrConfig):
		return "config_error"
	case errors.Is(err, ErrStart):
		return "start_error"
	case errors.Is(err, ErrPolicy):
		return "policy_violation"
	case errors.Is(err, ErrQueryTimeout):
		return "query_timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNameInUse):
		return "name_in_use"
	case errors.Is(err, ErrNotRunning):
		return "not_running"
	case errors.Is(err, ErrInvalidSpec):
		return "invalid_spec"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "internal"
	}
}
