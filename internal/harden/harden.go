// Package harden builds the command sequences applied inside a freshly
// provisioned sandbox during configuration. Every step runs through the
// backend driver's Exec; a non-zero exit from any step aborts the session
// before it ever serves a query.
package harden

import (
	"fmt"
	"strings"

	"github.com/playpen-dev/playpen/internal/network"
)

// In-sandbox paths. Both live on tmpfs so nothing persists across restarts.
const (
	SecretsDir    = "/run/secrets"
	AllowlistPath = "/run/playpen/allowlist"
)

// Step is one in-sandbox command. Stdin carries sensitive payloads so they
// never appear in argv.
type Step struct {
	Name  string
	Cmd   []string
	Stdin string
}

// VerifyNonRoot fails if the sandbox's execution user is root.
func VerifyNonRoot() Step {
	return Step{
		Name: "verify-non-root",
		Cmd:  []string{"sh", "-c", `[ "$(id -u)" -ne 0 ]`},
	}
}

// PrepareSecretsDir creates the tmpfs secrets directory, owner-only.
func PrepareSecretsDir() Step {
	return Step{
		Name: "prepare-secrets-dir",
		Cmd:  []string{"sh", "-c", fmt.Sprintf("umask 077 && mkdir -p %s && chmod 700 %s", SecretsDir, SecretsDir)},
	}
}

// InjectSecret writes one secret value into the sandbox over stdin.
func InjectSecret(name, value string) Step {
	target := SecretsDir + "/" + name
	return Step{
		Name:  "inject-secret-" + name,
		Cmd:   []string{"sh", "-c", fmt.Sprintf("umask 077 && cat > %s && chmod 400 %s", target, target)},
		Stdin: value,
	}
}

// WriteAllowlist installs the egress policy file read by the in-sandbox
// network filter.
func WriteAllowlist(policy *network.Policy) Step {
	dir := AllowlistPath[:strings.LastIndexByte(AllowlistPath, '/')]
	return Step{
		Name:  "write-allowlist",
		Cmd:   []string{"sh", "-c", fmt.Sprintf("mkdir -p %s && cat > %s", dir, AllowlistPath)},
		Stdin: policy.Render(),
	}
}

// Plan returns the full configure sequence in execution order. Secrets are
// injected in map-iteration order; order between secrets does not matter.
func Plan(policy *network.Policy, secrets map[string]string) []Step {
	steps := []Step{
		VerifyNonRoot(),
		PrepareSecretsDir(),
	}
	for name, value := range secrets {
		steps = append(steps, InjectSecret(name, value))
	}
	steps = append(steps, WriteAllowlist(policy))
	return steps
}
