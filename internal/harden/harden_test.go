package harden

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playpen-dev/playpen/internal/network"
)

func TestInjectSecretKeepsValueOffArgv(t *testing.T) {
	step := InjectSecret("api_key", "sk-very-secret")

	assert.Equal(t, "sk-very-secret", step.Stdin)
	assert.NotContains(t, strings.Join(step.Cmd, " "), "sk-very-secret")
	assert.Contains(t, strings.Join(step.Cmd, " "), "/run/secrets/api_key")
	assert.Contains(t, strings.Join(step.Cmd, " "), "chmod 400")
}

func TestWriteAllowlist(t *testing.T) {
	step := WriteAllowlist(network.Parse([]string{"npm"}))

	assert.Contains(t, step.Stdin, "registry.npmjs.org\n")
	assert.Contains(t, strings.Join(step.Cmd, " "), AllowlistPath)
}

func TestPlanOrder(t *testing.T) {
	steps := Plan(network.Parse([]string{"all"}), map[string]string{"k": "v"})
	require.Len(t, steps, 4)

	assert.Equal(t, "verify-non-root", steps[0].Name)
	assert.Equal(t, "prepare-secrets-dir", steps[1].Name)
	assert.Equal(t, "inject-secret-k", steps[2].Name)
	assert.Equal(t, "write-allowlist", steps[3].Name)
}

func TestPlanWithoutSecrets(t *testing.T) {
	steps := Plan(network.Parse(nil), nil)
	require.Len(t, steps, 3)
	assert.Equal(t, "none\n", steps[2].Stdin)
}
