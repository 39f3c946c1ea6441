package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidate_AllValid(t *testing.T) {
	manifest := writeTemp(t, "atsh.cue", testManifest)
	scenario := writeTemp(t, "s.yaml", "name: x\nsteps:\n  - stop: 0\n")

	code, stdout, _ := execute(testDefinition(nil), "validate", manifest, scenario)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "✓ All files valid")
}

func TestValidate_Failures(t *testing.T) {
	manifest := writeTemp(t, "bad.cue", `ats: { name: "x" }`+"\nparameter: HOST: default: \"a\"\n")
	scenario := writeTemp(t, "bad.yaml", "name: x\nsteps:\n  - log: a\n    wait: 1s\n")
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	code, stdout, _ := execute(testDefinition(nil), "validate", manifest, scenario, missing)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stdout, "Error [E001]: "+manifest)
	assert.Contains(t, stdout, "Error [E002]: "+scenario)
	assert.Contains(t, stdout, "more than one instruction")
	assert.Contains(t, stdout, "Error [E003]: "+missing)
}

func TestValidate_JSON(t *testing.T) {
	scenario := writeTemp(t, "bad.yaml", "name: x\n")

	code, stdout, _ := execute(testDefinition(nil), "validate", "--format", "json", scenario)
	assert.Equal(t, ExitConfigError, code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenario, resp.Error.Code)
}

func TestValidate_NoArgs(t *testing.T) {
	code, _, stderr := execute(testDefinition(nil), "validate")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "requires at least 1 arg")
}
