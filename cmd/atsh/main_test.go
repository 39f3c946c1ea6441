package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atsh/internal/cli"
	"github.com/roach88/atsh/internal/control"
	"github.com/roach88/atsh/internal/engine"
	"github.com/roach88/atsh/internal/harness"
)

func run(t *testing.T, signals *control.Signals, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := cli.Execute(context.Background(), definition(), args, harness.IO{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Signals: signals,
	})
	return code, stdout.String()
}

func TestPing(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	out := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"PX_RETRIES":"3"}`), 0o644))

	code, stdout := run(t, control.New(), "--input-session-filename", in, "--output-session-filename", out)
	require.Equal(t, engine.CodeOK, code, stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		`{"PX_MANUAL":false,"PX_PORT":2905,"PX_RETRIES":3,"last_reply":{"method":"PING","port":2905,"seq":3}}`+"\n",
		string(data))
}

func TestPing_ManualStepCancelled(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"PX_MANUAL":"yes"}`), 0o644))

	signals := control.New()
	signals.Cancel()

	code, stdout := run(t, signals, "--input-session-filename", in)
	assert.Equal(t, engine.CodeCancelled, code)
	assert.NotContains(t, stdout, `"kind":"probe-sent"`)
}

func TestInfo(t *testing.T) {
	code, stdout := run(t, control.New(), "--info")
	require.Equal(t, engine.CodeOK, code)
	assert.Contains(t, stdout, "sut_ping 1.0.0")
	assert.Contains(t, stdout, "PX_RETRIES")
}
