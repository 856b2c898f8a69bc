package commands

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/setfarm/engine/internal/app"
	"github.com/stretchr/testify/require"
)

// withTestDB points the CLI's database resolver at a fresh file in a temp
// directory for the duration of the test and restores the override after.
func withTestDB(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	app.SetDBPathOverride(filepath.Join(dir, "setfarm.db"))
	t.Cleanup(func() { app.SetDBPathOverride("") })
}

// writeWorkflowFixture writes a minimal single-step workflow YAML file and
// returns its path.
func writeWorkflowFixture(t *testing.T, workflowID string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	content := "workflow_id: " + workflowID + "\n" +
		"steps:\n" +
		"  - step_id: only\n" +
		"    agent_id: workflow/developer\n" +
		"    type: single\n" +
		"    input_template: \"Do: {{TASK}}\"\n" +
		"    required_outputs: [SUMMARY]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// captureStdout mirrors internal/output's own test helper: the output
// package always writes to os.Stdout directly, so capturing a command's
// JSON response means swapping the process-wide stdout file descriptor.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	original := os.Stdout
	r, w, pipeErr := os.Pipe()
	require.NoError(t, pipeErr)
	os.Stdout = w

	runErr := fn()

	os.Stdout = original
	require.NoError(t, w.Close())
	b, readErr := io.ReadAll(r)
	require.NoError(t, readErr)
	require.NoError(t, r.Close())

	return string(b), runErr
}

// decodeJSONResponse unmarshals a captured command response line into v.
func decodeJSONResponse(t *testing.T, out string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v))
}
