package commands

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCreateShowList_EndToEnd(t *testing.T) {
	withTestDB(t)
	workflowPath := writeWorkflowFixture(t, "wf-cli-run")

	createCmd := newRunCreateCmd()
	createCmd.SetArgs([]string{"--workflow", workflowPath, "--task", "ship it"})
	out, err := captureStdout(t, func() error { return createCmd.Execute() })
	require.NoError(t, err)
	require.Contains(t, out, `"success":true`)
	require.Contains(t, out, "wf-cli-run")

	var created struct {
		Data struct {
			Run struct {
				ID string `json:"id"`
			} `json:"run"`
		} `json:"data"`
	}
	decodeJSONResponse(t, out, &created)
	require.NotEmpty(t, created.Data.Run.ID)

	showCmd := newRunShowCmd()
	showCmd.SetArgs([]string{created.Data.Run.ID})
	out, err = captureStdout(t, func() error { return showCmd.Execute() })
	require.NoError(t, err)
	require.Contains(t, out, created.Data.Run.ID)

	listCmd := newRunListCmd()
	listCmd.SetArgs([]string{})
	out, err = captureStdout(t, func() error { return listCmd.Execute() })
	require.NoError(t, err)
	require.True(t, strings.Contains(out, created.Data.Run.ID))
}

func TestRunCreate_RequiresWorkflowAndTask(t *testing.T) {
	withTestDB(t)

	createCmd := newRunCreateCmd()
	createCmd.SetArgs([]string{"--task", "ship it"})
	_, err := captureStdout(t, func() error { return createCmd.Execute() })
	require.Error(t, err)
}
