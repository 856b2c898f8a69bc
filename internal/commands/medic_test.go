package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMedicRun_ProducesAuditedCheck(t *testing.T) {
	withTestDB(t)

	runCmd := newMedicRunCmd()
	out, err := captureStdout(t, func() error { return runCmd.RunE(runCmd, nil) })
	require.NoError(t, err)

	var resp struct {
		Data struct {
			ID          int64 `json:"id"`
			IssuesFound int   `json:"issues_found"`
		} `json:"data"`
	}
	decodeJSONResponse(t, out, &resp)
	require.NotZero(t, resp.Data.ID)
	require.GreaterOrEqual(t, resp.Data.IssuesFound, 0)

	historyCmd := newMedicHistoryCmd()
	out, err = captureStdout(t, func() error { return historyCmd.RunE(historyCmd, nil) })
	require.NoError(t, err)
	require.Contains(t, out, `"checks"`)
}
