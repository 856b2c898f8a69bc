package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeekRole_ReportsWorkPresence(t *testing.T) {
	db, err := InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	has, err := PeekRole(db, "workflow/developer")
	require.NoError(t, err)
	require.False(t, has)

	_, err = SeedRun(db, "demo", testFixtureSingleSpec("wf-peek"))
	require.NoError(t, err)

	has, err = PeekRole(db, "workflow/developer")
	require.NoError(t, err)
	require.True(t, has)

	has, err = PeekRole(db, "workflow/nobody")
	require.NoError(t, err)
	require.False(t, has)
}

func TestClaimNextForRole_FIFOAcrossRuns(t *testing.T) {
	db, err := InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	first, err := SeedRun(db, "first task", testFixtureSingleSpec("wf-fifo"))
	require.NoError(t, err)
	second, err := SeedRun(db, "second task", testFixtureSingleSpec("wf-fifo"))
	require.NoError(t, err)

	claim, err := ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, first.Steps[0].ID, claim.UnitID, "earlier-created run must be served first")

	claim2, err := ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.NotNil(t, claim2)
	require.Equal(t, second.Steps[0].ID, claim2.UnitID)

	none, err := ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestCompleteUnit_UnknownPrefixIsBadInput(t *testing.T) {
	db, err := InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = CompleteUnit(db, "bogus_123", "SUMMARY: x")
	require.Error(t, err)
}
