package cron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setfarm/engine/internal/store"
)

func TestStoreBackedGateway_CreateIsDurableAndIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	g := NewStoreBackedGateway(NewFakeGateway(), db)

	specs := []JobSpec{
		{Name: JobName("wf-1", "developer", 1), Role: "developer", IntervalMS: DefaultIntervalMS, AgentID: "role/a", Payload: "peek role/a"},
		{Name: JobName("wf-1", "developer", 2), Role: "developer", IntervalMS: DefaultIntervalMS, AgentID: "role/a", Payload: "peek role/a"},
	}
	require.NoError(t, EnsureJobsForWorkflow(ctx, g, "wf-1", specs))

	rows, err := store.ListCronJobsForWorkflow(db, "wf-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(StaggerMS), rows[1].AnchorMS-rows[0].AnchorMS)

	// Ensuring again is a no-op: jobs already exist for the workflow.
	require.NoError(t, EnsureJobsForWorkflow(ctx, g, "wf-1", specs))
	rows, err = store.ListCronJobsForWorkflow(db, "wf-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestStoreBackedGateway_TeardownRemovesAllShards(t *testing.T) {
	ctx := context.Background()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	g := NewStoreBackedGateway(NewFakeGateway(), db)
	require.NoError(t, EnsureJobsForWorkflow(ctx, g, "wf-1", []JobSpec{
		{Name: JobName("wf-1", "developer", 1), Role: "developer"},
	}))
	require.NoError(t, EnsureJobsForWorkflow(ctx, g, "wf-2", []JobSpec{
		{Name: JobName("wf-2", "developer", 1), Role: "developer"},
	}))

	n, err := TeardownWorkflow(ctx, g, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := store.ListAllCronJobs(db)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "wf-2", remaining[0].WorkflowID)
}

func TestStoreBackedGateway_RestoreReplaysEnabledJobs(t *testing.T) {
	ctx := context.Background()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	g := NewStoreBackedGateway(NewFakeGateway(), db)
	require.NoError(t, EnsureJobsForWorkflow(ctx, g, "wf-1", []JobSpec{
		{Name: JobName("wf-1", "developer", 1), Role: "developer"},
	}))

	// Simulate a restart: fresh in-memory gateway knows nothing until Restore.
	fresh := NewStoreBackedGateway(NewFakeGateway(), db)
	jobs, err := fresh.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	n, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err = fresh.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "setfarm/wf-1/developer", jobs[0].Name)
}
