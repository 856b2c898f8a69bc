package cron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobName_ShardingConvention(t *testing.T) {
	assert.Equal(t, "setfarm/wf-1/developer", JobName("wf-1", "developer", 1))
	assert.Equal(t, "setfarm/wf-1/developer", JobName("wf-1", "developer", 0))
	assert.Equal(t, "setfarm/wf-1/developer-2", JobName("wf-1", "developer", 2))
	assert.Equal(t, "setfarm/wf-1/developer-3", JobName("wf-1", "developer", 3))
}

func TestWorkflowPrefix(t *testing.T) {
	assert.Equal(t, "setfarm/wf-1/", WorkflowPrefix("wf-1"))
}

func TestFakeGateway_CreateListDelete(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGateway()

	id, err := g.CreateJob(ctx, JobSpec{Name: JobName("wf-1", "developer", 1)})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	jobs, err := g.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "setfarm/wf-1/developer", jobs[0].Name)

	require.NoError(t, g.DeleteJob(ctx, id))
	jobs, err = g.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFakeGateway_DeleteJobsByPrefix(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGateway()

	_, err := g.CreateJob(ctx, JobSpec{Name: JobName("wf-1", "developer", 1)})
	require.NoError(t, err)
	_, err = g.CreateJob(ctx, JobSpec{Name: JobName("wf-1", "reviewer", 1)})
	require.NoError(t, err)
	_, err = g.CreateJob(ctx, JobSpec{Name: JobName("wf-2", "developer", 1)})
	require.NoError(t, err)

	n, err := g.DeleteJobsByPrefix(ctx, WorkflowPrefix("wf-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := g.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "setfarm/wf-2/developer", jobs[0].Name)
}

func TestFakeGateway_DeleteUnknownJobErrors(t *testing.T) {
	g := NewFakeGateway()
	err := g.DeleteJob(context.Background(), "cronjob_missing")
	assert.Error(t, err)
}
