package medic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	setfarmcron "github.com/setfarm/engine/internal/cron"
	"github.com/setfarm/engine/internal/models"
	"github.com/setfarm/engine/internal/store"
)

func testFixtureSingleSpec(workflowID string) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		WorkflowID: workflowID,
		Steps: []models.StepSpec{
			{StepID: "only", AgentID: "workflow/developer", Type: models.StepTypeSingle, InputTemplate: "Do: {{TASK}}", RequiredOutputs: []string{"SUMMARY"}},
		},
	}
}

func testFixtureLoopSpec(workflowID string) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		WorkflowID: workflowID,
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "workflow/planner", Type: models.StepTypeSingle, InputTemplate: "Plan: {{TASK}}", RequiredOutputs: []string{"SUMMARY"}},
			{StepID: "implement", AgentID: "workflow/developer", Type: models.StepTypeLoop, InputTemplate: "Implement: {{STORY_INPUT}}", RequiredOutputs: []string{"SUMMARY"}, SourceStepID: "plan", Workers: 2},
		},
	}
}

func TestCheckStuckSteps_ResetsAgedClaim(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	gw := setfarmcron.NewStoreBackedGateway(setfarmcron.NewFakeGateway(), db)
	w := NewWatchdog(db, gw)

	seeded, err := store.SeedRun(db, "demo", testFixtureSingleSpec("wf-medic-1"))
	require.NoError(t, err)

	claimed, err := store.ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	backdated := time.Now().UTC().Add(-2 * time.Hour)
	_, err = db.Exec(`UPDATE steps SET updated_at = ? WHERE id = ?`, backdated, seeded.Steps[0].ID)
	require.NoError(t, err)

	check, err := w.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, check.IssuesFound)

	step, err := store.GetStep(db, seeded.Steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, step.Status)
	assert.Equal(t, 1, step.AbandonedCount)
}

func TestCheckDeadRun_MarksRunFailed(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	gw := setfarmcron.NewStoreBackedGateway(setfarmcron.NewFakeGateway(), db)
	w := NewWatchdog(db, gw)

	seeded, err := store.SeedRun(db, "demo", testFixtureSingleSpec("wf-medic-2"))
	require.NoError(t, err)

	// Artificially force the run's only step terminal without the run
	// reaching its own terminal transition, to exercise the dead_run
	// detector's exact signal (no step left in waiting/pending/running).
	_, err = db.Exec(`UPDATE steps SET status = 'done' WHERE id = ?`, seeded.Steps[0].ID)
	require.NoError(t, err)

	_, err = w.RunPass(context.Background())
	require.NoError(t, err)

	run, err := store.GetRun(db, seeded.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestCheckOrphanedCrons_TearsDownWhenNoRunsRunning(t *testing.T) {
	ctx := context.Background()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	gw := setfarmcron.NewStoreBackedGateway(setfarmcron.NewFakeGateway(), db)
	w := NewWatchdog(db, gw)

	require.NoError(t, setfarmcron.EnsureJobsForWorkflow(ctx, gw, "wf-medic-3", []setfarmcron.JobSpec{
		{Name: setfarmcron.JobName("wf-medic-3", "developer", 1), Role: "developer", AgentID: "workflow/developer"},
	}))

	_, err = w.RunPass(ctx)
	require.NoError(t, err)

	remaining, err := store.ListCronJobsForWorkflow(db, "wf-medic-3")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestCheckFailedRunResumable_ResumesLoopStoryFailure(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	gw := setfarmcron.NewStoreBackedGateway(setfarmcron.NewFakeGateway(), db)
	w := NewWatchdog(db, gw)

	seeded, err := store.SeedRun(db, "demo", testFixtureLoopSpec("wf-medic-4"))
	require.NoError(t, err)

	planClaim, err := store.ClaimNextForRole(db, "workflow/planner")
	require.NoError(t, err)
	require.NoError(t, store.CompleteUnit(db, planClaim.UnitID, "SUMMARY: s\nSTORIES_JSON: [{\"story_id\":\"a\",\"input\":\"do a\"},{\"story_id\":\"b\",\"input\":\"do b\"}]"))

	storyA, err := store.ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.NotNil(t, storyA)

	for i := 0; i < models.DefaultRetryBudget; i++ {
		require.NoError(t, store.FailUnit(db, storyA.UnitID, "boom"))
		next, err := store.ClaimNextForRole(db, "workflow/developer")
		require.NoError(t, err)
		if next == nil {
			break
		}
		storyA = next
	}

	run, err := store.GetRun(db, seeded.Run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, run.Status)

	_, err = w.RunPass(context.Background())
	require.NoError(t, err)

	run, err = store.GetRun(db, seeded.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
}
