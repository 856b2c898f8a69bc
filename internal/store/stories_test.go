package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/setfarm/engine/internal/models"
)

// TestLoopFanOut_DisjointClaimsThenLoopDone mirrors testable property S4:
// a two-step workflow where step 1 emits STORIES_JSON for two stories and
// step 2 is a loop with two workers; claims must be disjoint and the loop
// (and run) reach done once both stories settle.
func TestLoopFanOut_DisjointClaimsThenLoopDone(t *testing.T) {
	db, err := InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	spec := &models.WorkflowSpec{
		WorkflowID: "wf-loop-fanout",
		Steps: []models.StepSpec{
			{
				StepID: "plan", AgentID: "workflow/planner", Type: models.StepTypeSingle,
				InputTemplate: "plan it", RequiredOutputs: []string{"STORIES_JSON"},
			},
			{
				StepID: "implement", AgentID: "workflow/developer", Type: models.StepTypeLoop,
				InputTemplate: "implement {{STORY_INPUT}}", RequiredOutputs: []string{"SUMMARY"},
				SourceStepID: "plan", Workers: 2,
			},
		},
	}
	seeded, err := SeedRun(db, "demo", spec)
	require.NoError(t, err)

	planClaim, err := ClaimNextForRole(db, "workflow/planner")
	require.NoError(t, err)
	require.NotNil(t, planClaim)
	require.NoError(t, CompleteUnit(db, planClaim.UnitID,
		`STORIES_JSON: [{"story_id":"a","title":"A","input":"do A"},{"story_id":"b","title":"B","input":"do B"}]`))

	loopStep, err := GetStep(db, seeded.Steps[1].ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusPending, loopStep.Status)

	stories, err := ListStoriesForStep(db, loopStep.ID)
	require.NoError(t, err)
	require.Len(t, stories, 2)

	claim1, err := ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.NotNil(t, claim1)
	require.Equal(t, "story", claim1.Kind)

	claim2, err := ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.NotNil(t, claim2)
	require.Equal(t, "story", claim2.Kind)

	require.NotEqual(t, claim1.UnitID, claim2.UnitID)
	require.ElementsMatch(t, []string{"a", "b"}, []string{claim1.StoryID, claim2.StoryID})

	noMore, err := ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.Nil(t, noMore)

	require.NoError(t, CompleteUnit(db, claim1.UnitID, "SUMMARY: did "+claim1.StoryID))
	require.NoError(t, CompleteUnit(db, claim2.UnitID, "SUMMARY: did "+claim2.StoryID))

	loopStep, err = GetStep(db, loopStep.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusDone, loopStep.Status)

	run, err := GetRun(db, seeded.Run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, run.Status)
}

// TestLoopVerifyEach_TwoPhaseCycle exercises the worker -> verifier handoff:
// a worker completes a story, it returns to pending awaiting verification,
// and only the verifier role may claim it next.
func TestLoopVerifyEach_TwoPhaseCycle(t *testing.T) {
	db, err := InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	seeded, err := SeedRun(db, "demo", testFixtureSpec("wf-verify-each"))
	require.NoError(t, err)

	planClaim, err := ClaimNextForRole(db, "workflow/planner")
	require.NoError(t, err)
	require.NotNil(t, planClaim)
	require.NoError(t, CompleteUnit(db, planClaim.UnitID,
		`STORIES_JSON: [{"story_id":"only","title":"Only","input":"do it"}]`))

	devClaim, err := ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.NotNil(t, devClaim)

	reviewerSaw, err := ClaimNextForRole(db, "workflow/reviewer")
	require.NoError(t, err)
	require.Nil(t, reviewerSaw, "verifier should not see the story before the worker submits")

	require.NoError(t, CompleteUnit(db, devClaim.UnitID, "SUMMARY: implemented"))

	story, err := GetStory(db, devClaim.UnitID)
	require.NoError(t, err)
	require.Equal(t, models.StoryStatusPending, story.Status)
	require.True(t, story.PendingVerify)

	devSeesAgain, err := ClaimNextForRole(db, "workflow/developer")
	require.NoError(t, err)
	require.Nil(t, devSeesAgain, "worker role must not reclaim a story pending verification")

	verifyClaim, err := ClaimNextForRole(db, "workflow/reviewer")
	require.NoError(t, err)
	require.NotNil(t, verifyClaim)
	require.Equal(t, devClaim.UnitID, verifyClaim.UnitID)

	require.NoError(t, CompleteUnit(db, verifyClaim.UnitID, "VERDICT: approved"))

	story, err = GetStory(db, devClaim.UnitID)
	require.NoError(t, err)
	require.Equal(t, models.StoryStatusVerified, story.Status)
}

func TestMedicResetStory_SkipsAfterFiveAbandons(t *testing.T) {
	db, err := InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	spec := &models.WorkflowSpec{
		WorkflowID: "wf-skip",
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "workflow/planner", Type: models.StepTypeSingle, InputTemplate: "plan", RequiredOutputs: []string{"STORIES_JSON"}},
			{StepID: "implement", AgentID: "workflow/developer", Type: models.StepTypeLoop, InputTemplate: "go", RequiredOutputs: []string{"SUMMARY"}, SourceStepID: "plan", Workers: 1},
		},
	}
	seeded, err := SeedRun(db, "demo", spec)
	require.NoError(t, err)

	planClaim, err := ClaimNextForRole(db, "workflow/planner")
	require.NoError(t, err)
	require.NoError(t, CompleteUnit(db, planClaim.UnitID,
		`STORIES_JSON: [{"story_id":"only","title":"Only","input":"go"}]`))

	stories, err := ListStoriesForStep(db, seeded.Steps[1].ID)
	require.NoError(t, err)
	require.Len(t, stories, 1)
	storyRowID := stories[0].ID

	for i := 0; i < models.MaxMedicAbandons; i++ {
		claimed, err := ClaimNextForRole(db, "workflow/developer")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, ResetStory(db, storyRowID))
	}

	story, err := GetStory(db, storyRowID)
	require.NoError(t, err)
	require.Equal(t, models.StoryStatusSkipped, story.Status)

	loopStep, err := GetStep(db, seeded.Steps[1].ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusDone, loopStep.Status)
}
