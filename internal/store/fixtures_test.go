package store

import "github.com/setfarm/engine/internal/models"

// testFixtureSpec returns a minimal, valid two-step WorkflowSpec (one single
// step feeding a loop step) used across store package tests that need a
// concrete spec to seed a run from.
func testFixtureSpec(workflowID string) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		WorkflowID: workflowID,
		Steps: []models.StepSpec{
			{
				StepID:          "plan",
				AgentID:         "workflow/planner",
				Type:            models.StepTypeSingle,
				InputTemplate:   "Plan: {{TASK}}",
				RequiredOutputs: []string{"SUMMARY"},
			},
			{
				StepID:          "implement",
				AgentID:         "workflow/developer",
				Type:            models.StepTypeLoop,
				InputTemplate:   "Implement: {{STORY_INPUT}}",
				RequiredOutputs: []string{"SUMMARY"},
				SourceStepID:    "plan",
				Workers:         2,
				VerifyStepID:    "verify",
				VerifyEach:      true,
			},
			{
				StepID:          "verify",
				AgentID:         "workflow/reviewer",
				Type:            models.StepTypeSingle,
				InputTemplate:   "Review: {{SUMMARY}}",
				RequiredOutputs: []string{"VERDICT"},
			},
		},
	}
}

// testFixtureSingleSpec returns a minimal one-step WorkflowSpec with no loop,
// for tests that only exercise the single-step claim/complete/fail path.
func testFixtureSingleSpec(workflowID string) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		WorkflowID: workflowID,
		Steps: []models.StepSpec{
			{
				StepID:          "only",
				AgentID:         "workflow/developer",
				Type:            models.StepTypeSingle,
				InputTemplate:   "Do: {{TASK}}",
				RequiredOutputs: []string{"SUMMARY"},
			},
		},
	}
}
