package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
workflow_id: demo-workflow
steps:
  - step_id: plan
    agent_id: workflow/planner
    type: single
    input_template: "Plan: {{TASK}}"
    required_outputs: ["SUMMARY"]
  - step_id: implement
    agent_id: workflow/developer
    type: loop
    input_template: "Implement: {{STORY_INPUT}}"
    required_outputs: ["SUMMARY"]
    source_step_id: plan
    workers: 3
    verify_step_id: verify
    verify_each: true
  - step_id: verify
    agent_id: workflow/reviewer
    type: single
    input_template: "Review: {{SUMMARY}}"
    required_outputs: ["VERDICT"]
`

func TestLoad_ParsesValidWorkflow(t *testing.T) {
	l := NewLoader()
	spec, err := l.Load("demo.yaml", []byte(validYAML))
	require.NoError(t, err)
	require.Len(t, spec.Steps, 3)
	assert.Equal(t, "demo-workflow", spec.WorkflowID)
	assert.Equal(t, 3, spec.Steps[1].Workers)
	assert.True(t, spec.Steps[1].VerifyEach)
}

func TestLoad_CachesByContentHash(t *testing.T) {
	l := NewLoader()
	first, err := l.Load("demo.yaml", []byte(validYAML))
	require.NoError(t, err)

	second, err := l.Load("demo.yaml", []byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, first.WorkflowID, second.WorkflowID)
	assert.Equal(t, len(first.Steps), len(second.Steps))
}

func TestLoad_RejectsMissingWorkflowID(t *testing.T) {
	l := NewLoader()
	_, err := l.Load("bad.yaml", []byte("steps:\n  - step_id: a\n    agent_id: x\n    type: single\n"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	l := NewLoader()
	_, err := l.Load("bad.yaml", []byte("not: [valid"))
	assert.Error(t, err)
}

func TestLoad_RejectsLoopWithoutSourceStep(t *testing.T) {
	l := NewLoader()
	_, err := l.Load("bad.yaml", []byte(`
workflow_id: demo
steps:
  - step_id: implement
    agent_id: workflow/developer
    type: loop
    input_template: "x"
    required_outputs: ["SUMMARY"]
`))
	assert.Error(t, err)
}
