package models

// WorkflowSpec is the parsed, validated form of a workflow YAML document.
// Ingestion (YAML -> WorkflowSpec) is out of scope for the engine (spec.md
// §1); the engine only ever consumes a WorkflowSpec value, produced either
// by internal/workflow's thin loader or by a test fixture.
type WorkflowSpec struct {
	WorkflowID string     `json:"workflow_id" yaml:"workflow_id"`
	Steps      []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec is a tagged union: Type selects which of the variant-specific
// fields apply. Deliberately a flat struct with optional fields rather than
// an interface hierarchy — steps differ structurally but the engine only
// ever needs to switch on Type once per step (design note: tagged variants
// over polymorphism).
type StepSpec struct {
	StepID          string   `json:"step_id" yaml:"step_id"`
	AgentID         string   `json:"agent_id" yaml:"agent_id"`
	Type            StepType `json:"type" yaml:"type"`
	InputTemplate   string   `json:"input_template" yaml:"input_template"`
	RequiredOutputs []string `json:"required_outputs" yaml:"required_outputs"`
	RetryBudget     int      `json:"retry_budget,omitempty" yaml:"retry_budget,omitempty"` // 0 means DefaultRetryBudget

	// Loop-only fields (Type == StepTypeLoop).
	SourceStepID string `json:"source_step_id,omitempty" yaml:"source_step_id,omitempty"`
	Workers      int    `json:"workers,omitempty" yaml:"workers,omitempty"` // 0 means DefaultLoopWorkers
	VerifyStepID string `json:"verify_step_id,omitempty" yaml:"verify_step_id,omitempty"`
	VerifyEach   bool   `json:"verify_each,omitempty" yaml:"verify_each,omitempty"`
}

// EffectiveRetryBudget returns the step's configured retry budget, or the
// engine default when unset.
func (s *StepSpec) EffectiveRetryBudget() int {
	if s.RetryBudget > 0 {
		return s.RetryBudget
	}
	return DefaultRetryBudget
}

// EffectiveWorkers returns the loop step's configured worker count, or the
// engine default when unset.
func (s *StepSpec) EffectiveWorkers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return DefaultLoopWorkers
}

// Validate checks structural requirements on a single step spec that are not
// expressible in the YAML schema itself (cross-field requirements for loop
// steps).
func (s *StepSpec) Validate() *SpecErrorKind {
	if s.StepID == "" {
		return &SpecErrorKind{Reason: "step_id is required"}
	}
	if s.AgentID == "" {
		return &SpecErrorKind{Reason: "agent_id is required for step " + s.StepID}
	}
	if s.Type == StepTypeLoop && s.SourceStepID == "" {
		return &SpecErrorKind{Reason: "loop step " + s.StepID + " requires source_step_id"}
	}
	if s.Type == StepTypeLoop && s.VerifyEach && s.VerifyStepID == "" {
		return &SpecErrorKind{Reason: "loop step " + s.StepID + " has verify_each but no verify_step_id"}
	}
	return nil
}

// Validate checks the whole spec: non-empty, unique step ids, in declared order.
func (w *WorkflowSpec) Validate() error {
	if w.WorkflowID == "" {
		return &SpecErrorKind{Reason: "workflow_id is required"}
	}
	if len(w.Steps) == 0 {
		return &SpecErrorKind{WorkflowID: w.WorkflowID, Reason: "at least one step is required"}
	}
	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		if err := step.Validate(); err != nil {
			err.WorkflowID = w.WorkflowID
			return err
		}
		if seen[step.StepID] {
			return &SpecErrorKind{WorkflowID: w.WorkflowID, Reason: "duplicate step_id: " + step.StepID}
		}
		seen[step.StepID] = true
	}
	return nil
}
