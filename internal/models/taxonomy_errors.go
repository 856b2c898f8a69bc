package models

import "fmt"

// The engine's error taxonomy is a fixed set of kinds, not a type hierarchy:
// BadInput, NotFound, Conflict, SpecError, UpstreamError, ParseError,
// Exhausted, Internal. Each kind below implements RecoverableError so the
// output layer can surface ErrorCode/Context/SuggestedAction without an
// import cycle, following the teacher's ClaimContentionError pattern.

// BadInputError signals malformed claim/complete/fail arguments.
type BadInputError struct {
	Field  string
	Reason string
}

func (e *BadInputError) Error() string { return fmt.Sprintf("bad input: %s: %s", e.Field, e.Reason) }
func (e *BadInputError) ErrorCode() string { return "BAD_INPUT" }
func (e *BadInputError) Context() map[string]string {
	return map[string]string{"field": e.Field, "reason": e.Reason}
}
func (e *BadInputError) SuggestedAction() string { return "correct the argument and retry" }

// NotFoundError signals an unknown unit, run, or step.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Entity, e.ID) }
func (e *NotFoundError) ErrorCode() string { return "NOT_FOUND" }
func (e *NotFoundError) Context() map[string]string {
	return map[string]string{"entity": e.Entity, "id": e.ID}
}
func (e *NotFoundError) SuggestedAction() string { return "verify the id with step peek/claim" }

// ConflictError signals the unit is no longer claimable by the caller
// (already running, already terminal, or lost an optimistic-concurrency race).
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s no longer claimable: %s", e.Entity, e.ID, e.Reason)
}
func (e *ConflictError) ErrorCode() string { return "CONFLICT" }
func (e *ConflictError) Context() map[string]string {
	return map[string]string{"entity": e.Entity, "id": e.ID, "reason": e.Reason}
}
func (e *ConflictError) SuggestedAction() string { return "re-peek for work and retry the claim" }

// SpecErrorKind signals an invalid WorkflowSpec.
type SpecErrorKind struct {
	WorkflowID string
	Reason     string
}

func (e *SpecErrorKind) Error() string {
	return fmt.Sprintf("invalid workflow spec %s: %s", e.WorkflowID, e.Reason)
}
func (e *SpecErrorKind) ErrorCode() string { return "SPEC_ERROR" }
func (e *SpecErrorKind) Context() map[string]string {
	return map[string]string{"workflow_id": e.WorkflowID, "reason": e.Reason}
}
func (e *SpecErrorKind) SuggestedAction() string { return "fix the workflow spec and re-ingest it" }

// UpstreamErrorKind signals the cron gateway (or another external collaborator) is unreachable.
type UpstreamErrorKind struct {
	System string
	Reason string
}

func (e *UpstreamErrorKind) Error() string {
	return fmt.Sprintf("%s unreachable: %s", e.System, e.Reason)
}
func (e *UpstreamErrorKind) ErrorCode() string { return "UPSTREAM_ERROR" }
func (e *UpstreamErrorKind) Context() map[string]string {
	return map[string]string{"system": e.System, "reason": e.Reason}
}
func (e *UpstreamErrorKind) SuggestedAction() string {
	return "the DB is the source of truth; medic will retry reconciliation on its next tick"
}

// ParseErrorKind signals agent output was missing required keys or had
// unparseable STORIES_JSON.
type ParseErrorKind struct {
	UnitID string
	Reason string
}

func (e *ParseErrorKind) Error() string { return fmt.Sprintf("parse error for %s: %s", e.UnitID, e.Reason) }
func (e *ParseErrorKind) ErrorCode() string { return "PARSE_ERROR" }
func (e *ParseErrorKind) Context() map[string]string {
	return map[string]string{"unit_id": e.UnitID, "reason": e.Reason}
}
func (e *ParseErrorKind) SuggestedAction() string {
	return "emit one `KEY: value` line per required output and retry"
}

// ExhaustedError signals the retry budget for a unit has been reached.
type ExhaustedError struct {
	Entity     string
	ID         string
	RetryCount int
	Budget     int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s %s exhausted retry budget (%d/%d)", e.Entity, e.ID, e.RetryCount, e.Budget)
}
func (e *ExhaustedError) ErrorCode() string { return "EXHAUSTED" }
func (e *ExhaustedError) Context() map[string]string {
	return map[string]string{
		"entity":      e.Entity,
		"id":          e.ID,
		"retry_count": fmt.Sprintf("%d", e.RetryCount),
		"budget":      fmt.Sprintf("%d", e.Budget),
	}
}
func (e *ExhaustedError) SuggestedAction() string { return "resume the run explicitly to clear retry_count" }

// InternalError signals an invariant violation. Per spec §7 this is fatal:
// the process should refuse further mutation after emitting it.
type InternalError struct {
	Invariant string
	Detail    string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal invariant violated (%s): %s", e.Invariant, e.Detail)
}
func (e *InternalError) ErrorCode() string { return "INTERNAL" }
func (e *InternalError) Context() map[string]string {
	return map[string]string{"invariant": e.Invariant, "detail": e.Detail}
}
func (e *InternalError) SuggestedAction() string { return "this is a bug; file a report with the event log" }
