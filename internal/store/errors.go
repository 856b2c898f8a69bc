package store

import (
	"errors"

	"github.com/setfarm/engine/internal/models"
)

// RecoverableError is an alias for models.RecoverableError, retained so
// callers that reference store.RecoverableError keep working.
type RecoverableError = models.RecoverableError

// ErrIdempotencyInProgress is returned when a request is still being
// processed by another agent (the idempotency row exists with an empty
// result_json).
var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// ErrVersionConflict is returned when a compare-and-swap update on a run,
// step, or story's version column affects zero rows: another writer (agent
// claim or medic remediation) won the race. Callers wrap it in a
// *models.ConflictError so the CLI surfaces a CONFLICT error code.
var ErrVersionConflict = errors.New("version conflict")
