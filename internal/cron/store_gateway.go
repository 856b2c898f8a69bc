package cron

import (
	"context"
	"database/sql"

	"github.com/setfarm/engine/internal/store"
)

// StoreBackedGateway wraps a Gateway with durable bookkeeping in the
// cron_jobs table so the schedule survives a process restart (§4.6).
// Every create/delete against the underlying Gateway is mirrored into the
// Store in the same call; Restore replays the table back into the gateway
// at startup.
type StoreBackedGateway struct {
	inner Gateway
	db    *sql.DB
}

// NewStoreBackedGateway wraps inner with Store persistence.
func NewStoreBackedGateway(inner Gateway, db *sql.DB) *StoreBackedGateway {
	return &StoreBackedGateway{inner: inner, db: db}
}

func (g *StoreBackedGateway) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	id, err := g.inner.CreateJob(ctx, spec)
	if err != nil {
		return "", err
	}
	err = store.Transact(g.db, func(tx *sql.Tx) error {
		return store.InsertCronJobTx(tx, id, store.CronJobRow{
			Name:       spec.Name,
			WorkflowID: spec.WorkflowID,
			Role:       spec.Role,
			IntervalMS: spec.IntervalMS,
			AnchorMS:   spec.AnchorMS,
			AgentID:    spec.AgentID,
			Payload:    spec.Payload,
			Enabled:    true,
		})
	})
	if err != nil {
		// Roll back the scheduler-side entry so gateway and store don't drift.
		_ = g.inner.DeleteJob(ctx, id)
		return "", err
	}
	return id, nil
}

func (g *StoreBackedGateway) ListJobs(ctx context.Context) ([]JobRef, error) {
	return g.inner.ListJobs(ctx)
}

func (g *StoreBackedGateway) DeleteJob(ctx context.Context, id string) error {
	if err := g.inner.DeleteJob(ctx, id); err != nil {
		return err
	}
	return store.Transact(g.db, func(tx *sql.Tx) error {
		return store.DeleteCronJobTx(tx, id)
	})
}

func (g *StoreBackedGateway) DeleteJobsByPrefix(ctx context.Context, prefix string) (int, error) {
	n, err := g.inner.DeleteJobsByPrefix(ctx, prefix)
	if err != nil {
		return n, err
	}
	if _, err := store.DeleteCronJobsByPrefix(g.db, prefix); err != nil {
		return n, err
	}
	return n, nil
}

// Restore replays every cron_jobs row still on record back into the
// underlying gateway. Call once at engine startup (§4.6: "Medic also
// restores cron jobs at engine startup for any run still in running").
func (g *StoreBackedGateway) Restore(ctx context.Context) (int, error) {
	rows, err := store.ListAllCronJobs(g.db)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		if _, err := g.inner.CreateJob(ctx, JobSpec{
			Name:       row.Name,
			WorkflowID: row.WorkflowID,
			Role:       row.Role,
			IntervalMS: row.IntervalMS,
			AnchorMS:   row.AnchorMS,
			AgentID:    row.AgentID,
			Payload:    row.Payload,
		}); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// EnsureJobsForWorkflow creates one job per role-shard if and only if no
// jobs currently exist for the workflow (§4.5 idempotent creation).
func EnsureJobsForWorkflow(ctx context.Context, g *StoreBackedGateway, workflowID string, specs []JobSpec) error {
	existing, err := store.ListCronJobsForWorkflow(g.db, workflowID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for i, spec := range specs {
		spec.WorkflowID = workflowID
		spec.AnchorMS += int64(i) * StaggerMS
		if _, err := g.CreateJob(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// TeardownWorkflow deletes every job recorded for a workflow, by its
// naming-convention prefix (§4.5 Lifecycle).
func TeardownWorkflow(ctx context.Context, g *StoreBackedGateway, workflowID string) (int, error) {
	return g.DeleteJobsByPrefix(ctx, WorkflowPrefix(workflowID))
}
