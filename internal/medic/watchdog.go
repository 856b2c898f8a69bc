// Package medic implements the watchdog's periodic reconciliation pass:
// a fixed battery of checks over stuck steps, orphaned stories, dead or
// stalled runs, and stale cron schedules, each with a policy-bounded
// remediation (§4.6).
package medic

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/setfarm/engine/internal/cron"
	"github.com/setfarm/engine/internal/models"
	"github.com/setfarm/engine/internal/store"
)

// Watchdog runs one reconciliation pass at a time against a Store and a
// Cron Gateway. It never touches files or agent processes directly (§4.6).
type Watchdog struct {
	db      *sql.DB
	gateway *cron.StoreBackedGateway

	maxRoleTimeout time.Duration
	cronInterval   time.Duration

	mu               sync.Mutex
	lastCronRecreate map[string]time.Time // workflow_id -> last stalled_crons action
}

// NewWatchdog builds a watchdog over db, remediating cron staleness through
// gateway, using the engine default staleness thresholds.
func NewWatchdog(db *sql.DB, gateway *cron.StoreBackedGateway) *Watchdog {
	return NewWatchdogWithTimeouts(db, gateway, models.DefaultMaxRoleTimeout, models.StalledCronInterval)
}

// NewWatchdogWithTimeouts builds a watchdog with operator-configured
// staleness thresholds (app.EffectiveMedicSettings).
func NewWatchdogWithTimeouts(db *sql.DB, gateway *cron.StoreBackedGateway, maxRoleTimeout, cronInterval time.Duration) *Watchdog {
	return &Watchdog{
		db:               db,
		gateway:          gateway,
		maxRoleTimeout:   maxRoleTimeout,
		cronInterval:     cronInterval,
		lastCronRecreate: make(map[string]time.Time),
	}
}

// RunPass executes the full check battery concurrently and records one
// MedicCheck audit row.
func (w *Watchdog) RunPass(ctx context.Context) (*models.MedicCheck, error) {
	checks := []func(context.Context) ([]models.MedicFinding, error){
		w.checkStuckSteps,
		w.checkOrphanedStories,
		w.checkDeadRuns,
		w.checkStalledRuns,
		w.checkOrphanedCrons,
		w.checkStalledCrons,
		w.checkFailedRunResumable,
	}

	results := make([][]models.MedicFinding, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			findings, err := check(gctx)
			if err != nil {
				return fmt.Errorf("medic check %d: %w", i, err)
			}
			results[i] = findings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []models.MedicFinding
	for _, r := range results {
		all = append(all, r...)
	}

	id, err := store.InsertMedicCheck(w.db, all)
	if err != nil {
		return nil, err
	}
	return &models.MedicCheck{ID: id, IssuesFound: len(all)}, nil
}

// RestoreCronsAtStartup replays the cron_jobs table into the gateway for
// crash recovery (§4.6).
func (w *Watchdog) RestoreCronsAtStartup(ctx context.Context) (int, error) {
	return w.gateway.Restore(ctx)
}

func (w *Watchdog) checkStuckSteps(ctx context.Context) ([]models.MedicFinding, error) {
	rows, err := store.FindStuckSteps(w.db, models.ClaimedButStuckThreshold)
	if err != nil {
		return nil, err
	}
	slowThresholdMS := (w.maxRoleTimeout + models.StuckGrace).Milliseconds()

	var findings []models.MedicFinding
	for _, row := range rows {
		check := "claimed_but_stuck"
		if row.AgeMS >= slowThresholdMS {
			check = "stuck_step"
		}
		resetErr := store.ResetStep(w.db, row.StepID)
		findings = append(findings, models.MedicFinding{
			Check:       check,
			Severity:    "warning",
			RunID:       row.RunID,
			StepID:      row.StepID,
			Action:      "reset",
			Remediated:  resetErr == nil,
			Description: fmt.Sprintf("step claimed %dms ago with no completion", row.AgeMS),
		})
	}
	return findings, nil
}

func (w *Watchdog) checkOrphanedStories(ctx context.Context) ([]models.MedicFinding, error) {
	rows, err := store.FindOrphanedStories(w.db, models.OrphanedStoryThreshold)
	if err != nil {
		return nil, err
	}
	var findings []models.MedicFinding
	for _, row := range rows {
		resetErr := store.ResetStory(w.db, row.StoryID)
		findings = append(findings, models.MedicFinding{
			Check:       "orphaned_story",
			Severity:    "warning",
			RunID:       row.RunID,
			StepID:      row.StepID,
			StoryID:     row.StoryID,
			Action:      "reset",
			Remediated:  resetErr == nil,
			Description: fmt.Sprintf("story claimed %dms ago with no completion", row.AgeMS),
		})
	}
	return findings, nil
}

func (w *Watchdog) checkDeadRuns(ctx context.Context) ([]models.MedicFinding, error) {
	ids, err := store.FindDeadRuns(w.db)
	if err != nil {
		return nil, err
	}
	var findings []models.MedicFinding
	for _, runID := range ids {
		failErr := store.MarkRunFailed(w.db, runID)
		findings = append(findings, models.MedicFinding{
			Check:       "dead_run",
			Severity:    "critical",
			RunID:       runID,
			Action:      "fail",
			Remediated:  failErr == nil,
			Description: "run has no step left in waiting, pending, or running",
		})
	}
	return findings, nil
}

func (w *Watchdog) checkStalledRuns(ctx context.Context) ([]models.MedicFinding, error) {
	rows, err := store.FindStalledRuns(w.db, 2*w.maxRoleTimeout)
	if err != nil {
		return nil, err
	}
	var findings []models.MedicFinding
	for _, row := range rows {
		findings = append(findings, models.MedicFinding{
			Check:       "stalled_run",
			Severity:    "info",
			RunID:       row.RunID,
			Action:      "none",
			Remediated:  false,
			Description: fmt.Sprintf("no step transition in %dms", row.NewestStepMS),
		})
	}
	return findings, nil
}

func (w *Watchdog) checkOrphanedCrons(ctx context.Context) ([]models.MedicFinding, error) {
	workflowIDs, err := store.DistinctCronWorkflowIDs(w.db)
	if err != nil {
		return nil, err
	}
	var findings []models.MedicFinding
	for _, workflowID := range workflowIDs {
		running, err := store.WorkflowRunningCount(w.db, workflowID)
		if err != nil {
			return nil, err
		}
		if running > 0 {
			continue
		}
		n, delErr := cron.TeardownWorkflow(ctx, w.gateway, workflowID)
		findings = append(findings, models.MedicFinding{
			Check:       "orphaned_crons",
			Severity:    "info",
			Action:      "delete_crons",
			Remediated:  delErr == nil,
			Description: fmt.Sprintf("workflow %s has 0 running runs, removed %d cron jobs", workflowID, n),
		})
	}
	return findings, nil
}

func (w *Watchdog) checkStalledCrons(ctx context.Context) ([]models.MedicFinding, error) {
	rows, err := store.FindStalledPendingStories(w.db, 3*w.cronInterval)
	if err != nil {
		return nil, err
	}

	byWorkflow := make(map[string][]store.UnclaimedPendingStoryRow)
	for _, row := range rows {
		byWorkflow[row.WorkflowID] = append(byWorkflow[row.WorkflowID], row)
	}

	var findings []models.MedicFinding
	for workflowID, unclaimed := range byWorkflow {
		if !w.coolDownElapsed(workflowID) {
			findings = append(findings, models.MedicFinding{
				Check:       "stalled_crons",
				Severity:    "warning",
				Action:      "none",
				Remediated:  false,
				Description: fmt.Sprintf("workflow %s has %d unclaimed stories but cooldown still in effect", workflowID, len(unclaimed)),
			})
			continue
		}

		existing, listErr := store.ListCronJobsForWorkflow(w.db, workflowID)
		if listErr != nil {
			return nil, listErr
		}
		specs := make([]cron.JobSpec, 0, len(existing))
		for _, job := range existing {
			specs = append(specs, cron.JobSpec{
				Name:       job.Name,
				Role:       job.Role,
				IntervalMS: job.IntervalMS,
				AnchorMS:   job.AnchorMS,
				AgentID:    job.AgentID,
				Payload:    job.Payload,
			})
		}
		if _, err := cron.TeardownWorkflow(ctx, w.gateway, workflowID); err != nil {
			return nil, err
		}
		remediated := true
		if err := cron.EnsureJobsForWorkflow(ctx, w.gateway, workflowID, specs); err != nil {
			remediated = false
		}
		w.markCronRecreate(workflowID)
		findings = append(findings, models.MedicFinding{
			Check:       "stalled_crons",
			Severity:    "warning",
			Action:      "recreate_crons",
			Remediated:  remediated,
			Description: fmt.Sprintf("workflow %s had %d stories unclaimed past threshold, recreated %d jobs", workflowID, len(unclaimed), len(specs)),
		})
	}
	return findings, nil
}

func (w *Watchdog) checkFailedRunResumable(ctx context.Context) ([]models.MedicFinding, error) {
	ids, err := store.FailedRunsWithPendingStories(w.db)
	if err != nil {
		return nil, err
	}
	var findings []models.MedicFinding
	for _, runID := range ids {
		resumeErr := store.ResumeRun(w.db, runID)
		findings = append(findings, models.MedicFinding{
			Check:       "failed_run_resumable",
			Severity:    "warning",
			RunID:       runID,
			Action:      "resume",
			Remediated:  resumeErr == nil,
			Description: resumeDescription(resumeErr),
		})
	}
	return findings, nil
}

func resumeDescription(err error) string {
	if err == nil {
		return "run resumed: pending stories remained in a loop step"
	}
	return fmt.Sprintf("resume refused: %v", err)
}

func (w *Watchdog) coolDownElapsed(workflowID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastCronRecreate[workflowID]
	return !ok || time.Since(last) >= models.StalledCronsCooldown
}

func (w *Watchdog) markCronRecreate(workflowID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastCronRecreate[workflowID] = time.Now().UTC()
}
