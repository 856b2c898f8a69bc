package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/setfarm/engine/internal/cron"
	"github.com/setfarm/engine/internal/models"
	"github.com/setfarm/engine/internal/output"
	"github.com/setfarm/engine/internal/store"
	"github.com/setfarm/engine/internal/workflow"
)

// NewRunCmd creates the run command: seed, inspect, and list workflow runs.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and inspect workflow runs",
	}

	cmd.AddCommand(newRunCreateCmd())
	cmd.AddCommand(newRunShowCmd())
	cmd.AddCommand(newRunListCmd())

	return cmd
}

func newRunCreateCmd() *cobra.Command {
	var (
		workflowPath string
		task         string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Seed a new run from a workflow spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflowPath == "" {
				return cmdErr(errors.New("--workflow is required"))
			}
			if task == "" {
				return cmdErr(errors.New("--task is required"))
			}

			loader := workflow.NewLoader()
			spec, err := loader.LoadFile(workflowPath)
			if err != nil {
				return cmdErr(err)
			}

			var seeded *store.SeededRun
			if err := withDB(func(db *DB) error {
				s, err := store.SeedRun(db, task, spec)
				if err != nil {
					return err
				}
				seeded = s

				gw := cron.NewStoreBackedGateway(cron.NewRobfigGateway(), db)
				if _, err := gw.Restore(cmd.Context()); err != nil {
					return err
				}
				return cron.EnsureJobsForWorkflow(cmd.Context(), gw, s.Run.WorkflowID, cronSpecsForSteps(s.Run.WorkflowID, s.Steps))
			}); err != nil {
				return err
			}

			return output.PrintSuccess(seeded)
		},
	}

	cmd.Flags().StringVar(&workflowPath, "workflow", "", "Path to a workflow spec YAML file (required)")
	cmd.Flags().StringVar(&task, "task", "", "Task description passed to the run's first step (required)")

	return cmd
}

// cronSpecsForSteps builds one JobSpec per role-shard a freshly seeded run
// needs woken, so the cron gateway has something to schedule the moment the
// run exists rather than waiting for a medic pass to notice (§4.5
// Lifecycle). A single step gets one shard; a loop step gets one shard per
// LoopConfig.Workers, plus a dedicated verify-role shard when VerifyEach is
// set.
func cronSpecsForSteps(workflowID string, steps []*models.Step) []cron.JobSpec {
	specs := make([]cron.JobSpec, 0, len(steps))
	for _, step := range steps {
		shards := 1
		if step.IsLoop() && step.LoopConfig != nil {
			shards = step.LoopConfig.Workers
			if shards <= 0 {
				shards = models.DefaultLoopWorkers
			}
		}
		for n := 1; n <= shards; n++ {
			specs = append(specs, cron.JobSpec{
				Name:       cron.JobName(workflowID, step.AgentID, n),
				Role:       step.AgentID,
				IntervalMS: cron.DefaultIntervalMS,
				AgentID:    step.AgentID,
				Payload:    fmt.Sprintf("peek %s", step.AgentID),
			})
		}
		if step.IsLoop() && step.LoopConfig != nil && step.LoopConfig.VerifyEach && step.LoopConfig.VerifyAgentID != "" {
			specs = append(specs, cron.JobSpec{
				Name:       cron.JobName(workflowID, step.LoopConfig.VerifyAgentID, 1),
				Role:       step.LoopConfig.VerifyAgentID,
				IntervalMS: cron.DefaultIntervalMS,
				AgentID:    step.LoopConfig.VerifyAgentID,
				Payload:    fmt.Sprintf("peek %s", step.LoopConfig.VerifyAgentID),
			})
		}
	}
	return specs
}

func newRunShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			type resp struct {
				Run     interface{} `json:"run"`
				Steps   interface{} `json:"steps"`
				Stories interface{} `json:"stories,omitempty"`
			}

			var result resp
			if err := withDB(func(db *DB) error {
				run, err := store.GetRun(db, runID)
				if err != nil {
					return err
				}
				steps, err := store.ListStepsForRun(db, runID)
				if err != nil {
					return err
				}

				stories := make([]interface{}, 0)
				for _, step := range steps {
					if !step.IsLoop() {
						continue
					}
					s, err := store.ListStoriesForStep(db, step.ID)
					if err != nil {
						return err
					}
					for _, story := range s {
						stories = append(stories, story)
					}
				}

				result = resp{Run: run, Steps: steps, Stories: stories}
				return nil
			}); err != nil {
				return err
			}

			return output.PrintSuccess(result)
		},
	}

	return cmd
}

func newRunListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs interface{}
			if err := withDB(func(db *DB) error {
				r, err := store.ListRuns(db, status)
				if err != nil {
					return err
				}
				runs = r
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Runs interface{} `json:"runs"`
			}
			return output.PrintSuccess(resp{Runs: runs})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by run status (running, done, failed)")

	return cmd
}
