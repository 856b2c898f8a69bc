package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/setfarm/engine/internal/cron"
	"github.com/setfarm/engine/internal/output"
	"github.com/setfarm/engine/internal/store"
)

// NewCronCmd creates the cron command: inspect and tear down the external
// scheduler jobs a running workflow owns (spec.md §4.5).
func NewCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and tear down workflow cron jobs",
	}

	cmd.AddCommand(newCronListCmd())
	cmd.AddCommand(newCronTeardownCmd())

	return cmd
}

func newCronListCmd() *cobra.Command {
	var workflowID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron jobs, optionally scoped to one workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs interface{}
			if err := withDB(func(db *DB) error {
				if workflowID != "" {
					j, err := store.ListCronJobsForWorkflow(db, workflowID)
					if err != nil {
						return err
					}
					jobs = j
					return nil
				}
				j, err := store.ListAllCronJobs(db)
				if err != nil {
					return err
				}
				jobs = j
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Jobs interface{} `json:"jobs"`
			}
			return output.PrintSuccess(resp{Jobs: jobs})
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "Scope to a single workflow id")

	return cmd
}

func newCronTeardownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-prefix <workflow_id>",
		Short: "Delete every cron job shard owned by a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := args[0]
			if workflowID == "" {
				return cmdErr(errors.New("workflow_id is required"))
			}

			var deleted int
			if err := withDB(func(db *DB) error {
				gw := cron.NewStoreBackedGateway(cron.NewRobfigGateway(), db)
				if _, err := gw.Restore(cmd.Context()); err != nil {
					return err
				}
				n, err := cron.TeardownWorkflow(cmd.Context(), gw, workflowID)
				if err != nil {
					return err
				}
				deleted = n
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				WorkflowID string `json:"workflow_id"`
				Deleted    int    `json:"deleted"`
			}
			return output.PrintSuccess(resp{WorkflowID: workflowID, Deleted: deleted})
		},
	}

	return cmd
}
