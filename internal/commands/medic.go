package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/setfarm/engine/internal/app"
	"github.com/setfarm/engine/internal/cron"
	"github.com/setfarm/engine/internal/medic"
	"github.com/setfarm/engine/internal/models"
	"github.com/setfarm/engine/internal/output"
	"github.com/setfarm/engine/internal/store"
)

// NewMedicCmd creates the medic command: the watchdog's one-shot pass and
// audit history (spec.md §4.6).
func NewMedicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "medic",
		Short: "Run the watchdog's stuck/orphaned/dead state checks",
	}

	cmd.AddCommand(newMedicRunCmd())
	cmd.AddCommand(newMedicHistoryCmd())

	return cmd
}

func newMedicRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one medic pass and remediate what it finds",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := app.EffectiveMedicSettings()

			var check *models.MedicCheck
			if err := withDB(func(db *DB) error {
				gw := cron.NewStoreBackedGateway(cron.NewRobfigGateway(), db)
				w := medic.NewWatchdogWithTimeouts(db, gw, settings.MaxRoleTimeout, settings.CronInterval)

				if _, err := w.RestoreCronsAtStartup(context.Background()); err != nil {
					return err
				}

				c, err := w.RunPass(context.Background())
				if err != nil {
					return err
				}
				check = c
				return nil
			}); err != nil {
				return err
			}

			return output.PrintSuccess(check)
		},
	}

	return cmd
}

func newMedicHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past medic check audit rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			var checks interface{}
			if err := withDB(func(db *DB) error {
				c, err := store.ListMedicChecks(db, limit)
				if err != nil {
					return err
				}
				checks = c
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Checks interface{} `json:"checks"`
			}
			return output.PrintSuccess(resp{Checks: checks})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Max checks to return")

	return cmd
}
