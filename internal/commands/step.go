package commands

import (
	"database/sql"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/setfarm/engine/internal/output"
	"github.com/setfarm/engine/internal/store"
)

// NewStepCmd creates the step command, the agent-facing claim/peek/complete/fail
// protocol (spec.md §4.2).
func NewStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Claim, complete, and fail units of work",
	}

	cmd.AddCommand(newStepPeekCmd())
	cmd.AddCommand(newStepClaimCmd())
	cmd.AddCommand(newStepCompleteCmd())
	cmd.AddCommand(newStepFailCmd())

	return cmd
}

func newStepPeekCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peek [role]",
		Short: "Check whether work is available for this agent without claiming it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := requireActorName(cmd, "")
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				agentID, err = strings.ToLower(strings.TrimSpace(args[0])), nil
			}
			if err != nil {
				return cmdErr(err)
			}

			var hasWork bool
			if err := withDB(func(db *DB) error {
				h, err := store.PeekRole(db, agentID)
				if err != nil {
					return err
				}
				hasWork = h
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				AgentID string `json:"agent_id"`
				HasWork bool   `json:"has_work"`
			}
			return output.PrintSuccess(resp{AgentID: agentID, HasWork: hasWork})
		},
	}

	return cmd
}

func newStepClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim [role]",
		Short: "Claim the next eligible unit of work for this agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := requireActorName(cmd, "")
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				agentID, err = strings.ToLower(strings.TrimSpace(args[0])), nil
			}
			if err != nil {
				return cmdErr(err)
			}
			requestID := resolveRequestID(cmd)

			var claimed *store.ClaimedUnit
			if err := withDB(func(db *DB) error {
				if requestID != "" {
					c, err := store.RunIdempotent(db, agentID, requestID, "step.claim",
						func(tx *sql.Tx) (*store.ClaimedUnit, error) {
							return store.ClaimNextForRoleTx(tx, agentID)
						})
					if err != nil {
						return err
					}
					claimed = c
					return nil
				}

				c, err := store.ClaimNextForRole(db, agentID)
				if err != nil {
					return err
				}
				claimed = c
				return nil
			}); err != nil {
				return err
			}

			if claimed == nil {
				type resp struct {
					AgentID string `json:"agent_id"`
					HasWork bool   `json:"has_work"`
				}
				return output.PrintSuccess(resp{AgentID: agentID, HasWork: false})
			}

			return output.PrintSuccess(claimed)
		},
	}

	cmd.Flags().String("request-id", "", "Idempotency key for this claim (default: $SETFARM_REQUEST_ID)")

	return cmd
}

func newStepCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <unit_id>",
		Short: "Mark a claimed unit complete with its raw KEY: value output, read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unitID := args[0]

			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return cmdErr(err)
			}
			rawOutput := string(raw)
			requestID := resolveRequestID(cmd)

			if err := withDB(func(db *DB) error {
				if requestID != "" {
					agentID, err := requireActorName(cmd, "")
					if err != nil {
						return err
					}
					_, err = store.RunIdempotent(db, agentID, requestID, "step.complete",
						func(tx *sql.Tx) (struct{}, error) {
							return struct{}{}, store.CompleteUnitTx(tx, unitID, rawOutput)
						})
					return err
				}

				return store.CompleteUnit(db, unitID, rawOutput)
			}); err != nil {
				return err
			}

			type resp struct {
				UnitID string `json:"unit_id"`
				Status string `json:"status"`
			}
			return output.PrintSuccess(resp{UnitID: unitID, Status: "complete"})
		},
	}

	cmd.Flags().String("request-id", "", "Idempotency key for this completion (default: $SETFARM_REQUEST_ID)")

	return cmd
}

func newStepFailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail <unit_id> <reason>",
		Short: "Report failure on a claimed unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			unitID, reason := args[0], args[1]
			if reason == "" {
				return cmdErr(errors.New("reason is required"))
			}
			requestID := resolveRequestID(cmd)

			if err := withDB(func(db *DB) error {
				if requestID != "" {
					agentID, err := requireActorName(cmd, "")
					if err != nil {
						return err
					}
					_, err = store.RunIdempotent(db, agentID, requestID, "step.fail",
						func(tx *sql.Tx) (struct{}, error) {
							return struct{}{}, store.FailUnitTx(tx, unitID, reason)
						})
					return err
				}

				return store.FailUnit(db, unitID, reason)
			}); err != nil {
				return err
			}

			type resp struct {
				UnitID string `json:"unit_id"`
				Status string `json:"status"`
			}
			return output.PrintSuccess(resp{UnitID: unitID, Status: "failed"})
		},
	}

	cmd.Flags().String("request-id", "", "Idempotency key for this failure report (default: $SETFARM_REQUEST_ID)")

	return cmd
}
