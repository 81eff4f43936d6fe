package cli

import (
	"github.com/spf13/cobra"

	"github.com/0toBillions/clawtrade/internal/app"
)

var (
	backfillFromBlock uint64
	backfillToBlock   uint64
	backfillAgent     int64
	backfillDryRun    bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Rescan a historical block range for missed trades",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BackfillOptions{
			FromBlock: backfillFromBlock,
			ToBlock:   backfillToBlock,
			AgentID:   backfillAgent,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillFromBlock, "from-block", 0, "First block of the range (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillToBlock, "to-block", 0, "Last block of the range (inclusive)")
	backfillCmd.Flags().Int64Var(&backfillAgent, "agent", 0, "Restrict the rescan to one agent id")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Count missing trades without writing")
}
