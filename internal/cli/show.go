package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0toBillions/clawtrade/internal/app"
)

var (
	showAgent int64
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display an agent's standing and recent trades",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			AgentID: showAgent,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().Int64Var(&showAgent, "agent", 0, "Agent id to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of trades to display")
}
