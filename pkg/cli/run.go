package cli

import (
	"github.com/spf13/cobra"

	"github.com/0xMgwan/betuaa-sub000/pkg/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the keeper loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			return a.Run(cmd.Context())
		})
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single resolution cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			summary, err := a.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		})
	},
}
