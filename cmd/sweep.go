package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep NAME",
		Short: "Run one periodic sweep now and exit",
		Long: `Runs a sweep once, for deployments that schedule sweeps externally.
Known sweeps: usage-reset, subscription-expiry, scheduled-crawls.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := app.RunSweep(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%w (known: %s)", err, strings.Join(app.Sweeps(), ", "))
			}
			cmd.Printf("%s: %d updated\n", args[0], n)
			return nil
		},
	}
}
