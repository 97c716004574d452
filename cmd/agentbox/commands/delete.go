package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <box-id>",
		Short: "Delete a box",
		Long: `Delete a box: release its compute instance back to the provisioning
backend and soft-delete the record. Step history is kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, shutdown, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			if err := app.orch.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("box %s deleted\n", args[0])
			return nil
		},
	}

	return cmd
}
