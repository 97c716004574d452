package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentbox/agentbox/pkg/deploy"
)

func newRetryCommand() *cobra.Command {
	var (
		addons     []string
		newAttempt bool
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "retry <box-id>",
		Short: "Retry a failed deployment",
		Long: `Retry a failed deployment. By default the failed steps of the
current attempt are reset and only the remaining work re-runs. With
--new-attempt the attempt counter is bumped and a fresh set of step
records is created; earlier attempts stay queryable for diagnosis.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, shutdown, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			handle, err := app.orch.Retry(ctx, deploy.DeployRequest{
				BoxID:  args[0],
				Addons: addons,
				Assets: app.cfg.Assets,
			}, newAttempt)
			if err != nil {
				return err
			}

			if !wait {
				fmt.Printf("retry submitted for box %s\n", args[0])
				return nil
			}

			if err := handle.Wait(ctx); err != nil {
				return fmt.Errorf("retry failed: %w", err)
			}
			fmt.Printf("box %s is running\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&addons, "addon", nil, "add-on id to install (repeatable)")
	cmd.Flags().BoolVar(&newAttempt, "new-attempt", false, "open a fresh attempt instead of resuming the current one")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the retry to finish")

	return cmd
}
