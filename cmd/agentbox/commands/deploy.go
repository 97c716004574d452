package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentbox/agentbox/pkg/deploy"
	"github.com/agentbox/agentbox/pkg/stores"
)

func newDeployCommand() *cobra.Command {
	var (
		boxID  string
		name   string
		userID string
		addons []string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a box",
		Long: `Deploy a box: provision a compute instance, run the fixed setup
substeps, install the requested add-ons best-effort, expose the
instance publicly, verify its health and mark it running.

If no --box is given a new box record is created from --name and
--user. Re-deploying an existing box resumes from its persisted step
state.`,
		Example: `  # Deploy a new box
  agentbox deploy --name alpha --user user-1 --addon notes --addon search

  # Resume a partially failed deployment
  agentbox deploy --box 4f7c...

  # Fire and forget
  agentbox deploy --name alpha --user user-1 --wait=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, shutdown, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			if boxID == "" {
				if name == "" || userID == "" {
					return fmt.Errorf("either --box or both --name and --user are required")
				}
				box := &stores.Box{ID: uuid.New().String(), Name: name, UserID: userID}
				if err := app.store.CreateBox(ctx, box); err != nil {
					return fmt.Errorf("failed to create box: %w", err)
				}
				boxID = box.ID
				log.Info().Str("box_id", boxID).Str("name", name).Msg("box created")
			}

			handle, err := app.orch.Deploy(ctx, deploy.DeployRequest{
				BoxID:  boxID,
				Addons: addons,
				Assets: app.cfg.Assets,
			})
			if err != nil {
				return err
			}

			if !wait {
				fmt.Printf("deployment submitted for box %s\n", boxID)
				return nil
			}

			if err := handle.Wait(ctx); err != nil {
				return fmt.Errorf("deployment failed: %w", err)
			}
			fmt.Printf("box %s is running\n", boxID)
			return nil
		},
	}

	cmd.Flags().StringVar(&boxID, "box", "", "existing box id to deploy or resume")
	cmd.Flags().StringVar(&name, "name", "", "name for a new box")
	cmd.Flags().StringVar(&userID, "user", "", "owning user id for a new box")
	cmd.Flags().StringArrayVar(&addons, "addon", nil, "add-on id to install (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the deployment to finish")

	return cmd
}
