package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentbox/agentbox/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <box-id>",
		Short: "Show a box's deployment status",
		Long: `Show a box's lifecycle status and the step tree of its current
deployment attempt, including where a stalled deployment would resume.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, shutdown, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			status, err := app.orch.Status(ctx, args[0])
			if err != nil {
				return err
			}

			box := status.Box
			fmt.Printf("box %s (%s)\n", box.ID, box.Name)
			fmt.Printf("  status:  %s\n", box.Status)
			fmt.Printf("  attempt: %d\n", box.Attempt)
			if box.InstanceIdentity != nil {
				fmt.Printf("  instance: %s\n", *box.InstanceIdentity)
			}
			if box.InstanceURL != nil {
				fmt.Printf("  url: %s\n", *box.InstanceURL)
			}
			if box.ErrorMessage != nil {
				fmt.Printf("  error: %s\n", *box.ErrorMessage)
			}

			if len(status.Steps) > 0 {
				fmt.Println("\nsteps:")
				printSteps(status.Steps, 1)
			}
			if status.Resume != nil {
				fmt.Printf("\nresume point: %s (%s)\n", status.Resume.Key, status.Resume.Status)
			}
			return nil
		},
	}

	return cmd
}

func printSteps(steps []*stores.DeployStep, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, step := range steps {
		line := fmt.Sprintf("%s%-24s %s", indent, step.Key, statusGlyph(step.Status))
		if step.StartedAt != nil && step.CompletedAt != nil {
			line += fmt.Sprintf("  %s", step.CompletedAt.Sub(*step.StartedAt).Round(time.Millisecond))
		}
		if step.ErrorMessage != nil {
			line += "  " + *step.ErrorMessage
		}
		fmt.Println(line)
		printSteps(step.Children, depth+1)
	}
}

func statusGlyph(status stores.StepStatus) string {
	switch status {
	case stores.StepStatusCompleted:
		return "done"
	case stores.StepStatusRunning:
		return "running"
	case stores.StepStatusFailed:
		return "FAILED"
	case stores.StepStatusSkipped:
		return "skipped"
	default:
		return "pending"
	}
}
