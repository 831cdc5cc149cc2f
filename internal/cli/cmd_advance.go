package cli

import (
	"github.com/spf13/cobra"
)

// newAdvanceCmd creates the advance command
func newAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <project-id>",
		Short: "Run one orchestration pass for a project",
		Long: `Run the orchestrator's decision loop for a project once.

The project moves as far as its evidence allows: immediate stages
transition, build/test stages get jobs enqueued, gated stages park
awaiting approval. Ineligible projects (held, under review, autopilot
off) are reported without being touched.

Example:
  dray advance WEB-001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := buildServices(cmd.Context(), cfg, "cli")
			if err != nil {
				return err
			}
			defer svc.Close()

			actor, _ := cmd.Flags().GetString("actor")
			status, err := svc.orch.Advance(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return printStatus(status)
		},
	}
	cmd.Flags().String("actor", "cli", "actor recorded on transitions")
	return cmd
}
