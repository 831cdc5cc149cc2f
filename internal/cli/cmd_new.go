package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/draycraft/dray/internal/db"
)

// newNewCmd creates the new command
func newNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create a project",
		Long: `Create a project at the start of the pipeline.

The project starts in SALES as a draft. Activate it and let the
orchestrator take over, or drive it manually with "dray advance".

Examples:
  dray new "Riverside Dental site" --client "Riverside Dental" --email office@riverside.example
  dray new "Bakery relaunch" --autopilot full --activate`,
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

			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				id = "WEB-" + strings.ToUpper(uuid.NewString()[:8])
			}
			client, _ := cmd.Flags().GetString("client")
			email, _ := cmd.Flags().GetString("email")
			priority, _ := cmd.Flags().GetString("priority")
			mode, _ := cmd.Flags().GetString("autopilot")
			activate, _ := cmd.Flags().GetBool("activate")

			project := &db.Project{
				ID:               id,
				Title:            args[0],
				ClientName:       client,
				ClientEmail:      email,
				Priority:         priority,
				AutopilotMode:    mode,
				AutopilotEnabled: mode != db.AutopilotOff,
			}
			if activate {
				project.Status = db.ProjectStatusActive
			}
			if err := svc.database.SaveProject(cmd.Context(), project); err != nil {
				return err
			}

			fmt.Printf("Created %s: %s\n", project.ID, project.Title)
			fmt.Printf("Status %s, autopilot %s\n", project.Status, project.AutopilotMode)
			return nil
		},
	}
	cmd.Flags().String("id", "", "project ID (generated when empty)")
	cmd.Flags().String("client", "", "client name")
	cmd.Flags().String("email", "", "client email")
	cmd.Flags().String("priority", "MEDIUM", "priority: LOW, MEDIUM, HIGH, CRITICAL")
	cmd.Flags().String("autopilot", db.AutopilotConditional, "autopilot mode: off, conditional, full")
	cmd.Flags().Bool("activate", false, "start the project as ACTIVE")
	return cmd
}
