package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/draycraft/dray/internal/db"
)

// newProjectsCmd creates the projects command
func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Long: `List projects the orchestrator can act on, or filter by status.

Examples:
  dray projects
  dray projects --status NEEDS_REVIEW`,
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

			status, _ := cmd.Flags().GetString("status")
			var projects []*db.Project
			if status != "" {
				projects, err = svc.database.ListProjectsByStatus(cmd.Context(), status)
			} else {
				projects, err = svc.database.ListActiveProjects(cmd.Context())
			}
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(projects)
			}

			if len(projects) == 0 {
				fmt.Println("No projects found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tSTAGE\tAUTOPILOT\tCYCLES")
			for _, p := range projects {
				mode := p.AutopilotMode
				if !p.AutopilotEnabled {
					mode = db.AutopilotOff
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					p.ID, p.Title, p.Status, p.CurrentStage, mode, p.DefectCycleCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("status", "", "filter by project status")
	return cmd
}
