package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/draycraft/dray/internal/pipeline"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status <project-id>",
		Aliases: []string{"st"},
		Short:   "Show a project's pipeline status",
		Long: `Show the pipeline status projection for a project: current stage,
per-stage states with blocked reasons, approvals, and what would run next.

Examples:
  dray status WEB-001
  dray status WEB-001 --json`,
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

			status, err := svc.orch.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(status)
		},
	}
}

func printStatus(s *pipeline.Status) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Printf("%s  %s\n", s.ProjectID, s.Title)
	fmt.Printf("Status: %s  Stage: %s", s.ProjectStatus, s.CurrentStage)
	if s.DefectCycleCount > 0 {
		fmt.Printf("  Defect cycles: %d", s.DefectCycleCount)
	}
	fmt.Println()
	if s.HoldReason != "" {
		fmt.Printf("On hold: %s\n", s.HoldReason)
	}
	if s.NeedsReviewReason != "" {
		fmt.Printf("Needs review: %s\n", s.NeedsReviewReason)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nSTAGE\tSTATUS\tBLOCKED")
	for _, st := range s.StageStates {
		fmt.Fprintf(w, "%s\t%s\t%s\n", st.StageKey, st.Status, strings.Join(st.BlockedReasons, "; "))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(s.Approvals) > 0 {
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\nAPPROVAL\tSTATUS\tAPPROVER\tCOMMENT")
		for _, a := range s.Approvals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.StageKey, a.Status, a.ApproverID, a.Comment)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(s.NextReadyStages) > 0 {
		fmt.Printf("\nReady to run: %s\n", strings.Join(s.NextReadyStages, ", "))
	}
	if len(s.BlockedSummary) > 0 {
		fmt.Println("\nBlocked:")
		for _, b := range s.BlockedSummary {
			fmt.Printf("  %s\n", b)
		}
	}
	return nil
}
