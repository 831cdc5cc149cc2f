package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newApproveCmd creates the approve command
func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <project-id> <stage-key>",
		Short: "Approve a pending stage gate",
		Long: `Approve the pending gate on a stage and resume orchestration.

Example:
  dray approve WEB-001 2_assignment --approver manager-1 --comment "scope looks right"`,
		Args: cobra.ExactArgs(2),
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

			approver, _ := cmd.Flags().GetString("approver")
			comment, _ := cmd.Flags().GetString("comment")

			status, err := svc.orch.ApproveStage(cmd.Context(), args[0], args[1], approver, comment)
			if err != nil {
				return err
			}
			fmt.Printf("Approved %s on %s\n\n", args[1], args[0])
			return printStatus(status)
		},
	}
	cmd.Flags().String("approver", "", "user ID recorded on the approval")
	cmd.Flags().String("comment", "", "approval comment")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

// newRejectCmd creates the reject command
func newRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <project-id> <stage-key>",
		Short: "Reject a pending stage gate",
		Long: `Reject the pending gate on a stage, blocking it until the rejection
is resolved.

Example:
  dray reject WEB-001 2_assignment --approver manager-1 --reason "scope unclear"`,
		Args: cobra.ExactArgs(2),
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

			approver, _ := cmd.Flags().GetString("approver")
			reason, _ := cmd.Flags().GetString("reason")
			if reason == "" {
				reason = "rejected by reviewer"
			}

			status, err := svc.orch.RejectStage(cmd.Context(), args[0], args[1], approver, reason)
			if err != nil {
				return err
			}
			fmt.Printf("Rejected %s on %s: %s\n\n", args[1], args[0], reason)
			return printStatus(status)
		},
	}
	cmd.Flags().String("approver", "", "user ID recorded on the rejection")
	cmd.Flags().String("reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}
