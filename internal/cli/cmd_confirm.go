package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newConfirmCmd creates the confirm command
func newConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <project-id>",
		Short: "Resolve the pending fallback-template confirmation",
		Long: `Record the client's verdict on the pending fallback-template request.
Approval confirms the template selection and resumes orchestration; a
decline leaves the build stage blocked until a new template is selected.

Example:
  dray confirm WEB-001 --resolver client@acme.test
  dray confirm WEB-001 --resolver client@acme.test --decline`,
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

			resolver, _ := cmd.Flags().GetString("resolver")
			decline, _ := cmd.Flags().GetBool("decline")

			status, err := svc.orch.ResolveConfirmation(cmd.Context(), args[0], resolver, !decline)
			if err != nil {
				return err
			}
			verdict := "Approved"
			if decline {
				verdict = "Declined"
			}
			fmt.Printf("%s fallback template for %s\n\n", verdict, args[0])
			return printStatus(status)
		},
	}
	cmd.Flags().String("resolver", "", "who resolved the request, recorded on the row")
	cmd.Flags().Bool("decline", false, "decline instead of approving")
	_ = cmd.MarkFlagRequired("resolver")
	return cmd
}
