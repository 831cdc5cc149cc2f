package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newRemindCmd creates the remind command
func newRemindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Run one onboarding reminder pass",
		Long: `Scan projects sitting in ONBOARDING and send due client reminders.
Projects past the escalation threshold are placed on hold.

The serve sweeper runs this automatically; the command exists for
one-off passes and debugging.`,
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

			stats, err := svc.reminders.Tick(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Scanned %d, sent %d, held %d, skipped %d\n",
				stats.Scanned, stats.Sent, stats.Held, stats.Skipped)
			return nil
		},
	}
}
