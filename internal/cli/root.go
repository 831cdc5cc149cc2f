// Package cli implements the dray command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dray",
	Short: "Website delivery pipeline orchestrator",
	Long: `dray drives website-build projects through a fixed delivery pipeline:
sales, onboarding, assignment, build, test, defect validation, complete.

The orchestrator advances each project as far as its evidence allows,
pausing at approval gates and blocked stages. Build and test work runs
on queued jobs picked up by workers.

Quick start:
  dray init                  Initialize dray in the current directory
  dray serve                 Start the API server and sweeper
  dray worker                Start a job worker
  dray status PROJECT-ID     Show a project's pipeline status`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .dray/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newNewCmd())
	rootCmd.AddCommand(newProjectsCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAdvanceCmd())
	rootCmd.AddCommand(newApproveCmd())
	rootCmd.AddCommand(newRejectCmd())
	rootCmd.AddCommand(newConfirmCmd())
	rootCmd.AddCommand(newRemindCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initViper reads in ENV variables and locates the config file if set.
func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".dray")
		viper.AddConfigPath("$HOME/.dray")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("DRAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
