// Package cmd implements the runnerctl command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/rzbill/runnerd/internal/config"
	"github.com/rzbill/runnerd/pkg/version"
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "runnerctl",
	Short: "runnerctl - inspect and validate runnerd runner configuration",
	Long: `runnerctl is the operator companion to the runnerd daemon. It validates
runner definition sets, inspects registration fingerprints for drift, and
reads the run-history journal.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
	},
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/runnerd/runnerd.yaml)")
}

// loadConfig loads the daemon configuration the same way runnerd does.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
