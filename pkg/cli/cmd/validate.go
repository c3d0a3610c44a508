package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/rzbill/runnerd/internal/config"
	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/orchestrator"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the runner definition set",
		Long: `Load the runner definitions and report per-runner validation results.
Duplicate names make the whole set unsatisfiable and fail the command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			definitions, err := config.LoadRunners(cfg.RunnersDir)
			if err != nil {
				return err
			}
			if len(definitions) == 0 {
				pterm.Warning.Printf("no runner definitions in %s\n", cfg.RunnersDir)
				return nil
			}

			orch := orchestrator.New(definitions, orchestrator.WithLogger(log.NewLogger()))
			if err := orch.Validate(); err != nil {
				pterm.Error.Println(err)
				return fmt.Errorf("runner set is unsatisfiable")
			}

			invalid := 0
			for _, def := range definitions {
				name := def.EffectiveName()
				switch {
				case !def.Enable:
					pterm.Info.Printf("%s: disabled\n", name)
				case def.Validate() != nil:
					invalid++
					pterm.Error.Printf("%s: %v\n", name, def.Validate())
				default:
					pterm.Success.Printf("%s: ok (%d labels, ephemeral=%v)\n",
						name, len(def.EffectiveLabels()), def.Ephemeral)
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d invalid runner definition(s)", invalid)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newValidateCmd())
}
