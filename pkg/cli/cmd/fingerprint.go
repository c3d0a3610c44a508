package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/rzbill/runnerd/internal/config"
	"github.com/rzbill/runnerd/pkg/credential"
	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/state"
	"github.com/spf13/cobra"
)

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <runner-name>",
		Short: "Show a runner's registration fingerprint and drift verdict",
		Long: `Compute the registration fingerprint for a runner definition, compare it
with the committed one in the runner's state directory, and report whether the
next start will re-register.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			definitions, err := config.LoadRunners(cfg.RunnersDir)
			if err != nil {
				return err
			}

			name := args[0]
			for _, def := range definitions {
				if def.EffectiveName() != name {
					continue
				}

				resolver := credential.NewResolver(credential.WithLogger(log.NewLogger()))
				kind, err := resolver.Classify(def)
				if err != nil {
					return fmt.Errorf("classifying credential: %w", err)
				}

				computed := state.Compute(def, kind)
				tracker := state.NewTracker(filepath.Join(cfg.StateRoot, name), log.NewLogger())
				stored, ok := tracker.Load()

				data := pterm.TableData{
					{"Field", "Value"},
					{"Runner", name},
					{"Credential kind", string(kind)},
					{"Computed", computed},
				}
				if ok {
					data = append(data, []string{"Committed", stored.Hash})
					data = append(data, []string{"Committed at", stored.CommittedAt.String()})
				} else {
					data = append(data, []string{"Committed", "(absent or corrupt)"})
				}
				if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
					return err
				}

				if !ok || stored.Hash != computed {
					pterm.Warning.Println("registration required on next start")
				} else {
					pterm.Success.Println("registration up to date")
				}
				return nil
			}
			return fmt.Errorf("no runner named %q in %s", name, cfg.RunnersDir)
		},
	}
}

func init() {
	rootCmd.AddCommand(newFingerprintCmd())
}
