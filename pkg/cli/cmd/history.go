package cmd

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [runner-name]",
		Short: "Show the run-history journal",
		Long:  `List recorded supervision cycles, newest first, optionally scoped to one runner.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			runner := ""
			if len(args) == 1 {
				runner = args[0]
			}

			journal := store.NewHistoryStore(store.WithLogger(log.NewLogger()))
			if err := journal.Open(cfg.DataDir); err != nil {
				return fmt.Errorf("opening journal (is runnerd running?): %w", err)
			}
			defer journal.Close()

			records, err := journal.List(cmd.Context(), runner, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				pterm.Info.Println("no recorded supervision cycles")
				return nil
			}

			data := pterm.TableData{{"Runner", "Started", "Duration", "Outcome", "Exit", "Error"}}
			for _, record := range records {
				duration := record.FinishedAt.Sub(record.StartedAt).Round(time.Second)
				data = append(data, []string{
					record.Runner,
					record.StartedAt.Local().Format(time.RFC3339),
					duration.String(),
					string(record.Outcome),
					fmt.Sprintf("%d", record.ExitCode),
					record.Error,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of cycles to show (0 for all)")
	return cmd
}

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}
