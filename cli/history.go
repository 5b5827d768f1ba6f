package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"netscript/history"
	"netscript/output"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
}

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show past runs, or the results of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	if cfg.HistoryDB == "" {
		return errors.New("history_db is not configured")
	}

	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	formatter := output.NewFormatter(flags.JSONOutput)
	if len(args) == 0 {
		runs, err := store.ListRuns(ctx, historyLimit)
		if err != nil {
			return err
		}
		return formatter.OutputRuns(runs)
	}

	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	records, err := store.Results(ctx, run.RunID)
	if err != nil {
		return err
	}
	return formatter.OutputRun(run, records)
}
