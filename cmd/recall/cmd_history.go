package main

import (
	"encoding/json"
	"fmt"
	"io"

	"recall/internal/extraction"
	"recall/internal/store"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

// historyCmd lists journaled runs, or the batches of one run
var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recent runs, or the batches of one run, from the journal",
	Long: `Without arguments, lists the most recent runs.

With a run ID (or the short prefix shown in the listing), prints that run's
evaluated batches in order together with the number of recorded samples.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print as JSON")
}

// runDetail is the JSON shape of history <run-id>.
type runDetail struct {
	Run        store.RunSummary             `json:"run"`
	Samples    int                          `json:"samples"`
	Iterations []extraction.IterationRecord `json:"iterations"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	journal, err := store.OpenJournal(cfg.JournalFile(), logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return showRun(cmd, journal, args[0], out)
	}

	runs, err := journal.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintf(out, "No runs recorded yet in %s.\n", journal.Path())
		return nil
	}
	fmt.Fprintln(out, runsTable(runs))
	return nil
}

func showRun(cmd *cobra.Command, journal *store.Journal, id string, out io.Writer) error {
	ctx := cmd.Context()
	run, err := journal.FindRun(ctx, id)
	if err != nil {
		return err
	}
	recs, err := journal.Iterations(ctx, run.ID)
	if err != nil {
		return err
	}
	samples, err := journal.CountSamples(ctx, run.ID)
	if err != nil {
		return err
	}

	if historyJSON {
		return writeJSON(out, runDetail{Run: run, Samples: samples, Iterations: recs})
	}
	outcome := run.Outcome
	if outcome == "" {
		outcome = "-"
	}
	fmt.Fprintf(out, "%s %s (%s, %s)\n", labelStyle.Render("Run:"), run.ID, run.Mode, run.Model)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Outcome:"), outcomeStyle(extraction.Outcome(run.Outcome)).Render(outcome))
	fmt.Fprintf(out, "%s %d recorded\n", labelStyle.Render("Samples:"), samples)
	if run.OutputPath != "" {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Output:"), run.OutputPath)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No batches recorded.")
		return nil
	}
	fmt.Fprintln(out, iterationsTable(recs))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
