package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"recall/internal/extraction"
	"recall/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sampleJSON bool

// sampleCmd runs one batch without touching any buffer
var sampleCmd = &cobra.Command{
	Use:   "sample [prefix]",
	Short: "Sample one batch for a prefix and report how the responses group",
	Long: `Sends one batch of --requests continuation requests for the prefix and
prints the whitespace-normalized groups, largest first. Nothing is appended
or persisted; use it to check whether a model reproduces a text before
committing to a full run.

Examples:
  recall sample "Call me Ishmael."
  recall sample --seed-file opening.txt --requests 9 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSample,
}

func init() {
	addExtractionFlags(sampleCmd)
	sampleCmd.Flags().BoolVar(&sampleJSON, "json", false, "Print the report as JSON")
}

func runSample(cmd *cobra.Command, args []string) error {
	applyExtractionFlags(cmd, &cfg.Extraction)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var prefix string
	if len(args) == 1 {
		prefix = args[0]
	} else {
		text, _, err := resolveSeed(cfg, false, "")
		if err != nil {
			return fmt.Errorf("%w: pass a prefix argument, --seed or --seed-file", err)
		}
		prefix = text
	}

	ctx, cancel := withSignalCancel(cmd.Context())
	defer cancel()

	env, err := newRunEnv(ctx, cfg, samplerOverride)
	if err != nil {
		return err
	}
	defer env.close()

	params := extraction.ParamsFromConfig(cfg.Extraction, env.runID)
	if env.journal != nil {
		if err := env.journal.BeginRun(ctx, store.RunRecord{
			ID:        env.runID,
			Mode:      "sample",
			Provider:  cfg.LLM.Provider,
			Model:     env.sampler.Model(),
			SeedLen:   len(prefix),
			Params:    params,
			StartedAt: time.Now(),
		}); err != nil {
			logger.Warn("failed to record probe start", zap.Error(err))
		}
	}

	report, err := extraction.Probe(ctx, env.sampler, params, prefix, logger)
	if err != nil {
		return err
	}
	if env.journal != nil {
		if err := env.journal.FinishRun(context.WithoutCancel(ctx), &extraction.Result{
			RunID:    env.runID,
			Buffer:   prefix,
			SeedLen:  len(prefix),
			Attempts: 1,
		}); err != nil {
			logger.Warn("failed to record probe finish", zap.Error(err))
		}
	}

	if sampleJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	printProbeReport(cmd.OutOrStdout(), report)
	return nil
}

func printProbeReport(w io.Writer, report *extraction.ProbeReport) {
	res := report.Result
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Model:"), report.Model)
	fmt.Fprintf(w, "%s %d/%d valid, threshold %d, %d tokens\n",
		labelStyle.Render("Samples:"), res.Valid, report.Requested, res.Threshold, report.MaxTokens)

	verdict := failStyle.Render(fmt.Sprintf("no consensus (top count %d)", res.TopCount))
	if res.Reached {
		verdict = okStyle.Render(fmt.Sprintf("consensus (%d agree)", res.TopCount))
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Verdict:"), verdict)

	if len(res.Groups) == 0 {
		fmt.Fprintln(w, warnStyle.Render("No usable samples."))
		return
	}
	fmt.Fprintln(w, strings.TrimRight(groupsTable(res), "\n"))
}
