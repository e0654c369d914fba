package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recall/internal/config"
	"recall/internal/extraction"
	"recall/internal/logging"
	"recall/internal/perception"
	"recall/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Run flags
	resumeLatest bool
	resumeFrom   string
)

// runCmd drives the full extraction loop
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extend the seed until consensus, a loop, or a limit stops the run",
	Long: `Runs the consensus loop from a seed fragment:
  1. Sample --requests continuations of the buffer at the current token budget
  2. Group them by whitespace-normalized text
  3. Append the winner, trimmed to a word boundary, if enough samples agree
  4. Stop on a loop, failed consensus, too few samples, or --iterations

The buffer is written to the output dir on every exit, including Ctrl-C.

Examples:
  recall run --seed "It was the best of times,"
  recall run --seed-file opening.txt --adaptive --requests 7
  recall run --resume`,
	Args: cobra.NoArgs,
	RunE: runExtraction,
}

func init() {
	addExtractionFlags(runCmd)
	runCmd.Flags().Int("iterations", 0, "Maximum number of appended continuations")
	runCmd.Flags().Int("min-tokens", 0, "Token budget floor for adaptive halving")
	runCmd.Flags().Bool("adaptive", false, "Halve the token budget on failed consensus")
	runCmd.Flags().Int("loop-min-length", 0, "Leading characters compared by loop detection")
	runCmd.Flags().BoolVar(&resumeLatest, "resume", false, "Resume from the latest output in the output dir")
	runCmd.Flags().StringVar(&resumeFrom, "resume-from", "", "Resume from a specific output file")
	runCmd.MarkFlagsMutuallyExclusive("resume", "resume-from")
}

// addExtractionFlags registers the flags shared by run and sample.
func addExtractionFlags(cmd *cobra.Command) {
	cmd.Flags().Int("requests", 0, "Samples per batch")
	cmd.Flags().Int("consensus", 0, "Percent of requests that must agree")
	cmd.Flags().Int("max-tokens", 0, "Token budget per request")
	cmd.Flags().Int("parallelism", 0, "Concurrent requests per batch (1 = sequential)")
	cmd.Flags().String("seed", "", "Seed text")
	cmd.Flags().String("seed-file", "", "File holding the seed text")
}

// applyExtractionFlags copies explicitly set flags over the configuration.
func applyExtractionFlags(cmd *cobra.Command, e *config.ExtractionConfig) {
	flags := cmd.Flags()
	intFlags := map[string]*int{
		"iterations":      &e.MaxIterations,
		"requests":        &e.NumRequests,
		"consensus":       &e.ConsensusPercent,
		"max-tokens":      &e.MaxTokens,
		"min-tokens":      &e.MinTokens,
		"parallelism":     &e.Parallelism,
		"loop-min-length": &e.LoopMinLength,
	}
	for name, dst := range intFlags {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	if flags.Lookup("adaptive") != nil && flags.Changed("adaptive") {
		e.Adaptive, _ = flags.GetBool("adaptive")
	}
	if flags.Changed("seed") {
		e.Seed, _ = flags.GetString("seed")
		e.SeedFile = ""
	}
	if flags.Changed("seed-file") {
		e.SeedFile, _ = flags.GetString("seed-file")
	}
}

// resolveSeed picks the starting fragment: an explicit resume file, then the
// latest output, then the seed file, then the inline seed.
func resolveSeed(c *config.Config, latest bool, from string) (string, string, error) {
	switch {
	case from != "":
		text, err := store.LoadResume(from)
		return text, from, err
	case latest:
		path, err := store.LatestOutput(c.Storage.OutputDir)
		if err != nil {
			return "", "", err
		}
		text, err := store.LoadResume(path)
		return text, path, err
	case c.Extraction.SeedFile != "":
		data, err := os.ReadFile(c.Extraction.SeedFile)
		if err != nil {
			return "", "", fmt.Errorf("failed to read seed file: %w", err)
		}
		return string(data), c.Extraction.SeedFile, nil
	case c.Extraction.Seed != "":
		return c.Extraction.Seed, "inline", nil
	default:
		return "", "", extraction.ErrNoSeed
	}
}

// withSignalCancel returns a context cancelled on SIGINT or SIGTERM.
func withSignalCancel(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal; finishing in-flight requests")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// runEnv bundles the collaborators of one run or probe.
type runEnv struct {
	runID     string
	sampler   perception.Sampler
	artifacts *store.Artifacts
	journal   *store.Journal // nil when the journal could not be opened
}

// newRunEnv builds the sampler and its diagnostics sinks.
func newRunEnv(ctx context.Context, c *config.Config, base perception.Sampler) (*runEnv, error) {
	env := &runEnv{runID: uuid.NewString()}
	boot := logging.For(logger, logging.CategoryBoot)

	sampler := base
	if sampler == nil {
		s, err := perception.NewSamplerFromConfig(ctx, c.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sampler: %w", err)
		}
		sampler = s
	}
	env.artifacts = store.NewArtifacts(c.Storage.OutputDir, env.runID, logger)

	journal, err := store.OpenJournal(c.JournalFile(), logger)
	if err != nil {
		boot.Warn("journal unavailable; continuing without it", zap.Error(err))
	} else {
		env.journal = journal
	}

	var sinks perception.MultiSink
	if env.journal != nil {
		sinks = append(sinks, env.journal)
	}
	if c.Storage.Debug {
		sinks = append(sinks, env.artifacts)
	}
	if len(sinks) > 0 {
		sampler = perception.NewTracingSampler(sampler, sinks, logger)
	}
	env.sampler = sampler
	return env, nil
}

func (e *runEnv) close() {
	if e.journal != nil {
		_ = e.journal.Close()
	}
}

// samplerOverride lets tests inject a sampler in place of a real provider.
var samplerOverride perception.Sampler

func runExtraction(cmd *cobra.Command, args []string) error {
	applyExtractionFlags(cmd, &cfg.Extraction)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seed, source, err := resolveSeed(cfg, resumeLatest, resumeFrom)
	if err != nil {
		if errors.Is(err, extraction.ErrNoSeed) {
			return fmt.Errorf("%w: pass --seed, --seed-file, --resume or --resume-from", err)
		}
		return err
	}

	ctx, cancel := withSignalCancel(cmd.Context())
	defer cancel()

	env, err := newRunEnv(ctx, cfg, samplerOverride)
	if err != nil {
		return err
	}
	defer env.close()

	params := extraction.ParamsFromConfig(cfg.Extraction, env.runID)
	logger.Info("Starting extraction",
		zap.String("run_id", env.runID),
		zap.String("seed_source", source),
		zap.String("model", env.sampler.Model()),
		zap.String("output_dir", env.artifacts.Dir()))

	orchCfg := extraction.OrchestratorConfig{
		Sampler:   env.sampler,
		Persister: env.artifacts,
		Fallback:  store.NewFallbackPersister(env.runID),
		Logger:    logger,
		Params:    params,
	}
	if env.journal != nil {
		orchCfg.Observer = journalObserver{journal: env.journal, logger: logging.For(logger, logging.CategoryStore)}
		if err := env.journal.BeginRun(ctx, store.RunRecord{
			ID:        env.runID,
			Mode:      "run",
			Provider:  cfg.LLM.Provider,
			Model:     env.sampler.Model(),
			SeedLen:   len(seed),
			Params:    params,
			StartedAt: time.Now(),
		}); err != nil {
			logger.Warn("failed to record run start", zap.Error(err))
		}
	}

	res, runErr := extraction.NewOrchestrator(orchCfg).Run(ctx, seed)
	if res == nil {
		return runErr
	}
	if env.journal != nil {
		if err := env.journal.FinishRun(context.WithoutCancel(ctx), res); err != nil {
			logger.Warn("failed to record run outcome", zap.Error(err))
		}
	}
	if transcript != nil {
		_ = logger.Sync()
		if path, err := env.artifacts.SaveTranscript(transcript.String()); err != nil {
			logger.Warn("failed to save transcript", zap.Error(err))
		} else {
			logger.Debug("transcript saved", zap.String("path", path), zap.Int("lines", transcript.Lines()))
		}
	}

	printRunSummary(cmd.OutOrStdout(), res)
	if runErr == nil && !res.Outcome.Graceful() {
		return fmt.Errorf("extraction ended with outcome %s", res.Outcome)
	}
	return runErr
}

// journalObserver records evaluated batches in the journal. Failed writes
// are logged and never end the run.
type journalObserver struct {
	journal *store.Journal
	logger  *zap.Logger
}

func (o journalObserver) IterationDone(ctx context.Context, rec extraction.IterationRecord) error {
	if err := o.journal.IterationDone(ctx, rec); err != nil {
		o.logger.Warn("failed to journal batch",
			zap.Int("iteration", rec.Iteration),
			zap.Int("attempt", rec.Attempt),
			zap.Error(err))
	}
	return nil
}

func printRunSummary(w io.Writer, res *extraction.Result) {
	style := outcomeStyle(res.Outcome)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Outcome:"), style.Render(string(res.Outcome)))
	fmt.Fprintf(w, "%s %d appended in %d batches\n", labelStyle.Render("Iterations:"), res.Iterations, res.Attempts)
	fmt.Fprintf(w, "%s %d -> %d bytes\n", labelStyle.Render("Buffer:"), res.SeedLen, len(res.Buffer))
	if res.OutputPath != "" {
		note := ""
		if res.UsedFallback {
			note = warnStyle.Render(" (fallback location)")
		}
		fmt.Fprintf(w, "%s %s%s\n", labelStyle.Render("Output:"), res.OutputPath, note)
	}
}
