package main

import (
	"fmt"
	"os"

	"recall/internal/config"
	"recall/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose      bool
	debugMode    bool
	configPath   string
	providerFlag string
	modelFlag    string
	outputDir    string

	// Resolved per invocation by PersistentPreRunE
	cfg        *config.Config
	logger     *zap.Logger
	transcript *logging.Transcript
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Consensus-based text reconstruction against a generative model",
	Long: `recall extends a known text fragment by repeatedly asking a model to
continue it, sampling several deterministic completions per step and
appending a continuation only when enough of them agree.

A run stops on a detected loop, failed consensus, too few usable samples,
the iteration limit, or an interrupt. The buffer is always persisted.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyGlobalFlags(cmd, loaded)
		cfg = loaded

		logger, transcript, err = logging.New(logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Verbose:    verbose,
			Transcript: cfg.Storage.Debug,
		})
		if err != nil {
			return err
		}
		logging.For(logger, logging.CategoryBoot).Debug("configuration resolved",
			zap.String("config", configPath),
			zap.String("provider", cfg.LLM.Provider),
			zap.String("model", cfg.LLM.Model),
			zap.String("output_dir", cfg.Storage.OutputDir),
			zap.Bool("debug", cfg.Storage.Debug))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// applyGlobalFlags overrides file and environment settings with explicitly
// set persistent flags.
func applyGlobalFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("provider") {
		c.SetProvider(providerFlag)
	}
	if flags.Changed("model") {
		c.LLM.Model = modelFlag
	}
	if flags.Changed("output-dir") {
		c.Storage.OutputDir = outputDir
	}
	if flags.Changed("debug") {
		c.Storage.Debug = debugMode
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Write raw samples and the log transcript to the output dir")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Config file path")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Model provider: anthropic or gemini")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "Model identifier")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for outputs and the journal")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sampleCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
