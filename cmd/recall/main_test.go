package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recall/internal/config"
	"recall/internal/extraction"
	"recall/internal/logging"
	"recall/internal/perception"
	"recall/internal/store"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testDocument = "The quick brown fox jumps over the lazy dog. Pack my box with five dozen liquor jugs."

// memorizedSampler continues any prefix of doc with its next maxTokens runes.
type memorizedSampler struct {
	doc string
}

func (m memorizedSampler) Sample(ctx context.Context, prefix string, maxTokens int) perception.Sample {
	if !strings.HasPrefix(m.doc, prefix) {
		return perception.NewSample("unrelated ", "")
	}
	rest := []rune(m.doc[len(prefix):])
	if len(rest) > maxTokens {
		rest = rest[:maxTokens]
	}
	return perception.NewSample(string(rest), "resp")
}

func (m memorizedSampler) Model() string { return "memorized" }

// setupCLI resets the package globals the commands read.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	c := config.DefaultConfig()
	c.LLM.APIKey = "test-key"
	c.Storage.OutputDir = filepath.Join(dir, "output")
	c.Extraction.MaxTokens = 12
	c.Extraction.MinTokens = 4

	cfg = c
	logger = zap.NewNop()
	transcript = nil
	samplerOverride = memorizedSampler{doc: testDocument}
	resumeLatest = false
	resumeFrom = ""
	sampleJSON = false
	historyJSON = false
	historyLimit = 20
	initForce = false
	configPath = filepath.Join(dir, "recall.yaml")

	t.Cleanup(func() { samplerOverride = nil })
	return dir
}

func newTestCommand(register func(*cobra.Command)) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	if register != nil {
		register(cmd)
	}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func runFlags(cmd *cobra.Command) {
	addExtractionFlags(cmd)
	cmd.Flags().Int("iterations", 0, "")
	cmd.Flags().Int("min-tokens", 0, "")
	cmd.Flags().Bool("adaptive", false, "")
	cmd.Flags().Int("loop-min-length", 0, "")
}

func TestRunExtraction_PersistsBufferAndJournal(t *testing.T) {
	setupCLI(t)
	cfg.Extraction.Seed = "The quick"
	cmd, out := newTestCommand(runFlags)

	require.NoError(t, runExtraction(cmd, nil))
	assert.Contains(t, out.String(), "empty_continuation")

	latest, err := store.LatestOutput(cfg.Storage.OutputDir)
	require.NoError(t, err)
	data, err := os.ReadFile(latest)
	require.NoError(t, err)
	assert.Equal(t, testDocument, string(data))

	journal, err := store.OpenJournal(cfg.JournalFile(), nil)
	require.NoError(t, err)
	defer journal.Close()
	runs, err := journal.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run", runs[0].Mode)
	assert.Equal(t, "empty_continuation", runs[0].Outcome)
	assert.Equal(t, "memorized", runs[0].Model)
	assert.Equal(t, latest, runs[0].OutputPath)
}

func TestRunExtraction_FlagsOverrideConfig(t *testing.T) {
	setupCLI(t)
	cmd, out := newTestCommand(runFlags)
	require.NoError(t, cmd.Flags().Set("seed", "The quick"))
	require.NoError(t, cmd.Flags().Set("iterations", "1"))

	require.NoError(t, runExtraction(cmd, nil))

	assert.Equal(t, 1, cfg.Extraction.MaxIterations)
	assert.Contains(t, out.String(), "max_iterations")
	latest, err := store.LatestOutput(cfg.Storage.OutputDir)
	require.NoError(t, err)
	text, err := store.LoadResume(latest)
	require.NoError(t, err)
	assert.Equal(t, "The quick brown fox ", text)
}

func TestRunExtraction_ResumeContinuesLatestOutput(t *testing.T) {
	setupCLI(t)
	cfg.Extraction.Seed = "The quick"
	cfg.Extraction.MaxIterations = 1
	cmd, _ := newTestCommand(runFlags)
	require.NoError(t, runExtraction(cmd, nil))
	first, err := store.LatestOutput(cfg.Storage.OutputDir)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(first, past, past))

	resumeLatest = true
	cmd, _ = newTestCommand(runFlags)
	require.NoError(t, runExtraction(cmd, nil))

	latest, err := store.LatestOutput(cfg.Storage.OutputDir)
	require.NoError(t, err)
	text, err := store.LoadResume(latest)
	require.NoError(t, err)
	assert.Equal(t, "The quick brown fox jumps over ", text)
}

func TestRunExtraction_DebugWritesSamplesAndTranscript(t *testing.T) {
	setupCLI(t)
	cfg.Extraction.Seed = "The quick"
	cfg.Extraction.MaxIterations = 1
	cfg.Storage.Debug = true
	transcript = logging.NewTranscript(zapcore.DebugLevel)
	logger = zap.New(transcript)
	cmd, _ := newTestCommand(runFlags)

	require.NoError(t, runExtraction(cmd, nil))

	debugDirs, err := filepath.Glob(filepath.Join(cfg.Storage.OutputDir, "debug_*"))
	require.NoError(t, err)
	require.Len(t, debugDirs, 1)
	assert.FileExists(t, filepath.Join(debugDirs[0], "iter_0001_attempt_01_sample_05.txt"))

	log, err := os.ReadFile(filepath.Join(debugDirs[0], "transcript.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "extraction")
	assert.Contains(t, string(log), "continuation appended")
}

func TestRunExtraction_NoSeed(t *testing.T) {
	setupCLI(t)
	cmd, _ := newTestCommand(runFlags)

	err := runExtraction(cmd, nil)
	assert.ErrorIs(t, err, extraction.ErrNoSeed)
}

func TestRunExtraction_MissingKey(t *testing.T) {
	setupCLI(t)
	cfg.LLM.APIKey = ""
	cfg.Extraction.Seed = "The quick"
	cmd, _ := newTestCommand(runFlags)

	err := runExtraction(cmd, nil)
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)
}

func TestResolveSeed(t *testing.T) {
	dir := setupCLI(t)

	seedFile := filepath.Join(dir, "seed.txt")
	require.NoError(t, os.WriteFile(seedFile, []byte("from file"), 0o644))

	cfg.Extraction.Seed = "inline"
	text, source, err := resolveSeed(cfg, false, "")
	require.NoError(t, err)
	assert.Equal(t, "inline", text)
	assert.Equal(t, "inline", source)

	cfg.Extraction.SeedFile = seedFile
	text, _, err = resolveSeed(cfg, false, "")
	require.NoError(t, err)
	assert.Equal(t, "from file", text)

	text, source, err = resolveSeed(cfg, false, seedFile)
	require.NoError(t, err)
	assert.Equal(t, "from file", text)
	assert.Equal(t, seedFile, source)

	_, _, err = resolveSeed(cfg, true, "")
	assert.ErrorIs(t, err, store.ErrNoOutput)
}

func TestSample_PrintsGroups(t *testing.T) {
	setupCLI(t)
	cmd, out := newTestCommand(addExtractionFlags)

	require.NoError(t, runSample(cmd, []string{"The quick"}))

	assert.Contains(t, out.String(), "5/5 valid")
	assert.Contains(t, out.String(), "consensus (5 agree)")
	assert.Contains(t, out.String(), `brown fox j`)

	_, err := store.LatestOutput(cfg.Storage.OutputDir)
	assert.ErrorIs(t, err, store.ErrNoOutput, "probe must not persist a buffer")
}

func TestSample_JSON(t *testing.T) {
	setupCLI(t)
	sampleJSON = true
	cmd, out := newTestCommand(addExtractionFlags)

	require.NoError(t, runSample(cmd, []string{"The quick"}))

	assert.Contains(t, out.String(), `"reached": true`)
}

func TestHistory(t *testing.T) {
	setupCLI(t)
	cfg.Extraction.Seed = "The quick"
	cfg.Extraction.MaxIterations = 1
	cmd, _ := newTestCommand(runFlags)
	require.NoError(t, runExtraction(cmd, nil))

	cmd, out := newTestCommand(nil)
	require.NoError(t, runHistory(cmd, nil))

	assert.Contains(t, out.String(), "max_iterations")
	assert.Contains(t, out.String(), "memorized")
}

func latestRunID(t *testing.T) string {
	t.Helper()
	journal, err := store.OpenJournal(cfg.JournalFile(), nil)
	require.NoError(t, err)
	defer journal.Close()
	runs, err := journal.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0].ID
}

func TestHistory_RunDetail(t *testing.T) {
	setupCLI(t)
	cfg.Extraction.Seed = "The quick"
	cfg.Extraction.MaxIterations = 2
	cmd, _ := newTestCommand(runFlags)
	require.NoError(t, runExtraction(cmd, nil))
	id := latestRunID(t)

	cmd, out := newTestCommand(nil)
	require.NoError(t, runHistory(cmd, []string{store.ShortID(id)}))

	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "max_iterations")
	assert.Contains(t, out.String(), "Samples:")
	assert.Contains(t, out.String(), "continue")
}

func TestHistory_RunDetailJSON(t *testing.T) {
	setupCLI(t)
	cfg.Extraction.Seed = "The quick"
	cfg.Extraction.MaxIterations = 1
	cmd, _ := newTestCommand(runFlags)
	require.NoError(t, runExtraction(cmd, nil))
	id := latestRunID(t)

	historyJSON = true
	cmd, out := newTestCommand(nil)
	require.NoError(t, runHistory(cmd, []string{id}))

	var detail runDetail
	require.NoError(t, json.Unmarshal(out.Bytes(), &detail))
	assert.Equal(t, id, detail.Run.ID)
	assert.Equal(t, cfg.Extraction.NumRequests, detail.Samples)
	require.Len(t, detail.Iterations, 1)
	assert.Equal(t, "continue", detail.Iterations[0].State)
}

func TestHistory_UnknownRun(t *testing.T) {
	setupCLI(t)
	cmd, _ := newTestCommand(nil)

	err := runHistory(cmd, []string{"deadbeef"})
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestJournalObserver_WriteFailureDoesNotEndRun(t *testing.T) {
	journal, err := store.OpenJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	core, logs := observer.New(zapcore.WarnLevel)
	orch := extraction.NewOrchestrator(extraction.OrchestratorConfig{
		Sampler:   memorizedSampler{doc: testDocument},
		Persister: store.NewArtifacts(t.TempDir(), "run-journal", nil),
		Observer:  journalObserver{journal: journal, logger: zap.New(core)},
		Logger:    zap.NewNop(),
		Params: extraction.Params{
			RunID:            "run-journal",
			NumRequests:      3,
			ConsensusPercent: 50,
			MaxTokens:        12,
			MinTokens:        4,
			MaxIterations:    2,
			LoopMinLength:    50,
			Parallelism:      1,
		},
	})

	res, err := orch.Run(context.Background(), "The quick")
	require.NoError(t, err)
	assert.Equal(t, extraction.OutcomeMaxIterations, res.Outcome)
	assert.Equal(t, 2, logs.FilterMessage("failed to journal batch").Len())
}

func TestHistory_Empty(t *testing.T) {
	setupCLI(t)
	cmd, out := newTestCommand(nil)

	require.NoError(t, runHistory(cmd, nil))

	assert.Contains(t, out.String(), "No runs recorded yet in "+cfg.JournalFile())
}

func TestInit(t *testing.T) {
	setupCLI(t)
	cmd, out := newTestCommand(nil)

	require.NoError(t, runInit(cmd, nil))
	assert.Contains(t, out.String(), configPath)

	loaded, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Extraction.MaxTokens, loaded.Extraction.MaxTokens)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "test-key")

	assert.Error(t, runInit(cmd, nil))
	initForce = true
	assert.NoError(t, runInit(cmd, nil))
}

func TestApplyGlobalFlags(t *testing.T) {
	setupCLI(t)
	t.Setenv("GEMINI_API_KEY", "gem-key")
	cmd, _ := newTestCommand(nil)
	cmd.Flags().StringVar(&providerFlag, "provider", "", "")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "")
	cmd.Flags().StringVar(&modelFlag, "model", "", "")
	cmd.Flags().BoolVar(&debugMode, "debug", false, "")
	require.NoError(t, cmd.Flags().Set("provider", "gemini"))
	require.NoError(t, cmd.Flags().Set("output-dir", "elsewhere"))

	c := config.DefaultConfig()
	applyGlobalFlags(cmd, c)

	assert.Equal(t, "gemini", c.LLM.Provider)
	assert.Equal(t, "gemini-2.5-pro", c.LLM.Model)
	assert.Equal(t, "gem-key", c.LLM.APIKey)
	assert.Equal(t, "elsewhere", c.Storage.OutputDir)
	assert.False(t, c.Storage.Debug)
}

func TestVersion(t *testing.T) {
	cmd, out := newTestCommand(nil)
	versionCmd.Run(cmd, nil)
	assert.Equal(t, "recall dev\n", out.String())
}
