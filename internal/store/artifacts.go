package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"recall/internal/logging"
	"recall/internal/perception"

	"go.uber.org/zap"
)

const (
	outputPrefix   = "output_"
	outputExt      = ".txt"
	timestampFmt   = "20060102_150405"
	transcriptName = "transcript.log"
)

// ErrNoOutput is returned when a resume is requested but no persisted
// output exists.
var ErrNoOutput = errors.New("no persisted output found")

// Artifacts writes a run's files under one output directory: the final
// buffer, raw debug samples, and the log transcript.
type Artifacts struct {
	dir    string
	runID  string
	now    func() time.Time
	logger *zap.Logger
}

// NewArtifacts creates an artifact writer for runID under dir.
func NewArtifacts(dir, runID string, logger *zap.Logger) *Artifacts {
	return &Artifacts{
		dir:    dir,
		runID:  runID,
		now:    time.Now,
		logger: logging.For(logger, logging.CategoryStore),
	}
}

// Dir returns the output directory.
func (a *Artifacts) Dir() string {
	return a.dir
}

// DebugDir returns the per-run diagnostics directory.
func (a *Artifacts) DebugDir() string {
	return filepath.Join(a.dir, "debug_"+a.runID)
}

// SaveOutput writes buffer to output_<YYYYMMDD_HHMMSS>_<run>.txt. An
// existing file is never overwritten; a numeric suffix is added instead.
func (a *Artifacts) SaveOutput(buffer string) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	base := outputPrefix + a.now().Format(timestampFmt) + "_" + ShortID(a.runID)
	path, err := writeExclusive(a.dir, base, outputExt, buffer)
	if err != nil {
		return "", err
	}
	a.logger.Info("output written", zap.String("path", path), zap.Int("bytes", len(buffer)))
	return path, nil
}

// StoreSample writes the raw text of one sample to the debug directory as
// iter_0001_attempt_01_sample_01.txt. Absent samples produce an empty
// file with an _absent suffix. Probe batches use iteration 0.
func (a *Artifacts) StoreSample(ctx context.Context, trace perception.SampleTrace) error {
	dir := a.DebugDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create debug dir: %w", err)
	}
	l := trace.Label
	name := fmt.Sprintf("iter_%04d_attempt_%02d_sample_%02d", l.Iteration, l.Attempt, l.Index)
	if !trace.Sample.Present {
		name += "_absent"
	}
	path := filepath.Join(dir, name+outputExt)
	if err := os.WriteFile(path, []byte(trace.Sample.Text), 0o644); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	return nil
}

// SaveTranscript writes the full log transcript of the run to the debug
// directory.
func (a *Artifacts) SaveTranscript(transcript string) (string, error) {
	dir := a.DebugDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create debug dir: %w", err)
	}
	path := filepath.Join(dir, transcriptName)
	if err := os.WriteFile(path, []byte(transcript), 0o644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	return path, nil
}

// FallbackPersister writes the buffer to the OS temp directory. It is used
// when the configured output directory cannot be written.
type FallbackPersister struct {
	Dir   string // defaults to os.TempDir()
	RunID string
	now   func() time.Time
}

// NewFallbackPersister returns a FallbackPersister for runID.
func NewFallbackPersister(runID string) *FallbackPersister {
	return &FallbackPersister{Dir: os.TempDir(), RunID: runID, now: time.Now}
}

// SaveOutput implements extraction.Persister.
func (f *FallbackPersister) SaveOutput(buffer string) (string, error) {
	dir := f.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	base := "recall_" + outputPrefix + now().Format(timestampFmt) + "_" + ShortID(f.RunID)
	return writeExclusive(dir, base, outputExt, buffer)
}

// LatestOutput returns the most recently written output_*.txt in dir.
func LatestOutput(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, outputPrefix+"*"+outputExt))
	if err != nil {
		return "", fmt.Errorf("failed to scan output dir: %w", err)
	}

	var latest string
	var latestMod time.Time
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		mod := info.ModTime()
		if latest == "" || mod.After(latestMod) || (mod.Equal(latestMod) && path > latest) {
			latest, latestMod = path, mod
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoOutput, dir)
	}
	return latest, nil
}

// LoadResume reads a previously persisted buffer.
func LoadResume(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoOutput, path)
		}
		return "", fmt.Errorf("failed to read resume file: %w", err)
	}
	return string(data), nil
}

// ShortID returns the first eight characters of a run id.
func ShortID(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "run"
	}
	return id
}

func writeExclusive(dir, base, ext, content string) (string, error) {
	for n := 0; n < 1000; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create output file: %w", err)
		}
		if _, err := f.WriteString(content); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write output file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close output file: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("failed to find a free file name for %s", base)
}
