package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"recall/internal/perception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time {
	return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
}

func newTestArtifacts(t *testing.T) *Artifacts {
	t.Helper()
	a := NewArtifacts(filepath.Join(t.TempDir(), "output"), "3f2a9c1e-7b4d-4e21-9a0f-5c6d7e8f9a0b", nil)
	a.now = fixedNow
	return a
}

func TestSaveOutput_NamesAndNeverOverwrites(t *testing.T) {
	a := newTestArtifacts(t)

	first, err := a.SaveOutput("first buffer")
	require.NoError(t, err)
	second, err := a.SaveOutput("second buffer")
	require.NoError(t, err)

	assert.Equal(t, "output_20260314_150926_3f2a9c1e.txt", filepath.Base(first))
	assert.Equal(t, "output_20260314_150926_3f2a9c1e_1.txt", filepath.Base(second))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "first buffer", string(data))
}

func TestSaveOutput_UnwritableDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	a := NewArtifacts(filepath.Join(blocker, "output"), "run", nil)
	_, err := a.SaveOutput("buffer")
	assert.Error(t, err)
}

func TestStoreSample_WritesDebugFiles(t *testing.T) {
	a := newTestArtifacts(t)
	label := perception.CallLabel{RunID: "r", Iteration: 1, Attempt: 2, Index: 3}

	require.NoError(t, a.StoreSample(context.Background(), perception.SampleTrace{
		Label:  label,
		Sample: perception.NewSample(" raw  text \n", "id"),
	}))
	label.Index = 4
	require.NoError(t, a.StoreSample(context.Background(), perception.SampleTrace{
		Label:  label,
		Sample: perception.Absent(),
	}))

	data, err := os.ReadFile(filepath.Join(a.DebugDir(), "iter_0001_attempt_02_sample_03.txt"))
	require.NoError(t, err)
	assert.Equal(t, " raw  text \n", string(data))
	assert.FileExists(t, filepath.Join(a.DebugDir(), "iter_0001_attempt_02_sample_04_absent.txt"))
}

func TestSaveTranscript(t *testing.T) {
	a := newTestArtifacts(t)

	path, err := a.SaveTranscript("line one\nline two\n")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(a.DebugDir(), "transcript.log"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestFallbackPersister(t *testing.T) {
	dir := t.TempDir()
	f := &FallbackPersister{Dir: dir, RunID: "abcdef0123", now: fixedNow}

	path, err := f.SaveOutput("rescued")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "recall_output_20260314_150926_abcdef01.txt"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rescued", string(data))
}

func TestNewFallbackPersisterUsesTempDir(t *testing.T) {
	assert.Equal(t, os.TempDir(), NewFallbackPersister("run").Dir)
}

func TestLatestOutputAndLoadResume(t *testing.T) {
	dir := t.TempDir()
	_, err := LatestOutput(dir)
	assert.ErrorIs(t, err, ErrNoOutput)

	older := NewArtifacts(dir, "aaaaaaaa", nil)
	older.now = fixedNow
	oldest, err := older.SaveOutput("older")
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldest, past, past))

	newer := NewArtifacts(dir, "bbbbbbbb", nil)
	newer.now = func() time.Time { return fixedNow().Add(time.Hour) }
	newest, err := newer.SaveOutput("newer")
	require.NoError(t, err)

	latest, err := LatestOutput(dir)
	require.NoError(t, err)
	assert.Equal(t, newest, latest)

	text, err := LoadResume(latest)
	require.NoError(t, err)
	assert.Equal(t, "newer", text)

	_, err = LoadResume(filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "3f2a9c1e", ShortID("3f2a9c1e-7b4d-4e21"))
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "run", ShortID(""))
}
