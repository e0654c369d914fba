package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"recall/internal/extraction"
	"recall/internal/perception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "nested", "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	started := time.Now().Add(-time.Minute)
	require.NoError(t, j.BeginRun(ctx, RunRecord{
		ID:        "run-1",
		Mode:      "run",
		Provider:  "anthropic",
		Model:     "claude-sonnet-4-5",
		SeedLen:   9,
		Params:    extraction.Params{NumRequests: 5, ConsensusPercent: 50},
		StartedAt: started,
	}))
	require.NoError(t, j.FinishRun(ctx, &extraction.Result{
		RunID:      "run-1",
		Outcome:    extraction.OutcomeLoopDetected,
		Buffer:     "The quick brown ",
		Iterations: 2,
		Attempts:   3,
		OutputPath: "output/output_x.txt",
	}))

	runs, err := j.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	r := runs[0]
	assert.Equal(t, "run-1", r.ID)
	assert.Equal(t, "loop_detected", r.Outcome)
	assert.Equal(t, 2, r.Iterations)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, len("The quick brown "), r.BufferLen)
	assert.Equal(t, "output/output_x.txt", r.OutputPath)
	assert.Equal(t, started.UnixMilli(), r.StartedAt.UnixMilli())
	assert.Greater(t, r.Duration, time.Duration(0))
}

func TestJournal_ListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, j.BeginRun(ctx, RunRecord{ID: id, Mode: "sample", StartedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	runs, err := j.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.Empty(t, runs[0].Outcome)
}

func TestJournal_IterationsAndSamples(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	var observer extraction.Observer = j
	var sink perception.SampleSink = j

	require.NoError(t, observer.IterationDone(ctx, extraction.IterationRecord{
		RunID: "run-1", Iteration: 1, Attempt: 2, MaxTokens: 60, State: "continue",
		Valid: 5, TopCount: 3, Threshold: 2, Appended: "brown ", Elapsed: 1500 * time.Millisecond,
	}))
	require.NoError(t, observer.IterationDone(ctx, extraction.IterationRecord{
		RunID: "run-1", Iteration: 1, Attempt: 1, MaxTokens: 120, State: "no_consensus_adaptive",
		Valid: 5, TopCount: 1, Threshold: 2,
	}))

	for i := 1; i <= 3; i++ {
		require.NoError(t, sink.StoreSample(ctx, perception.SampleTrace{
			Label:      perception.CallLabel{RunID: "run-1", Iteration: 1, Attempt: 1, Index: i},
			Sample:     perception.NewSample("text", "id"),
			RecordedAt: time.Now(),
		}))
	}

	recs, err := j.Iterations(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, "no_consensus_adaptive", recs[0].State)
	assert.Equal(t, "brown ", recs[1].Appended)
	assert.Equal(t, 1500*time.Millisecond, recs[1].Elapsed)

	n, err := j.CountSamples(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestJournal_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := OpenJournal(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.BeginRun(ctx, RunRecord{ID: "persisted", Mode: "run"}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path, nil)
	require.NoError(t, err)
	defer j.Close()

	runs, err := j.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "persisted", runs[0].ID)
}

func TestJournal_FindRunByPrefix(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	base := time.Now().Add(-time.Hour)
	require.NoError(t, j.BeginRun(ctx, RunRecord{ID: "abcd1234-old", Mode: "run", StartedAt: base}))
	require.NoError(t, j.BeginRun(ctx, RunRecord{ID: "abcd1234-new", Mode: "sample", StartedAt: base.Add(time.Minute)}))
	require.NoError(t, j.BeginRun(ctx, RunRecord{ID: "ffff0000", Mode: "run", StartedAt: base}))

	r, err := j.FindRun(ctx, "abcd1234")
	require.NoError(t, err)
	assert.Equal(t, "abcd1234-new", r.ID)

	r, err = j.FindRun(ctx, "ffff0000")
	require.NoError(t, err)
	assert.Equal(t, "run", r.Mode)

	_, err = j.FindRun(ctx, "0000")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = j.FindRun(ctx, "")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
