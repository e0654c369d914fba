package extraction

import (
	"context"
	"fmt"
	"time"

	"recall/internal/consensus"
	"recall/internal/logging"
	"recall/internal/perception"

	"go.uber.org/zap"
)

// ProbeReport describes a single sampling batch. Nothing is appended or
// persisted by a probe.
type ProbeReport struct {
	RunID     string              `json:"run_id"`
	Model     string              `json:"model"`
	PrefixLen int                 `json:"prefix_len"`
	MaxTokens int                 `json:"max_tokens"`
	Requested int                 `json:"requested"`
	Samples   []perception.Sample `json:"samples"`
	Result    consensus.Result    `json:"result"`
	Elapsed   time.Duration       `json:"elapsed"`
}

// Probe performs exactly one batch against prefix and reports the grouped
// normalized responses. It shares the dispatch rules of Run, including
// cancellation between requests.
func Probe(ctx context.Context, sampler perception.Sampler, params Params, prefix string, logger *zap.Logger) (*ProbeReport, error) {
	if params.NumRequests < 1 {
		return nil, fmt.Errorf("probe needs at least one request, got %d", params.NumRequests)
	}
	log := logging.For(logger, logging.CategoryExtraction)
	started := time.Now()

	label := perception.CallLabel{RunID: params.RunID, Attempt: 1}
	batch, err := sampleBatch(ctx, sampler, params.NumRequests, params.Parallelism, label, prefix, params.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("probe interrupted: %w", err)
	}

	report := &ProbeReport{
		RunID:     params.RunID,
		Model:     sampler.Model(),
		PrefixLen: len(prefix),
		MaxTokens: params.MaxTokens,
		Requested: params.NumRequests,
		Samples:   batch,
		Result:    consensus.Resolve(batch, params.Threshold()),
		Elapsed:   time.Since(started),
	}
	log.Info("probe complete",
		zap.Int("valid", report.Result.Valid),
		zap.Int("groups", len(report.Result.Groups)),
		zap.Int("top_count", report.Result.TopCount),
		zap.Bool("reached", report.Result.Reached))
	return report, nil
}
