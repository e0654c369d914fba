package perception

import (
	"context"
	"time"

	"recall/internal/logging"

	"go.uber.org/zap"
)

// CallLabel identifies a request within a run for diagnostics.
type CallLabel struct {
	RunID     string
	Iteration int // 0 for probe batches
	Attempt   int
	Index     int // position in the batch, 1-based
}

type callLabelKey struct{}

// WithCallLabel attaches a CallLabel to ctx.
func WithCallLabel(ctx context.Context, label CallLabel) context.Context {
	return context.WithValue(ctx, callLabelKey{}, label)
}

// CallLabelFrom returns the label attached to ctx, if any.
func CallLabelFrom(ctx context.Context) (CallLabel, bool) {
	label, ok := ctx.Value(callLabelKey{}).(CallLabel)
	return label, ok
}

// SampleTrace captures one request and its Sample.
type SampleTrace struct {
	Label      CallLabel     `json:"label"`
	Model      string        `json:"model"`
	MaxTokens  int           `json:"max_tokens"`
	PrefixLen  int           `json:"prefix_len"`
	Sample     Sample        `json:"sample"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// SampleSink receives every traced Sample.
type SampleSink interface {
	StoreSample(ctx context.Context, trace SampleTrace) error
}

// MultiSink fans a trace out to several sinks and returns the first error.
type MultiSink []SampleSink

// StoreSample implements SampleSink.
func (m MultiSink) StoreSample(ctx context.Context, trace SampleTrace) error {
	var firstErr error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.StoreSample(ctx, trace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TracingSampler wraps any Sampler and records every Sample to a SampleSink.
// Sink failures are logged and never change the Sample.
type TracingSampler struct {
	underlying Sampler
	sink       SampleSink
	logger     *zap.Logger
	now        func() time.Time
}

// NewTracingSampler creates a tracing wrapper around an existing Sampler.
func NewTracingSampler(underlying Sampler, sink SampleSink, logger *zap.Logger) *TracingSampler {
	return &TracingSampler{
		underlying: underlying,
		sink:       sink,
		logger:     logging.For(logger, logging.CategoryStore),
		now:        time.Now,
	}
}

// Model implements Sampler.
func (t *TracingSampler) Model() string {
	return t.underlying.Model()
}

// Sample implements Sampler with tracing.
func (t *TracingSampler) Sample(ctx context.Context, prefix string, maxTokens int) Sample {
	start := t.now()
	sample := t.underlying.Sample(ctx, prefix, maxTokens)
	if t.sink == nil {
		return sample
	}

	label, _ := CallLabelFrom(ctx)
	trace := SampleTrace{
		Label:      label,
		Model:      t.underlying.Model(),
		MaxTokens:  maxTokens,
		PrefixLen:  len(prefix),
		Sample:     sample,
		Duration:   t.now().Sub(start),
		RecordedAt: t.now(),
	}
	// The sample is already taken; a cancelled run must still record it.
	if err := t.sink.StoreSample(context.WithoutCancel(ctx), trace); err != nil {
		t.logger.Warn("failed to store sample trace",
			zap.Int("iteration", label.Iteration),
			zap.Int("index", label.Index),
			zap.Error(err))
	}
	return sample
}
