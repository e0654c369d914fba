package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"recall/internal/perception"
)

// funcSampler answers each call with respond, tracking budgets and call count.
type funcSampler struct {
	mu      sync.Mutex
	calls   int
	budgets []int
	labels  []perception.CallLabel
	respond func(call int, prefix string, maxTokens int) perception.Sample
}

func (f *funcSampler) Sample(ctx context.Context, prefix string, maxTokens int) perception.Sample {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.budgets = append(f.budgets, maxTokens)
	if label, ok := perception.CallLabelFrom(ctx); ok {
		f.labels = append(f.labels, label)
	}
	f.mu.Unlock()
	return f.respond(call, prefix, maxTokens)
}

func (f *funcSampler) Model() string { return "fake-model" }

func (f *funcSampler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// documentSampler behaves like a model that memorized doc: it continues any
// prefix of doc with the next maxTokens runes.
func documentSampler(doc string) *funcSampler {
	return &funcSampler{respond: func(_ int, prefix string, maxTokens int) perception.Sample {
		if !strings.HasPrefix(doc, prefix) {
			return perception.NewSample("unrelated text ", "")
		}
		rest := []rune(doc[len(prefix):])
		if len(rest) > maxTokens {
			rest = rest[:maxTokens]
		}
		return perception.NewSample(string(rest), "")
	}}
}

// distinctSampler never agrees with itself.
func distinctSampler() *funcSampler {
	return &funcSampler{respond: func(call int, _ string, _ int) perception.Sample {
		return perception.NewSample(fmt.Sprintf("variant %d ", call), "")
	}}
}

type memPersister struct {
	mu    sync.Mutex
	saves []string
	err   error
	path  string
}

func (m *memPersister) SaveOutput(buffer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, buffer)
	if m.err != nil {
		return "", m.err
	}
	if m.path == "" {
		return "mem://output", nil
	}
	return m.path, nil
}

type recordingObserver struct {
	records []IterationRecord
	failAt  int // 1-based record number that fails; 0 never
}

func (r *recordingObserver) IterationDone(ctx context.Context, rec IterationRecord) error {
	r.records = append(r.records, rec)
	if r.failAt > 0 && len(r.records) == r.failAt {
		return errors.New("journal closed")
	}
	return nil
}

func testParams() Params {
	return Params{
		RunID:            "run-test",
		NumRequests:      5,
		ConsensusPercent: 50,
		MaxTokens:        120,
		MinTokens:        20,
		MaxIterations:    100,
		LoopMinLength:    50,
		Parallelism:      1,
	}
}
