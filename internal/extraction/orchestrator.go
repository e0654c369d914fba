// Package extraction drives the consensus loop: sample a batch, resolve it,
// trim and guard the winner, append it, repeat until a terminal outcome.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"recall/internal/config"
	"recall/internal/consensus"
	"recall/internal/logging"
	"recall/internal/perception"

	"go.uber.org/zap"
)

var (
	// ErrNoSeed is returned when a run is started without a starting fragment.
	ErrNoSeed = errors.New("no seed text")
	// ErrPersist wraps a failure to hand the buffer to the primary persister.
	ErrPersist = errors.New("failed to persist buffer")
	// ErrObserver wraps a failure reported by the iteration observer.
	ErrObserver = errors.New("iteration observer failed")
)

// Persister receives the buffer once a run terminates and returns where it
// was written.
type Persister interface {
	SaveOutput(buffer string) (string, error)
}

// Observer is told about every evaluated attempt. A non-nil error ends the
// run with OutcomeError.
type Observer interface {
	IterationDone(ctx context.Context, rec IterationRecord) error
}

// IterationRecord describes one evaluated batch.
type IterationRecord struct {
	RunID     string        `json:"run_id"`
	Iteration int           `json:"iteration"`
	Attempt   int           `json:"attempt"`
	MaxTokens int           `json:"max_tokens"`
	State     string        `json:"state"`
	Valid     int           `json:"valid"`
	TopCount  int           `json:"top_count"`
	Threshold int           `json:"threshold"`
	Appended  string        `json:"appended,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Params are the tunables of one run.
type Params struct {
	RunID            string
	NumRequests      int
	ConsensusPercent int
	MaxTokens        int
	MinTokens        int
	Adaptive         bool
	MaxIterations    int
	LoopMinLength    int
	Parallelism      int
}

// ParamsFromConfig copies the extraction settings into Params.
func ParamsFromConfig(cfg config.ExtractionConfig, runID string) Params {
	return Params{
		RunID:            runID,
		NumRequests:      cfg.NumRequests,
		ConsensusPercent: cfg.ConsensusPercent,
		MaxTokens:        cfg.MaxTokens,
		MinTokens:        cfg.MinTokens,
		Adaptive:         cfg.Adaptive,
		MaxIterations:    cfg.MaxIterations,
		LoopMinLength:    cfg.LoopMinLength,
		Parallelism:      cfg.Parallelism,
	}
}

// Threshold returns the agreement count required for consensus.
func (p Params) Threshold() int {
	return consensus.Threshold(p.NumRequests, p.ConsensusPercent)
}

// OrchestratorConfig holds the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	Sampler   perception.Sampler
	Persister Persister
	Fallback  Persister   // optional, used when Persister fails
	Observer  Observer    // optional
	Logger    *zap.Logger // optional
	Params    Params
}

// Orchestrator runs the extraction loop. One Run owns its buffer; an
// Orchestrator must not run concurrently with itself.
type Orchestrator struct {
	sampler   perception.Sampler
	persister Persister
	fallback  Persister
	observer  Observer
	params    Params

	logger    *zap.Logger
	consensus *zap.Logger
}

// NewOrchestrator creates a new extraction orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	p := cfg.Params
	if p.NumRequests < 1 {
		p.NumRequests = 1
	}
	if p.MinTokens > p.MaxTokens {
		p.MinTokens = p.MaxTokens
	}
	if p.LoopMinLength <= 0 {
		p.LoopMinLength = consensus.DefaultLoopMinLength
	}
	if p.Parallelism < 1 {
		p.Parallelism = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.RunID != "" {
		logger = logger.With(zap.String("run_id", p.RunID))
	}
	return &Orchestrator{
		sampler:   cfg.Sampler,
		persister: cfg.Persister,
		fallback:  cfg.Fallback,
		observer:  cfg.Observer,
		params:    p,
		logger:    logging.For(logger, logging.CategoryExtraction),
		consensus: logging.For(logger, logging.CategoryConsensus),
	}
}

// Result summarizes a finished run.
type Result struct {
	RunID        string  `json:"run_id"`
	Outcome      Outcome `json:"outcome"`
	Buffer       string  `json:"-"`
	SeedLen      int     `json:"seed_len"`
	Iterations   int     `json:"iterations"` // appended continuations
	Attempts     int     `json:"attempts"`   // evaluated batches
	OutputPath   string  `json:"output_path,omitempty"`
	UsedFallback bool    `json:"used_fallback"`
}

// runState is owned by the goroutine executing Run.
type runState struct {
	buffer     string
	iterations int
	attempts   int
}

// Run extends seed until a terminal outcome and hands the buffer to the
// Persister exactly once. Graceful outcomes return a nil error. A recovered
// panic or observer failure yields OutcomeError and the wrapped cause; a
// persistence failure returns an error wrapping ErrPersist after the
// Fallback persister has been tried. The Result is non-nil whenever the run
// started.
func (o *Orchestrator) Run(ctx context.Context, seed string) (*Result, error) {
	if strings.TrimSpace(seed) == "" {
		return nil, ErrNoSeed
	}

	st := &runState{buffer: seed}
	o.logger.Info("extraction started",
		zap.Int("seed_len", len(seed)),
		zap.Int("requests", o.params.NumRequests),
		zap.Int("threshold", o.params.Threshold()),
		zap.Int("max_tokens", o.params.MaxTokens),
		zap.Bool("adaptive", o.params.Adaptive))

	outcome, runErr := o.runGuarded(ctx, st)

	res := &Result{
		RunID:      o.params.RunID,
		Outcome:    outcome,
		Buffer:     st.buffer,
		SeedLen:    len(seed),
		Iterations: st.iterations,
		Attempts:   st.attempts,
	}
	o.logger.Info("extraction terminated",
		zap.String("state", StateTerminated.String()),
		zap.String("outcome", string(outcome)),
		zap.Int("iterations", st.iterations),
		zap.Int("buffer_len", len(st.buffer)))

	if err := o.persist(res); err != nil {
		return res, errors.Join(runErr, err)
	}
	return res, runErr
}

func (o *Orchestrator) runGuarded(ctx context.Context, st *runState) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("extraction panicked", zap.Any("panic", r), zap.Stack("stack"))
			outcome = OutcomeError
			err = fmt.Errorf("extraction panicked: %v", r)
		}
	}()
	return o.loop(ctx, st)
}

func (o *Orchestrator) loop(ctx context.Context, st *runState) (Outcome, error) {
	threshold := o.params.Threshold()
	budget := NewBudget(o.params.MaxTokens, o.params.MinTokens, o.params.Adaptive)

	for st.iterations < o.params.MaxIterations {
		if ctx.Err() != nil {
			o.logger.Warn("extraction interrupted", zap.Int("iteration", st.iterations+1))
			return OutcomeInterrupted, nil
		}
		iteration := st.iterations + 1
		budget.Reset()

		for attempt := 1; ; attempt++ {
			started := time.Now()
			o.logger.Debug("dispatching batch",
				zap.String("state", StateRequesting.String()),
				zap.Int("iteration", iteration),
				zap.Int("attempt", attempt),
				zap.Int("max_tokens", budget.Current()))

			label := perception.CallLabel{RunID: o.params.RunID, Iteration: iteration, Attempt: attempt}
			batch, err := sampleBatch(ctx, o.sampler, o.params.NumRequests, o.params.Parallelism, label, st.buffer, budget.Current())
			if err != nil {
				o.logger.Warn("batch interrupted; discarding partial batch",
					zap.Int("iteration", iteration), zap.Int("attempt", attempt))
				return OutcomeInterrupted, nil
			}
			st.attempts++

			rec := IterationRecord{
				RunID:     o.params.RunID,
				Iteration: iteration,
				Attempt:   attempt,
				MaxTokens: budget.Current(),
				Threshold: threshold,
				Valid:     perception.CountPresent(batch),
			}
			finish := func(state State) error {
				rec.State = state.String()
				rec.Elapsed = time.Since(started)
				return o.observe(ctx, rec)
			}

			if rec.Valid < threshold {
				o.logger.Warn("insufficient samples",
					zap.String("state", StateInsufficientSamples.String()),
					zap.Int("iteration", iteration),
					zap.Int("valid", rec.Valid),
					zap.Int("threshold", threshold))
				if err := finish(StateInsufficientSamples); err != nil {
					return OutcomeError, err
				}
				return OutcomeInsufficientSamples, nil
			}

			result := consensus.Resolve(batch, threshold)
			rec.TopCount = result.TopCount
			o.consensus.Debug("batch resolved",
				zap.String("state", StateEvaluating.String()),
				zap.Int("iteration", iteration),
				zap.Int("attempt", attempt),
				zap.Int("valid", result.Valid),
				zap.Int("groups", len(result.Groups)),
				zap.Int("top_count", result.TopCount),
				zap.Int("threshold", threshold),
				zap.Bool("reached", result.Reached))

			if !result.Reached {
				if budget.Reduce() {
					o.logger.Info("no consensus; reducing token budget",
						zap.String("state", StateNoConsensusAdaptive.String()),
						zap.Int("iteration", iteration),
						zap.Int("top_count", result.TopCount),
						zap.Int("max_tokens", budget.Current()))
					if err := finish(StateNoConsensusAdaptive); err != nil {
						return OutcomeError, err
					}
					continue
				}
				o.logger.Warn("no consensus",
					zap.String("state", StateNoConsensusTerminal.String()),
					zap.Int("iteration", iteration),
					zap.Int("top_count", result.TopCount),
					zap.Int("threshold", threshold))
				if err := finish(StateNoConsensusTerminal); err != nil {
					return OutcomeError, err
				}
				return OutcomeNoConsensus, nil
			}

			cont := consensus.JoinContinuation(st.buffer, consensus.TrimToBoundary(result.Text))
			if cont == "" {
				o.logger.Warn("consensus continuation empty after trimming",
					zap.Int("iteration", iteration),
					zap.Int("raw_len", len(result.Text)))
				if err := finish(StateConsensus); err != nil {
					return OutcomeError, err
				}
				return OutcomeEmptyContinuation, nil
			}
			if consensus.DetectLoop(cont, st.buffer, o.params.LoopMinLength) {
				o.logger.Warn("loop detected",
					zap.String("state", StateLoopDetected.String()),
					zap.Int("iteration", iteration))
				if err := finish(StateLoopDetected); err != nil {
					return OutcomeError, err
				}
				return OutcomeLoopDetected, nil
			}

			st.buffer += cont
			st.iterations++
			rec.Appended = cont
			o.logger.Info("continuation appended",
				zap.String("state", StateContinue.String()),
				zap.Int("iteration", iteration),
				zap.Int("attempt", attempt),
				zap.Int("appended_len", len(cont)),
				zap.Int("buffer_len", len(st.buffer)))
			if err := finish(StateContinue); err != nil {
				return OutcomeError, err
			}
			break
		}
	}

	o.logger.Info("iteration limit reached", zap.Int("max_iterations", o.params.MaxIterations))
	return OutcomeMaxIterations, nil
}

func (o *Orchestrator) observe(ctx context.Context, rec IterationRecord) error {
	if o.observer == nil {
		return nil
	}
	if err := o.observer.IterationDone(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error("observer failed", zap.Int("iteration", rec.Iteration), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrObserver, err)
	}
	return nil
}

// persist writes res.Buffer through the primary persister, falling back when
// it fails. It is called exactly once per started run.
func (o *Orchestrator) persist(res *Result) error {
	if o.persister == nil {
		return fmt.Errorf("%w: no persister configured", ErrPersist)
	}
	path, err := o.persister.SaveOutput(res.Buffer)
	if err == nil {
		res.OutputPath = path
		o.logger.Info("buffer persisted", zap.String("path", path), zap.Int("bytes", len(res.Buffer)))
		return nil
	}
	o.logger.Error("failed to persist buffer", zap.Error(err))
	persistErr := fmt.Errorf("%w: %w", ErrPersist, err)

	if o.fallback == nil {
		return persistErr
	}
	path, ferr := o.fallback.SaveOutput(res.Buffer)
	if ferr != nil {
		o.logger.Error("fallback persistence failed", zap.Error(ferr))
		return errors.Join(persistErr, fmt.Errorf("fallback: %w", ferr))
	}
	res.OutputPath = path
	res.UsedFallback = true
	o.logger.Warn("buffer persisted to fallback location", zap.String("path", path))
	return persistErr
}
