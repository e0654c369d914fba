package extraction

// State is a step of the extraction state machine.
type State int

const (
	StateRequesting State = iota
	StateEvaluating
	StateConsensus
	StateNoConsensusAdaptive
	StateNoConsensusTerminal
	StateInsufficientSamples
	StateLoopDetected
	StateContinue
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateEvaluating:
		return "evaluating"
	case StateConsensus:
		return "consensus"
	case StateNoConsensusAdaptive:
		return "no_consensus_adaptive"
	case StateNoConsensusTerminal:
		return "no_consensus_terminal"
	case StateInsufficientSamples:
		return "insufficient_samples"
	case StateLoopDetected:
		return "loop_detected"
	case StateContinue:
		return "continue"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Outcome is the reason a run terminated. Exactly one per run.
type Outcome string

const (
	OutcomeLoopDetected        Outcome = "loop_detected"
	OutcomeNoConsensus         Outcome = "no_consensus"
	OutcomeInsufficientSamples Outcome = "insufficient_samples"
	OutcomeMaxIterations       Outcome = "max_iterations"
	OutcomeInterrupted         Outcome = "interrupted"
	OutcomeError               Outcome = "error"
	OutcomeEmptyContinuation   Outcome = "empty_continuation"
)

// Graceful reports whether the outcome is a normal policy stop rather than
// a fatal orchestration error.
func (o Outcome) Graceful() bool {
	return o != OutcomeError
}
