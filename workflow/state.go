package workflow

// State is a step of the quote-request workflow.
type State string

const (
	StateCreated            State = "CREATED"
	StateAnalyzing          State = "ANALYZING"
	StateFetchingContext    State = "FETCHING_CONTEXT"
	StateSearching          State = "SEARCHING"
	StateAwaitingResponses  State = "AWAITING_RESPONSES"
	StateAnalyzingResponses State = "ANALYZING_RESPONSES"
	StateGeneratingOutput   State = "GENERATING_OUTPUT"
	StateDelivering         State = "DELIVERING"
	StateCompleted          State = "COMPLETED"
	StateFailed             State = "FAILED"
	StateCancelled          State = "CANCELLED"
)

// States lists every state in workflow order.
var States = []State{
	StateCreated,
	StateAnalyzing,
	StateFetchingContext,
	StateSearching,
	StateAwaitingResponses,
	StateAnalyzingResponses,
	StateGeneratingOutput,
	StateDelivering,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// forward edges; FAILED and CANCELLED are reachable from every non-terminal state.
var transitions = map[State][]State{
	StateCreated:            {StateAnalyzing},
	StateAnalyzing:          {StateFetchingContext, StateSearching},
	StateFetchingContext:    {StateSearching},
	StateSearching:          {StateAwaitingResponses},
	StateAwaitingResponses:  {StateAnalyzingResponses},
	StateAnalyzingResponses: {StateGeneratingOutput, StateAwaitingResponses},
	StateGeneratingOutput:   {StateDelivering},
	StateDelivering:         {StateCompleted},
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to State) bool {
	if !from.IsValid() || from.IsTerminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the states reachable from s in one step.
func Next(s State) []State {
	if !s.IsValid() || s.IsTerminal() {
		return nil
	}
	out := append([]State{}, transitions[s]...)
	return append(out, StateFailed, StateCancelled)
}
