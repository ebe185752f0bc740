package session

// State is a call session's lifecycle position. Transitions only move
// forward; Terminated is the single state from which the session object may
// be released.
type State string

const (
	// StateArriving means the transport attached but no provider exists yet.
	StateArriving State = "arriving"
	// StatePreCallLookup runs the pre-call tool lookups.
	StatePreCallLookup State = "pre_call_lookup"
	// StateGreeting means the provider session started and the greeting is
	// being spoken.
	StateGreeting State = "greeting"
	// StateActive is the steady-state turn loop.
	StateActive State = "active"
	// StateToolExecuting blocks conversation continuation on an in-call
	// tool result. Audio keeps flowing.
	StateToolExecuting State = "tool_executing"
	// StateClosing runs hangup, farewell, and teardown.
	StateClosing State = "closing"
	// StatePostCallTools fires the post-call webhooks.
	StatePostCallTools State = "post_call_tools"
	// StateTerminated is final.
	StateTerminated State = "terminated"
)

// order positions states for forward-only transition checks.
var order = map[State]int{
	StateArriving:      0,
	StatePreCallLookup: 1,
	StateGreeting:      2,
	StateActive:        3,
	StateToolExecuting: 4,
	StateClosing:       5,
	StatePostCallTools: 6,
	StateTerminated:    7,
}

// canTransition reports whether moving from a to b is legal. Active and
// ToolExecuting alternate freely; Closing is reachable from anywhere before
// it; everything after Closing is strictly ordered.
func canTransition(a, b State) bool {
	if a == b {
		return false
	}
	if a == StateToolExecuting && b == StateActive {
		return true
	}
	if b == StateClosing {
		return order[a] < order[StateClosing]
	}
	return order[b] == order[a]+1
}
