package convo

// State is a conversation state. A handler returns the next state of the
// conversation; the runtime routes the following update to the handler
// registered for that state.
type State string

const (
	// StateNone means "no transition". Returned from an entry point it leaves
	// the conversation inactive, returned from a state handler it keeps the
	// current state, returned from a fallback it passes the update to the
	// next fallback.
	StateNone State = ""

	// StateEnd terminates the conversation instance for the current scope
	// key. The instance is removed and its conversation data slot is cleared.
	StateEnd State = "__end__"
)

func (s State) String() string {
	return string(s)
}

// IsEnd reports whether the state is the terminal marker.
func (s State) IsEnd() bool {
	return s == StateEnd
}

func isReservedState(s State) bool {
	return s == StateNone || s == StateEnd
}
