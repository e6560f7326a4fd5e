package negotiation

type State int

const (
	StateNew State = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal states accept no further input.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

// exchanging reports whether an offer/answer exchange is in flight.
func (s State) exchanging() bool {
	return s == StateOffering || s == StateAwaitingAnswer || s == StateAnswering
}
