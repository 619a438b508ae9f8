package master

import "sync/atomic"

// opState is the lifecycle of a Master.
type opState uint32

const (
	closedState opState = iota
	closingState
	openedState
)

func (st opState) String() string {
	switch st {
	case closedState:
		return "closed"
	case closingState:
		return "closing"
	case openedState:
		return "opened"
	default:
		return "unknown"
	}
}

type atomicOpState struct {
	state atomic.Uint32
}

func (st *atomicOpState) get() opState { return opState(st.state.Load()) }

func (st *atomicOpState) isOpened() bool { return st.get() == openedState }

func (st *atomicOpState) toOpened() bool {
	return st.state.CompareAndSwap(uint32(closedState), uint32(openedState))
}

// toClosing reports whether the caller won the right to close.
func (st *atomicOpState) toClosing() bool {
	return st.state.CompareAndSwap(uint32(openedState), uint32(closingState))
}

func (st *atomicOpState) toClosed() bool {
	if st.get() == closedState {
		return true
	}

	return st.state.CompareAndSwap(uint32(closingState), uint32(closedState))
}
