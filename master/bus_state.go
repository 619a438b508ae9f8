package master

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/logger"
)

// BusStateHandler is invoked when the collective bus state changes.
//
// Note: the handler is invoked synchronously by the goroutine that changed
// the state. It must not block and must not call back into the Master.
type BusStateHandler func(prev esc.ALState, cur esc.ALState)

// busStateMgr tracks the collective bus state, the lowest state reported
// by any participating slave.
type busStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	closed   bool
	logger   logger.Logger
	handlers []BusStateHandler
}

func newBusStateMgr(l logger.Logger, handlers ...BusStateHandler) *busStateMgr {
	bs := &busStateMgr{logger: l}
	bs.cond = sync.NewCond(&bs.mu)
	bs.state.Store(uint32(esc.StateNone))
	bs.addHandler(handlers...)

	return bs
}

func (bs *busStateMgr) State() esc.ALState {
	return esc.ALState(bs.state.Load())
}

func (bs *busStateMgr) addHandler(handlers ...BusStateHandler) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			bs.handlers = append(bs.handlers, h)
		}
	}
}

// set changes the bus state and notifies handlers and waiters.
func (bs *busStateMgr) set(state esc.ALState) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	prev := bs.State()
	if prev == state {
		return
	}

	bs.state.Store(uint32(state))
	bs.cond.Broadcast()
	bs.logger.Info("bus state changed", "prev", prev, "state", state)

	for _, h := range bs.handlers {
		h(prev, state)
	}
}

// wait blocks until the bus state equals state, the context is done or
// the manager is closed.
func (bs *busStateMgr) wait(ctx context.Context, state esc.ALState) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		bs.mu.Lock()
		defer bs.mu.Unlock()
		bs.cond.Broadcast()
	})
	defer stop()

	for bs.State() != state {
		if bs.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bs.cond.Wait()
	}

	return nil
}

// close wakes every waiter with ErrClosed.
func (bs *busStateMgr) close() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.closed = true
	bs.cond.Broadcast()
}
