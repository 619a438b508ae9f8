// Package task manages the background goroutines of a master: the frame
// receiver and the periodic clock maintenance.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ecat/logger"
)

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task: manager already stopped")

// Func is the body of a task. It returns true to keep running, or false to
// stop the goroutine.
type Func func() bool

// CancelFunc is invoked once when a task goroutine exits.
type CancelFunc func()

// Manager manages the lifecycle of goroutines.
//
// All tasks share a context derived from the parent context. Stop cancels that
// context and Wait blocks until every task goroutine has returned, after which
// the Manager can start new tasks again.
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the running tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a goroutine that calls taskFunc repeatedly until it returns
// false or the manager is stopped. cancelFunc, if not nil, runs when the
// goroutine exits.
func (mgr *Manager) Start(name string, taskFunc Func, cancelFunc CancelFunc) error {
	mgr.logger.Debug("start task", "name", name)

	if err := mgr.checkRunning(); err != nil {
		return err
	}

	mgr.spawn(name, func() {
		if cancelFunc != nil {
			defer cancelFunc()
		}
		mgr.runTaskLoop(name, taskFunc)
	})

	return nil
}

// StartInterval starts a goroutine that executes taskFunc at the specified interval.
// If runNow is true, taskFunc is executed once synchronously before the
// interval starts. The task stops when taskFunc returns false.
func (mgr *Manager) StartInterval(name string, taskFunc Func, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v", interval)
	}
	if err := mgr.checkRunning(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.CompareAndDelete(name, ticker)
	}

	if runNow && !mgr.callWithRecover(name, taskFunc) {
		cleanup()
		return nil
	}

	mgr.spawn(name, func() {
		defer cleanup()

		ctx := mgr.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, ok := mgr.tickers.Load(name); !ok {
					return
				}
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	})

	return nil
}

// StopInterval stops the interval task with the given name.
func (mgr *Manager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("task: interval task %s not found", name)
	}
	if ticker, ok := val.(*time.Ticker); ok {
		ticker.Stop()
	}

	return nil
}

// HasInterval reports whether an interval task with the given name is registered.
func (mgr *Manager) HasInterval(name string) bool {
	_, ok := mgr.tickers.Load(name)
	return ok
}

// Stop signals all running goroutines to terminate.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(key, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}
		mgr.tickers.Delete(key)

		return true
	})

	mgr.mu.Lock()
	mgr.cancel()
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate and re-arms the manager.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) checkRunning() error {
	select {
	case <-mgr.Context().Done():
		return ErrStopped
	default:
		return nil
	}
}

func (mgr *Manager) spawn(name string, body func()) {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	mgr.wg.Add(1)
	mgr.count.Add(1)
	go func() {
		defer mgr.wg.Done()
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		body()
	}()
}

func (mgr *Manager) callWithRecover(name string, fn Func) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = false
		}
	}()

	return fn()
}

func (mgr *Manager) runTaskLoop(name string, taskFunc Func) {
	ctx := mgr.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !mgr.callWithRecover(name, taskFunc) {
				return
			}
		}
	}
}
