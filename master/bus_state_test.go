package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ecat/esc"
)

func newTestBusState(t *testing.T, handlers ...BusStateHandler) *busStateMgr {
	t.Helper()
	return newBusStateMgr(testConfig(t).GetLogger(), handlers...)
}

func TestBusStateMgr_Set(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	var seen [][2]esc.ALState
	bs := newTestBusState(t, func(prev, cur esc.ALState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, [2]esc.ALState{prev, cur})
	}, nil)

	require.Equal(esc.StateNone, bs.State())

	bs.set(esc.StateInit)
	bs.set(esc.StateInit)
	bs.set(esc.StatePreOp)

	require.Equal(esc.StatePreOp, bs.State())
	require.Equal([][2]esc.ALState{
		{esc.StateNone, esc.StateInit},
		{esc.StateInit, esc.StatePreOp},
	}, seen)
}

func TestBusStateMgr_Wait(t *testing.T) {
	require := require.New(t)
	bs := newTestBusState(t)

	bs.set(esc.StateSafeOp)
	require.NoError(bs.wait(context.Background(), esc.StateSafeOp))

	done := make(chan error, 1)
	go func() { done <- bs.wait(context.Background(), esc.StateOp) }()

	time.Sleep(10 * time.Millisecond)
	bs.set(esc.StateOp)

	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(time.Second):
		require.Fail("waiter not woken")
	}
}

func TestBusStateMgr_WaitCanceled(t *testing.T) {
	bs := newTestBusState(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, bs.wait(ctx, esc.StateOp), context.DeadlineExceeded)
}

func TestBusStateMgr_WaitClosed(t *testing.T) {
	bs := newTestBusState(t)

	done := make(chan error, 1)
	go func() { done <- bs.wait(context.Background(), esc.StateOp) }()

	time.Sleep(10 * time.Millisecond)
	bs.close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		require.Fail(t, "waiter not woken")
	}
}
