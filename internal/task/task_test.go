package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-ecat/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	mgr := NewManager(ctx, logger.NewMockLogger().AllowAll())
	t.Cleanup(func() {
		mgr.Stop()
		mgr.Wait()
		cancel()
	})

	return mgr
}

func TestManager_Start(t *testing.T) {
	mgr := newTestManager(t)

	var calls atomic.Int32
	canceled := make(chan struct{})
	err := mgr.Start("loop", func() bool {
		return calls.Add(1) < 5
	}, func() { close(canceled) })
	require.NoError(t, err)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("task did not exit")
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestManager_StopUnblocksTasks(t *testing.T) {
	mgr := newTestManager(t)

	err := mgr.Start("spin", func() bool {
		time.Sleep(time.Millisecond)
		return true
	}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mgr.TaskCount() == 1 }, time.Second, time.Millisecond)

	mgr.Stop()
	mgr.Wait()
	assert.Equal(t, 0, mgr.TaskCount())

	// re-armed after Wait
	require.NoError(t, mgr.Start("again", func() bool { return false }, nil))
}

func TestManager_StartAfterStop(t *testing.T) {
	mgr := newTestManager(t)
	mgr.Stop()

	err := mgr.Start("late", func() bool { return false }, nil)
	require.ErrorIs(t, err, ErrStopped)
}

func TestManager_StartInterval(t *testing.T) {
	mgr := newTestManager(t)

	var calls atomic.Int32
	err := mgr.StartInterval("tick", func() bool {
		calls.Add(1)
		return true
	}, 5*time.Millisecond, true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "runNow executes synchronously")
	assert.True(t, mgr.HasInterval("tick"))

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	err = mgr.StartInterval("tick", func() bool { return true }, time.Millisecond, false)
	require.Error(t, err)

	require.NoError(t, mgr.StopInterval("tick"))
	assert.False(t, mgr.HasInterval("tick"))
	require.Error(t, mgr.StopInterval("tick"))
}

func TestManager_StartIntervalInvalid(t *testing.T) {
	mgr := newTestManager(t)

	require.Error(t, mgr.StartInterval("bad", func() bool { return true }, 0, false))
}

func TestManager_PanicStopsTask(t *testing.T) {
	mgr := newTestManager(t)

	done := make(chan struct{})
	err := mgr.Start("panic", func() bool {
		panic("boom")
	}, func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task did not exit")
	}
}
