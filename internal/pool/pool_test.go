package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerPool_ReusedTimerFiresOnce(t *testing.T) {
	timer := GetTimer(time.Hour)
	PutTimer(timer)

	begin := time.Now()
	timer = GetTimer(20 * time.Millisecond)
	defer PutTimer(timer)

	select {
	case <-timer.C:
		assert.GreaterOrEqual(t, time.Since(begin), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerPool_PutExpiredTimer(t *testing.T) {
	timer := GetTimer(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	// not drained by the caller
	PutTimer(timer)

	timer = GetTimer(50 * time.Millisecond)
	defer PutTimer(timer)
	select {
	case <-timer.C:
		t.Fatal("stale tick leaked from pooled timer")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestTimerPool_Concurrency(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			timer := GetTimer(time.Millisecond)
			<-timer.C
			PutTimer(timer)
		}()
	}
	wg.Wait()
}

func TestBufferPool(t *testing.T) {
	b := GetBuffer()
	require.Len(t, *b, FrameBufferSize)

	*b = (*b)[:10]
	PutBuffer(b)

	b2 := GetBuffer()
	assert.Len(t, *b2, FrameBufferSize)
	PutBuffer(b2)

	small := make([]byte, 8)
	PutBuffer(&small)
	PutBuffer(nil)
}
