package xmodem

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerFiresWithCurrentGeneration(t *testing.T) {
	var fired int32
	var mu sync.Mutex
	var ts *timerService
	ts = newTimerService(func(gen uint64) {
		mu.Lock()
		defer mu.Unlock()
		if ts.current(gen) {
			atomic.AddInt32(&fired, 1)
		}
	})
	defer ts.shutdown()

	ts.arm(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, time.Millisecond)
}

func TestTimerCancelPreventsFire(t *testing.T) {
	var fired int32
	var ts *timerService
	ts = newTimerService(func(gen uint64) {
		if ts.current(gen) {
			atomic.AddInt32(&fired, 1)
		}
	})
	defer ts.shutdown()

	ts.arm(10 * time.Millisecond)
	ts.cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestTimerCancelIdempotent(t *testing.T) {
	ts := newTimerService(func(uint64) {})
	defer ts.shutdown()

	ts.cancel()
	ts.arm(time.Hour)
	ts.cancel()
	ts.cancel()
}

func TestTimerRearmSupersedesPrevious(t *testing.T) {
	// The generation observed by a fired callback identifies which arm
	// produced it; a re-arm must invalidate the earlier deadline.
	var mu sync.Mutex
	var gens []uint64
	var ts *timerService
	ts = newTimerService(func(gen uint64) {
		mu.Lock()
		defer mu.Unlock()
		if ts.current(gen) {
			gens = append(gens, gen)
		}
	})
	defer ts.shutdown()

	ts.arm(5 * time.Millisecond)
	ts.arm(10 * time.Millisecond) // supersedes the first

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gens) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, gens, 1, "only the second deadline may fire")
}

func TestTimerShutdownDrains(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	var done int32

	ts := newTimerService(func(gen uint64) {
		close(started)
		<-block
		atomic.AddInt32(&done, 1)
	})

	ts.arm(time.Millisecond)
	<-started

	finished := make(chan struct{})
	go func() {
		ts.shutdown()
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("shutdown returned before the callback drained")
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return after the callback drained")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
}

func TestTimerNoArmAfterShutdown(t *testing.T) {
	var fired int32
	ts := newTimerService(func(uint64) {
		atomic.AddInt32(&fired, 1)
	})
	ts.shutdown()

	ts.arm(time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
