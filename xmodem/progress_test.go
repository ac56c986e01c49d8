package xmodem

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleProgressSuppressesBursts(t *testing.T) {
	var mu sync.Mutex
	var reports []int64
	hook := ThrottleProgress(func(transferred, total int64, rate float64) {
		mu.Lock()
		reports = append(reports, transferred)
		mu.Unlock()
	}, time.Minute)

	// A burst of block reports well inside one interval: only the
	// first passes the throttle.
	for i := 1; i <= 50; i++ {
		hook(int64(i)*BlockSize, 0)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, int64(BlockSize), reports[0])
}

func TestThrottleProgressAlwaysReportsFinalByte(t *testing.T) {
	var mu sync.Mutex
	var reports []int64
	hook := ThrottleProgress(func(transferred, total int64, rate float64) {
		mu.Lock()
		reports = append(reports, transferred)
		mu.Unlock()
	}, time.Minute)

	const total = 4 * BlockSize
	for i := 1; i <= 4; i++ {
		hook(int64(i)*BlockSize, total)
	}

	// First report plus the final-block report, throttle or not.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 2)
	assert.Equal(t, int64(BlockSize), reports[0])
	assert.Equal(t, int64(total), reports[1])
}

func TestThrottleProgressMeasuresRate(t *testing.T) {
	var mu sync.Mutex
	var rates []float64
	hook := ThrottleProgress(func(transferred, total int64, rate float64) {
		mu.Lock()
		rates = append(rates, rate)
		mu.Unlock()
	}, 200*time.Millisecond)

	// Steady block arrivals spanning more than one interval.
	for i := 1; i <= 6; i++ {
		hook(int64(i)*BlockSize, 0)
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(rates), 2)
	assert.Equal(t, float64(0), rates[0], "no rate before any history")
	assert.Greater(t, rates[len(rates)-1], float64(0))
}
