package xmodem

import (
	"sync"
	"time"
)

// ProgressFunc receives throttled transfer progress. rate is a byte
// rate smoothed over the most recent blocks; it is 0 until enough
// history exists to measure one.
type ProgressFunc func(transferred, total int64, rate float64)

// progressSample pairs a byte count with the moment it was observed.
type progressSample struct {
	at    time.Time
	bytes int64
}

// ThrottleProgress adapts fn into a Callbacks.OnProgress hook. The
// engine reports after every block, which at 9600 bps is several times
// a second; fn fires at most once per interval, plus once when the
// final byte of a known total lands.
//
// XMODEM blocks are small, so the rate is measured over a sliding
// window of recent samples rather than the delta since the previous
// report; a single delayed ACK then dents the rate instead of zeroing
// it. An interval <= 0 selects a 100ms default.
func ThrottleProgress(fn ProgressFunc, interval time.Duration) func(transferred, total int64) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var mu sync.Mutex
	var window []progressSample
	var lastReport time.Time

	return func(transferred, total int64) {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		window = append(window, progressSample{at: now, bytes: transferred})

		// Keep roughly two intervals of history for the rate window.
		horizon := now.Add(-2 * interval)
		for len(window) > 1 && window[0].at.Before(horizon) {
			window = window[1:]
		}

		final := total > 0 && transferred >= total
		if !final && now.Sub(lastReport) < interval {
			return
		}
		lastReport = now

		var rate float64
		oldest := window[0]
		if dt := now.Sub(oldest.at).Seconds(); dt > 0 {
			rate = float64(transferred-oldest.bytes) / dt
		}
		fn(transferred, total, rate)
	}
}
