// Package timing provides the monotonic clock and drift-free periodic timers
// used by the polling and broadcast loops.
package timing

import (
	"sync"
	"time"
)

var processStart = time.Now()

// Millis returns the number of milliseconds elapsed since process start,
// measured on the monotonic clock. It is immune to wall-clock steps and is
// the timestamp domain for [domain.DeviceState.Updated] and the broadcast
// payload.
func Millis() int64 {
	return time.Since(processStart).Milliseconds()
}

// Ticker fires at fixed multiples of its interval measured from an immutable
// start reference, so the average period is exactly the interval regardless
// of scheduling jitter or how long each tick takes to handle. This is
// deliberately not a [time.Ticker], which drifts by accumulating per-tick
// latency.
type Ticker struct {
	C <-chan time.Time

	interval time.Duration
	start    time.Time
	done     chan struct{}
	stop     sync.Once
}

// NewTicker returns a started Ticker with the given interval.
func NewTicker(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = time.Millisecond
	}

	c := make(chan time.Time, 1)
	t := &Ticker{
		C:        c,
		interval: interval,
		start:    time.Now(),
		done:     make(chan struct{}),
	}

	go t.run(c)

	return t
}

// Stop stops the ticker. It is safe to call more than once.
func (t *Ticker) Stop() {
	t.stop.Do(func() { close(t.done) })
}

func (t *Ticker) run(c chan<- time.Time) {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		elapsed := time.Since(t.start)
		next := t.start.Add((elapsed/t.interval + 1) * t.interval)
		timer.Reset(time.Until(next))

		select {
		case <-t.done:
			return
		case now := <-timer.C:
			select {
			case c <- now:
			default:
				// Receiver is behind; skip the tick rather than queue it.
			}
		}
	}
}
