package timing_test

import (
	"testing"
	"time"

	"github.com/superdash/superdash/internal/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMillisMonotonic(t *testing.T) {
	a := timing.Millis()
	time.Sleep(5 * time.Millisecond)
	b := timing.Millis()

	assert.GreaterOrEqual(t, b, a+4)
}

func TestTicker(t *testing.T) {
	ticker := timing.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	for range 5 {
		select {
		case <-ticker.C:
		case <-time.After(time.Second):
			require.Fail(t, "timeout waiting for tick")
		}
	}

	// Five ticks of a drift-free 10ms ticker land on multiples of the
	// interval, so at least 50ms must have elapsed.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTickerStop(t *testing.T) {
	ticker := timing.NewTicker(5 * time.Millisecond)
	ticker.Stop()
	ticker.Stop() // stopping twice is a no-op

	time.Sleep(20 * time.Millisecond)

	select {
	case <-ticker.C:
		// A single tick may have been buffered before Stop; a second must not
		// arrive.
		select {
		case <-ticker.C:
			require.Fail(t, "ticker fired after Stop")
		default:
		}
	default:
	}
}
