package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialJitter_Bounds(t *testing.T) {
	base, max := 100*time.Millisecond, 2*time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		want := min(base*time.Duration(1<<(attempt-1)), max)
		for range 50 {
			d := ExponentialJitter(base, max, attempt)
			assert.GreaterOrEqual(t, d, want-want/5, "attempt %d", attempt)
			assert.Less(t, d, want+want/5+1, "attempt %d", attempt)
		}
	}
}

func TestExponentialJitter_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), ExponentialJitter(0, time.Second, 3))
	assert.Equal(t, time.Duration(0), ExponentialJitter(0, 0, 0))
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
