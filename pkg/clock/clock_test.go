package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowMonotonic(t *testing.T) {
	c := New(1)
	var prev Timestamp
	for i := 0; i < 1000; i++ {
		ts := c.Now()
		require.Greater(t, int64(ts), int64(prev))
		prev = ts
	}
}

func TestNowAdvancesPastFrozenWallClock(t *testing.T) {
	frozen := time.Unix(1_700_000_000, 0)
	c := newWithFunc(2, func() time.Time { return frozen })

	first := c.Now()
	second := c.Now()
	third := c.Now()

	require.Equal(t, first+1, second)
	require.Equal(t, second+1, third)
}

func TestNowSurvivesBackwardStep(t *testing.T) {
	step := 0
	times := []time.Time{
		time.Unix(1_700_000_010, 0),
		time.Unix(1_700_000_000, 0), // clock stepped backward
	}
	c := newWithFunc(3, func() time.Time {
		tm := times[step]
		if step < len(times)-1 {
			step++
		}
		return tm
	})

	first := c.Now()
	second := c.Now()
	require.Greater(t, int64(second), int64(first))
}

func TestTimeRoundTrip(t *testing.T) {
	c := New(4)
	ts := c.Now()
	require.WithinDuration(t, time.Now(), ts.Time(), time.Second)
}
