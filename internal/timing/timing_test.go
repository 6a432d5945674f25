package timing

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSampleStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	ranges := []Range{{0, 0}, {1, 1}, {10, 30}, {3, 7}, {600, 7200}}

	for _, r := range ranges {
		seen := map[int]bool{}
		for i := 0; i < 2000; i++ {
			v := r.Sample(rng)
			require.GreaterOrEqual(t, v, r.Min, "range %s", r)
			require.LessOrEqual(t, v, r.Max, "range %s", r)
			seen[v] = true
		}
		if r.Max-r.Min < 10 {
			assert.Len(t, seen, r.Max-r.Min+1, "every value of %s should be reachable", r)
		}
	}
}

func TestRangeSampleInvertedClampsToMin(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	r := Range{Min: 9, Max: 2}
	for i := 0; i < 100; i++ {
		assert.Equal(t, 9, r.Sample(rng))
	}
	assert.Equal(t, 9*time.Second, r.SampleDuration(rng, time.Second))
}

func TestParseUnit(t *testing.T) {
	tests := map[string]time.Duration{
		"ms":      time.Millisecond,
		"seconds": time.Second,
		"minute":  time.Minute,
		"m":       time.Minute,
	}
	for name, want := range tests {
		got, err := ParseUnit(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseUnit("fortnight")
	assert.Error(t, err)
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	completed := Sleep(ctx, time.Minute)
	assert.False(t, completed)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.True(t, Sleep(context.Background(), time.Millisecond))
}
