// Package timing holds the duration ranges and the cooperative wait used by
// the phase scheduler and the traffic streamer.
package timing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Range is an inclusive integer range expressed in Unit-sized steps.
type Range struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Sample draws uniformly from [Min, Max]. When Min > Max the range is
// degenerate and Min is returned.
func (r Range) Sample(rng *rand.Rand) int {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.IntN(r.Max-r.Min+1)
}

// SampleDuration draws from the range and scales it by unit.
func (r Range) SampleDuration(rng *rand.Rand, unit time.Duration) time.Duration {
	return time.Duration(r.Sample(rng)) * unit
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// ParseUnit maps a configuration unit name to its duration.
func ParseUnit(name string) (time.Duration, error) {
	switch name {
	case "ms", "millisecond", "milliseconds":
		return time.Millisecond, nil
	case "s", "second", "seconds":
		return time.Second, nil
	case "m", "minute", "minutes":
		return time.Minute, nil
	default:
		return 0, fmt.Errorf("unknown duration unit %q", name)
	}
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// NewRand returns a generator seeded from the runtime's entropy source.
func NewRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
