// Package pacer shapes outbound traffic to a target bitrate.
//
// The Pacer converts elapsed time into a whole number of packets and carries
// the fractional remainder forward, so the long-run packet count converges
// to rate*time within one packet regardless of tick size or jitter.
package pacer

import (
	"math"
	"time"
)

// Pacer is the fractional packet accumulator. The zero value is ready.
type Pacer struct {
	remainder float64
}

// Tick returns how many packets to send for elapsed at pps packets per
// second.
func (p *Pacer) Tick(elapsed time.Duration, pps float64) int {
	if elapsed <= 0 || pps <= 0 {
		return 0
	}
	elapsedMillis := float64(elapsed) / float64(time.Millisecond)
	p.remainder += pps * elapsedMillis / 1000
	whole := math.Floor(p.remainder)
	p.remainder -= whole
	return int(whole)
}

// Remainder is the carried fractional packet count, always in [0,1).
func (p *Pacer) Remainder() float64 {
	return p.remainder
}

// Profile holds the two rate presets and the payload size they share.
type Profile struct {
	BaselineMbps float64 `yaml:"baseline_mbps"`
	MotionMbps   float64 `yaml:"motion_mbps"`
	PayloadSize  int     `yaml:"payload_size"`
}

// DefaultProfile is a 2.5 Mbps stream bursting to 5 Mbps, 1200-byte packets.
func DefaultProfile() Profile {
	return Profile{BaselineMbps: 2.5, MotionMbps: 5.0, PayloadSize: 1200}
}

func (p Profile) BaselinePPS() float64 {
	return PacketsPerSecond(p.BaselineMbps, p.PayloadSize)
}

func (p Profile) MotionPPS() float64 {
	return PacketsPerSecond(p.MotionMbps, p.PayloadSize)
}

// PacketsPerSecond converts a bitrate in Mbps into packets of size bytes.
func PacketsPerSecond(mbps float64, size int) float64 {
	if size <= 0 {
		return 0
	}
	bytesPerSecond := mbps * 1_000_000 / 8
	return bytesPerSecond / float64(size)
}
