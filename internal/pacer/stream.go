package pacer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"smartcam_system/internal/events"
	"smartcam_system/internal/logging"
	"smartcam_system/internal/metrics"
	"smartcam_system/internal/timing"
)

const (
	rtpHeaderSize  = 12
	rtpPayloadType = 96
	rtpClockRate   = 90000

	// MinPayloadSize keeps room for the RTP header and some fill.
	MinPayloadSize = 64
	DefaultTick    = 5 * time.Millisecond
)

// Announcer is the event surface the streamer needs on top of labels.
type Announcer interface {
	events.Notifier
	Keepalive()
	MotionMetadata(start time.Time, d time.Duration)
}

// StreamConfig configures the synthetic camera stream.
type StreamConfig struct {
	Profile   Profile
	Keepalive time.Duration
	// Both ranges are in seconds.
	MotionInterval timing.Range
	MotionDuration timing.Range
	Tick           time.Duration
}

type trafficState int

const (
	stateBaseline trafficState = iota
	stateMotion
)

func (s trafficState) String() string {
	if s == stateMotion {
		return "motion"
	}
	return "baseline"
}

// Streamer emits RTP-framed packets paced to the active rate preset. It has
// two sub-states: baseline traffic and motion, which is entered at random
// intervals for a random duration and raises the rate while it lasts.
type Streamer struct {
	cfg      StreamConfig
	out      io.Writer
	announce Announcer
	rng      *rand.Rand
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics

	pacer         Pacer
	state         trafficState
	started       bool
	origin        time.Time
	lastTick      time.Time
	lastKeepalive time.Time
	nextMotion    time.Time
	motionEnd     time.Time

	ssrc uint32
	seq  uint16
	pkt  rtp.Packet
	fill []byte
	buf  []byte
}

// NewStreamer validates cfg and prepares the packet buffers.
func NewStreamer(cfg StreamConfig, out io.Writer, announce Announcer, rng *rand.Rand, logger *zap.SugaredLogger, m *metrics.Metrics) (*Streamer, error) {
	if cfg.Profile.PayloadSize < MinPayloadSize {
		return nil, fmt.Errorf("payload size %d below minimum %d", cfg.Profile.PayloadSize, MinPayloadSize)
	}
	if cfg.Profile.BaselineMbps < 0 || cfg.Profile.MotionMbps < 0 {
		return nil, fmt.Errorf("negative bitrate")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if rng == nil {
		rng = timing.NewRand()
	}
	id := uuid.New()
	return &Streamer{
		cfg:      cfg,
		out:      out,
		announce: announce,
		rng:      rng,
		logger:   logger,
		metrics:  m,
		ssrc:     binary.BigEndian.Uint32(id[:4]),
		fill:     make([]byte, cfg.Profile.PayloadSize-rtpHeaderSize),
		buf:      make([]byte, cfg.Profile.PayloadSize),
	}, nil
}

// Run streams until the until instant or ctx is done. Time spent outside
// Run is not charged to the pacer; the fractional remainder is kept.
func (s *Streamer) Run(ctx context.Context, until time.Time) error {
	now := time.Now()
	if !s.started {
		s.start(now)
	}
	s.lastTick = now

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		s.step(now)
		if !now.Before(until) {
			break
		}
		select {
		case <-ctx.Done():
			s.endMotion(time.Now())
			return ctx.Err()
		case now = <-ticker.C:
		}
	}
	s.endMotion(now)
	return nil
}

func (s *Streamer) start(now time.Time) {
	s.started = true
	s.origin = now
	s.lastTick = now
	s.lastKeepalive = now
	s.nextMotion = now.Add(s.cfg.MotionInterval.SampleDuration(s.rng, time.Second))
	s.logger.Infow("traffic stream started",
		"baseline_pps", s.cfg.Profile.BaselinePPS(),
		"motion_pps", s.cfg.Profile.MotionPPS(),
		"payload_size", s.cfg.Profile.PayloadSize,
		"first_motion_in", s.nextMotion.Sub(now))
}

// step advances keepalive, motion state and pacing to now and returns how
// many packets were written.
func (s *Streamer) step(now time.Time) int {
	if s.cfg.Keepalive > 0 && now.Sub(s.lastKeepalive) >= s.cfg.Keepalive {
		s.announce.Keepalive()
		s.lastKeepalive = now
	}

	switch s.state {
	case stateBaseline:
		if !now.Before(s.nextMotion) {
			s.beginMotion(now)
		}
	case stateMotion:
		if !now.Before(s.motionEnd) {
			s.endMotion(now)
		}
	}

	elapsed := now.Sub(s.lastTick)
	if elapsed <= 0 {
		return 0
	}
	s.lastTick = now

	pps := s.cfg.Profile.BaselinePPS()
	if s.state == stateMotion {
		pps = s.cfg.Profile.MotionPPS()
	}
	n := s.pacer.Tick(elapsed, pps)

	sent := 0
	for i := 0; i < n; i++ {
		if err := s.writePacket(now); err != nil {
			s.metrics.PacketError()
			continue
		}
		sent++
	}
	s.metrics.PacketsSent(s.state.String(), sent)
	return sent
}

func (s *Streamer) beginMotion(now time.Time) {
	d := s.cfg.MotionDuration.SampleDuration(s.rng, time.Second)
	s.state = stateMotion
	s.motionEnd = now.Add(d)
	s.nextMotion = s.motionEnd.Add(s.cfg.MotionInterval.SampleDuration(s.rng, time.Second))

	s.announce.Emit(events.LabelMotionStart, events.Seconds("duration_s", d))
	s.announce.MotionMetadata(now, d)
	s.logger.Infow("motion event started", "duration", d, "next_motion", s.nextMotion.Sub(now))
}

func (s *Streamer) endMotion(now time.Time) {
	if s.state != stateMotion {
		return
	}
	s.state = stateBaseline
	s.announce.Emit(events.LabelMotionEnd)
	s.logger.Infow("motion event ended", "at", now)
}

func (s *Streamer) writePacket(now time.Time) error {
	s.seq++
	for i := range s.fill {
		s.fill[i] = byte(int(s.seq) + i)
	}
	s.pkt.Header = rtp.Header{
		Version:        2,
		PayloadType:    rtpPayloadType,
		SequenceNumber: s.seq,
		Timestamp:      uint32(now.Sub(s.origin).Microseconds() * rtpClockRate / 1_000_000),
		SSRC:           s.ssrc,
	}
	s.pkt.Payload = s.fill

	n, err := s.pkt.MarshalTo(s.buf)
	if err != nil {
		return err
	}
	_, err = s.out.Write(s.buf[:n])
	return err
}
