// Package metrics exposes the emulator's counters through a private
// Prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartcam"

// Metrics groups every collector the emulator updates.
type Metrics struct {
	registry *prometheus.Registry

	phaseTransitions *prometheus.CounterVec
	currentPhase     *prometheus.GaugeVec
	labelsSent       *prometheus.CounterVec
	labelsDropped    prometheus.Counter
	packetsSent      *prometheus.CounterVec
	packetErrors     prometheus.Counter
	framesCaptured   prometheus.Counter
	framesSkipped    prometheus.Counter
	uploads          *prometheus.CounterVec
	uploadBytes      prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Number of times the scheduler entered each phase.",
		}, []string{"phase"}),
		currentPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_active",
			Help:      "1 for the phase currently active, 0 otherwise.",
		}, []string{"phase"}),
		labelsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_sent_total",
			Help:      "Event records handed to the network, by label.",
		}, []string{"label"}),
		labelsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_dropped_total",
			Help:      "Event records whose send failed and was swallowed.",
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Paced traffic packets sent, by traffic state.",
		}, []string{"state"}),
		packetErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_send_errors_total",
			Help:      "Paced traffic packets whose send failed.",
		}),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames dequeued from the capture ring and written to the artifact.",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Frames skipped after a transient dequeue or enqueue failure.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload sessions by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Artifact payload bytes written to the collector.",
		}),
	}
	m.registry.MustRegister(
		m.phaseTransitions, m.currentPhase, m.labelsSent, m.labelsDropped,
		m.packetsSent, m.packetErrors, m.framesCaptured, m.framesSkipped,
		m.uploads, m.uploadBytes,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PhaseEntered(prev, next string) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(next).Inc()
	if prev != "" {
		m.currentPhase.WithLabelValues(prev).Set(0)
	}
	m.currentPhase.WithLabelValues(next).Set(1)
}

func (m *Metrics) LabelSent(label string) {
	if m == nil {
		return
	}
	m.labelsSent.WithLabelValues(label).Inc()
}

func (m *Metrics) LabelDropped() {
	if m == nil {
		return
	}
	m.labelsDropped.Inc()
}

func (m *Metrics) PacketsSent(state string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.packetsSent.WithLabelValues(state).Add(float64(n))
}

func (m *Metrics) PacketError() {
	if m == nil {
		return
	}
	m.packetErrors.Inc()
}

func (m *Metrics) FrameCaptured() {
	if m == nil {
		return
	}
	m.framesCaptured.Inc()
}

func (m *Metrics) FrameSkipped() {
	if m == nil {
		return
	}
	m.framesSkipped.Inc()
}

// UploadFinished records one closed upload session.
func (m *Metrics) UploadFinished(ok bool, bytes int64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.uploads.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
