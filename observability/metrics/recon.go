package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconMetrics exposes reconciliation counters for operators.
type ReconMetrics struct {
	eventsApplied      *prometheus.CounterVec
	eventsSkipped      *prometheus.CounterVec
	orphansSynthesized *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	ticksOverlapped    prometheus.Counter
	tickDuration       prometheus.Histogram
	cursorBlock        prometheus.Gauge
}

var (
	reconOnce     sync.Once
	reconRegistry *ReconMetrics
)

// Recon returns the process-wide reconciliation metrics.
func Recon() *ReconMetrics {
	reconOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recon_events_applied_total",
				Help: "Count of chain events applied to the off-chain store by kind.",
			}, []string{"kind"}),
			eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recon_events_skipped_total",
				Help: "Count of chain events skipped as already applied by kind.",
			}, []string{"kind"}),
			orphansSynthesized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recon_orphans_synthesized_total",
				Help: "Count of records reconstructed from direct contract reads by kind.",
			}, []string{"kind"}),
			deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recon_dead_letters_total",
				Help: "Count of event applications that failed and were dead-lettered by kind.",
			}, []string{"kind"}),
			ticksOverlapped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "recon_ticks_overlapped_total",
				Help: "Count of poll ticks skipped because the previous tick was still running.",
			}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "recon_tick_duration_seconds",
				Help:    "Duration of reconciliation poll ticks in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			cursorBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "recon_cursor_block",
				Help: "Last fully processed block number.",
			}),
		}
		prometheus.MustRegister(
			reconRegistry.eventsApplied,
			reconRegistry.eventsSkipped,
			reconRegistry.orphansSynthesized,
			reconRegistry.deadLetters,
			reconRegistry.ticksOverlapped,
			reconRegistry.tickDuration,
			reconRegistry.cursorBlock,
		)
	})
	return reconRegistry
}

// EventApplied increments the applied counter for a kind.
func (m *ReconMetrics) EventApplied(kind string) {
	m.eventsApplied.WithLabelValues(kind).Inc()
}

// EventSkipped increments the skipped counter for a kind.
func (m *ReconMetrics) EventSkipped(kind string) {
	m.eventsSkipped.WithLabelValues(kind).Inc()
}

// OrphanSynthesized increments the synthesized counter for a kind.
func (m *ReconMetrics) OrphanSynthesized(kind string) {
	m.orphansSynthesized.WithLabelValues(kind).Inc()
}

// DeadLettered increments the dead-letter counter for a kind.
func (m *ReconMetrics) DeadLettered(kind string) {
	m.deadLetters.WithLabelValues(kind).Inc()
}

// TickOverlapped counts a skipped overlapping tick.
func (m *ReconMetrics) TickOverlapped() {
	m.ticksOverlapped.Inc()
}

// TickObserved records a tick duration.
func (m *ReconMetrics) TickObserved(seconds float64) {
	m.tickDuration.Observe(seconds)
}

// CursorAdvanced records the new cursor position.
func (m *ReconMetrics) CursorAdvanced(block uint64) {
	m.cursorBlock.Set(float64(block))
}
