package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer captures a start instant for duration observations. Reading it
// never resets it, so one timer can feed several histograms.
type Timer struct {
	start time.Time
}

// NewTimer starts timing now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration reports how long the timer has been running.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration feeds the elapsed seconds into h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec feeds the elapsed seconds into the labeled series
// of h.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
