// Package metrics exports the result of a run as a Prometheus textfile for
// the node exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes lists every value of the outcome label, so a textfile always
// carries the full set and stale series read as 0.
var Outcomes = []string{"passed", "failed", "timed-out", "unknown", "crashed", "held"}

// Recorder holds the run metrics. Each run gets its own registry.
type Recorder struct {
	path     string
	registry *prometheus.Registry

	Duration prometheus.Gauge
	ExitCode prometheus.Gauge
	Outcome  *prometheus.GaugeVec
}

// New creates a recorder that writes to path. An empty path disables
// writing.
func New(path string) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Recorder{path: path, registry: reg}

	r.Duration = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "harness",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Wall time of the last harness run",
	})
	r.ExitCode = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "harness",
		Subsystem: "run",
		Name:      "exit_code",
		Help:      "Raw monitor exit code of the last harness run, -1 if it was not reaped",
	})
	r.Outcome = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harness",
		Subsystem: "run",
		Name:      "outcome",
		Help:      "1 for the outcome of the last harness run",
	}, []string{"outcome"})

	return r
}

// Enabled reports whether Write does anything.
func (r *Recorder) Enabled() bool {
	return r.path != ""
}

// Observe sets every metric for one run.
func (r *Recorder) Observe(outcome string, exitCode int, elapsed time.Duration) {
	r.Duration.Set(elapsed.Seconds())
	r.ExitCode.Set(float64(exitCode))

	for _, o := range Outcomes {
		r.Outcome.WithLabelValues(o).Set(0)
	}
	r.Outcome.WithLabelValues(outcome).Set(1)
}

// Write stores the metrics at the configured path.
func (r *Recorder) Write() error {
	if !r.Enabled() {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(r.path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
