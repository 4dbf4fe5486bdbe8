// Package metrics holds the Prometheus collectors for fetch, classification
// and grouping runs.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeNotFound    = "not_found"
	OutcomeError       = "error"
)

var (
	fetchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadline",
			Name:      "fetch_requests_total",
			Help:      "Source API requests, partitioned by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	classifiedUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadline",
			Name:      "classified_units_total",
			Help:      "Units that left the classifying state, partitioned by final status.",
		},
		[]string{"status"},
	)

	batchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "threadline",
			Name:      "batch_seconds",
			Help:      "Batch latency in seconds, partitioned by stage.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	groupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "threadline",
			Name:      "groups_total",
			Help:      "Groups produced by the last grouping run, partitioned by mode.",
		},
		[]string{"mode"},
	)
)

// Register attaches threadline collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		fetchRequestsTotal,
		classifiedUnitsTotal,
		batchSeconds,
		groupsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRequest counts one source API request.
func ObserveRequest(source, outcome string) {
	fetchRequestsTotal.WithLabelValues(source, outcome).Inc()
}

// AddClassified counts units reaching a final status.
func AddClassified(status string, n int) {
	if n <= 0 {
		return
	}
	classifiedUnitsTotal.WithLabelValues(status).Add(float64(n))
}

// ObserveBatch records how long one batch of a stage took.
func ObserveBatch(stage string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	batchSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// SetGroups records the group count of the latest run for a mode.
func SetGroups(mode string, n int) {
	groupsTotal.WithLabelValues(mode).Set(float64(n))
}

// WriteSnapshot writes the gathered metrics to path in the text exposition
// format.
func WriteSnapshot(g prometheus.Gatherer, path string) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}

	f, err := os.Create(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return fmt.Errorf("write metric family %s: %w", mf.GetName(), err)
		}
	}
	return f.Close()
}
