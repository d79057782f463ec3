// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dicom_gateway"

var (
	// DIMSEOperations counts finished DIMSE operations by final status.
	DIMSEOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dimse_operations_total",
		Help:      "DIMSE operations by operation and final status.",
	}, []string{"operation", "status"})

	DIMSEDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dimse_operation_duration_seconds",
		Help:      "Duration of DIMSE operations.",
		Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60, 300},
	}, []string{"operation"})

	AssociationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "association_failures_total",
		Help:      "Associations that could not be negotiated, by device.",
	}, []string{"device"})

	// TaskTransitions counts task status changes.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task status transitions by task type and new status.",
	}, []string{"type", "status"})

	TasksQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_queued",
		Help:      "Non-terminal tasks per source device.",
	}, []string{"source"})

	StoredInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stored_instances_total",
		Help:      "Inbound C-STORE requests by response status.",
	}, []string{"status"})

	CheckStorageSeries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checkstorage_series",
		Help:      "Series classified by the last check-storage run, by device and outcome.",
	}, []string{"device", "outcome"})
)

// StatusLabel renders a DIMSE status as a label value; negative means no
// status was received.
func StatusLabel(status int) string {
	if status < 0 {
		return "none"
	}
	return fmt.Sprintf("0x%04x", status)
}

// ObserveOperation records one finished operation started at start.
func ObserveOperation(op string, status int, start time.Time) {
	DIMSEOperations.WithLabelValues(op, StatusLabel(status)).Inc()
	DIMSEDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
