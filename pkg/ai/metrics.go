package ai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gradingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gradeflow",
		Subsystem: "ai",
		Name:      "grading_duration_seconds",
		Help:      "Duration of grading service requests",
	}, []string{"provider", "model"})

	gradingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gradeflow",
		Subsystem: "ai",
		Name:      "grading_failures_total",
		Help:      "Number of grading service requests that errored",
	}, []string{"provider", "model"})
)
