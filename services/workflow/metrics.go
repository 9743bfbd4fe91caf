package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metald_workflows_running",
		Help: "Number of workflows currently in the RUNNING state.",
	})

	workflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metald_workflows_finished_total",
		Help: "Workflows that reached a terminal state, by pipeline and status.",
	}, []string{"pipeline", "status"})

	stepAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metald_step_attempts_total",
		Help: "Step execution attempts, by pipeline and step.",
	}, []string{"pipeline", "step"})

	progressEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metald_progress_events_dropped_total",
		Help: "Progress events discarded because the monitor queue was full.",
	})
)
