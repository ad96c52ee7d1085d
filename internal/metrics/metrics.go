// Package metrics declares the Prometheus instruments for the recording
// core: queue golden signals, pipeline step outcomes, capture lifecycle
// counters and supervisor child-process gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_recordings_active",
		Help: "Number of recordings currently in starting/recording/stopping.",
	})

	recordingOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamvault_recording_outcome_total",
			Help: "Finished recordings by terminal status.",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	queueTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamvault_queue_tasks_total",
			Help: "Task state transitions by kind and terminal state.",
		},
		[]string{"kind", "state"},
	)

	queueTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamvault_queue_task_duration_seconds",
			Help:    "Wall-clock duration of queue task executions.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamvault_queue_depth",
			Help: "Tasks currently queued or running.",
		},
		[]string{"state"},
	)

	supervisedChildren = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_supervised_children",
		Help: "Child processes currently tracked by the supervisor.",
	})

	websocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_websocket_clients",
		Help: "Open status-broadcast WebSocket connections.",
	})

	twitchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamvault_twitch_requests_total",
			Help: "Outbound Twitch API requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
)

func RecordingsActiveSet(n int)        { recordingsActive.Set(float64(n)) }
func RecordingFinished(status string)  { recordingOutcomeTotal.WithLabelValues(status).Inc() }
func SupervisedChildrenSet(n int)      { supervisedChildren.Set(float64(n)) }
func WebsocketClientsSet(n int)        { websocketClients.Set(float64(n)) }

func QueueTaskFinished(kind, state string, duration time.Duration) {
	queueTasksTotal.WithLabelValues(kind, state).Inc()
	queueTaskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func QueueDepthSet(queued, running int) {
	queueDepth.WithLabelValues("queued").Set(float64(queued))
	queueDepth.WithLabelValues("running").Set(float64(running))
}

func TwitchRequest(operation, outcome string) {
	twitchRequestsTotal.WithLabelValues(operation, outcome).Inc()
}
