// SPDX-License-Identifier: MIT

// Package metrics holds the prometheus instruments for the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probeStageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumina_probe_stage_total",
			Help: "Probe stage attempts by stage name and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	probeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumina_probe_duration_seconds",
			Help:    "Wall time of a full probe pipeline run.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"site", "outcome"},
	)

	infoCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumina_info_cache_total",
			Help: "Info cache lookups by result (hit, miss, negative).",
		},
		[]string{"result"},
	)

	coalescedWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumina_coalesced_waits_total",
			Help: "Probe requests that joined an in-flight probe, by outcome.",
		},
		[]string{"outcome"},
	)

	taskTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumina_task_terminal_total",
			Help: "Tasks that reached a terminal status.",
		},
		[]string{"status"},
	)

	tasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumina_tasks_active",
			Help: "Tasks currently queued or running.",
		},
	)

	sseClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumina_sse_clients_active",
			Help: "Open task event-stream connections.",
		},
	)

	childProcessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumina_child_processes_total",
			Help: "Spawned tool processes by binary role.",
		},
		[]string{"role"},
	)

	downloadFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumina_download_fallback_total",
			Help: "Download fallback rung activations.",
		},
		[]string{"rung"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumina_http_request_duration_seconds",
			Help:    "HTTP handler latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

// RecordProbeStage counts one stage attempt.
func RecordProbeStage(stage, outcome string) {
	probeStageTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveProbeDuration records a finished probe pipeline run.
func ObserveProbeDuration(site, outcome string, d time.Duration) {
	probeDurationSeconds.WithLabelValues(site, outcome).Observe(d.Seconds())
}

// RecordInfoCache counts a cache lookup result: hit, miss or negative.
func RecordInfoCache(result string) {
	infoCacheTotal.WithLabelValues(result).Inc()
}

// RecordCoalescedWait counts a request that joined an in-flight probe.
func RecordCoalescedWait(outcome string) {
	coalescedWaitsTotal.WithLabelValues(outcome).Inc()
}

// RecordTaskTerminal counts a task reaching finished/error/canceled.
func RecordTaskTerminal(status string) {
	taskTerminalTotal.WithLabelValues(status).Inc()
}

// SetTasksActive publishes the live task gauge.
func SetTasksActive(n int) {
	tasksActive.Set(float64(n))
}

// IncSSEClients / DecSSEClients track open event streams.
func IncSSEClients() { sseClientsActive.Inc() }
func DecSSEClients() { sseClientsActive.Dec() }

// RecordChildProcess counts a spawned tool process by role
// (extractor, muxer, prober, accelerator).
func RecordChildProcess(role string) {
	childProcessesTotal.WithLabelValues(role).Inc()
}

// RecordDownloadFallback counts a fallback rung activation.
func RecordDownloadFallback(rung string) {
	downloadFallbackTotal.WithLabelValues(rung).Inc()
}

// ObserveHTTPRequest records one handled request.
func ObserveHTTPRequest(route, method, status string, d time.Duration) {
	httpRequestDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}
