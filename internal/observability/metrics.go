package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clawgate"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	queueWait    *prometheus.HistogramVec
	taskDuration *prometheus.HistogramVec

	agentAttempts    *prometheus.CounterVec
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	activeRuns       prometheus.Gauge

	profileCooldown  *prometheus.GaugeVec
	lockTimeouts     prometheus.Counter
	refreshTotal     *prometheus.CounterVec
	externalSyncs    *prometheus.CounterVec
	sessionCacheHits *prometheus.CounterVec
	sessionLoad      prometheus.Histogram
	sessionSave      prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queued task count by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_enqueued_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_completed_total",
					Help:      "Total completed tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			queueWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_wait_seconds",
					Help:      "Time a task spent queued before it started.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			agentAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_attempts_total",
					Help:      "Agent attempts by provider and classified outcome.",
				},
				[]string{"provider", "outcome"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_runs_total",
					Help:      "Finished agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds by provider.",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"provider"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "agent_active_runs",
					Help:      "Agent runs currently registered as active.",
				},
			),
			profileCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "auth_profile_cooldown",
					Help:      "Auth profile cooldown state (1 active, 0 inactive).",
				},
				[]string{"profile"},
			),
			lockTimeouts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "auth_lock_timeouts_total",
					Help:      "Store mutations that proceeded without the cross-process lock.",
				},
			),
			refreshTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "auth_refresh_total",
					Help:      "OAuth refresh attempts by provider and result.",
				},
				[]string{"provider", "result"},
			),
			externalSyncs: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "auth_external_sync_total",
					Help:      "External CLI credential sync results by source.",
				},
				[]string{"source", "result"},
			),
			sessionCacheHits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_cache_lookups_total",
					Help:      "Session file cache lookups by result.",
				},
				[]string{"result"},
			),
			sessionLoad: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session transcript load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionSave: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_save_duration_seconds",
					Help:      "Session transcript append duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.queueWait,
			m.taskDuration,
			m.agentAttempts,
			m.agentRunTotal,
			m.agentRunDuration,
			m.activeRuns,
			m.profileCooldown,
			m.lockTimeouts,
			m.refreshTotal,
			m.externalSyncs,
			m.sessionCacheHits,
			m.sessionLoad,
			m.sessionSave,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueWait(lane string, wait time.Duration) {
	getMetrics().queueWait.WithLabelValues(lane).Observe(wait.Seconds())
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordAgentAttempt(provider, outcome string) {
	getMetrics().agentAttempts.WithLabelValues(provider, outcome).Inc()
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetActiveRuns(count int) {
	getMetrics().activeRuns.Set(float64(count))
}

func SetProfileCooldown(profileID string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().profileCooldown.WithLabelValues(profileID).Set(value)
}

func RecordLockTimeout() {
	getMetrics().lockTimeouts.Inc()
}

func RecordRefresh(provider string, success bool) {
	getMetrics().refreshTotal.WithLabelValues(provider, statusLabel(success)).Inc()
}

func RecordExternalSync(source string, changed bool) {
	result := "unchanged"
	if changed {
		result = "updated"
	}
	getMetrics().externalSyncs.WithLabelValues(source, result).Inc()
}

func RecordSessionCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().sessionCacheHits.WithLabelValues(result).Inc()
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoad.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSave.Observe(duration.Seconds())
}
