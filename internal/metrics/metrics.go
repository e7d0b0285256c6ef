package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intercepted requests by resource class and X-Offline0 outcome
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_requests_total",
			Help: "Total number of intercepted requests",
		},
		[]string{"class", "outcome"},
	)

	StrategyResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_strategy_results_total",
			Help: "Strategy executions by strategy and where the response came from",
		},
		[]string{"strategy", "source"},
	)

	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_background_refresh_total",
			Help: "Stale-while-revalidate background refreshes",
		},
		[]string{"result"}, // stored, unchanged, failed, skipped
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_store_errors_total",
			Help: "Cache store failures treated as miss or ignored",
		},
		[]string{"op"},
	)

	Installs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_installs_total",
			Help: "Install attempts by result",
		},
		[]string{"result"},
	)

	PartitionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_partitions_deleted_total",
			Help: "Orphaned partitions deleted at activation or by clear-cache",
		},
	)

	ActiveGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline0_active_generation",
			Help: "Currently active cache generation, 0 before activation",
		},
	)

	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_fallbacks_total",
			Help: "Offline substitutes served by kind",
		},
		[]string{"kind"}, // offline-page, placeholder, error
	)

	RetryEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_retry_enqueued_total",
			Help: "Mutating requests appended to the retry queue",
		},
	)

	RetryReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_retry_replays_total",
			Help: "Retry queue replays by result",
		},
		[]string{"result"}, // delivered, failed
	)

	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline0_retry_queue_depth",
			Help: "Entries waiting in the retry queue after the last drain or enqueue",
		},
	)

	ControlCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_control_commands_total",
			Help: "Control channel commands by type and result",
		},
		[]string{"type", "result"},
	)
)

func RecordRequest(class, outcome string) {
	Requests.WithLabelValues(class, outcome).Inc()
}

func RecordStrategy(strategy, source string) {
	StrategyResults.WithLabelValues(strategy, source).Inc()
}

func RecordRefresh(result string) {
	Refreshes.WithLabelValues(result).Inc()
}

func RecordStoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}

func RecordInstall(ok bool) {
	if ok {
		Installs.WithLabelValues("success").Inc()
		return
	}
	Installs.WithLabelValues("failure").Inc()
}

func RecordFallback(kind string) {
	Fallbacks.WithLabelValues(kind).Inc()
}

func RecordReplay(delivered bool) {
	if delivered {
		RetryReplays.WithLabelValues("delivered").Inc()
		return
	}
	RetryReplays.WithLabelValues("failed").Inc()
}

func RecordControl(cmdType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ControlCommands.WithLabelValues(cmdType, result).Inc()
}
