// Package metrics 注册进程内的 Prometheus 指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionsTotal 按最终结果统计交易数量。
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trusty_transactions_total",
			Help: "Transactions processed by outcome",
		},
		[]string{"outcome"},
	)

	// FailedChecksTotal 统计每一项校验的失败次数。
	FailedChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trusty_verification_failed_checks_total",
			Help: "Verification checks that failed",
		},
		[]string{"check"},
	)

	VerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trusty_verify_and_execute_duration_seconds",
			Help:    "Latency of the verify-and-execute unit of work",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	AgentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trusty_agent_status_transitions_total",
			Help: "Agent status transitions",
		},
		[]string{"from", "to"},
	)

	AgentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trusty_agents_created_total",
			Help: "Agents created by constraint source",
		},
		[]string{"source"},
	)

	TranslatorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trusty_translator_requests_total",
			Help: "Constraint translations by result source",
		},
		[]string{"source"},
	)

	TranslatorDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trusty_translator_duration_seconds",
			Help:    "Latency of constraint translation calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trusty_events_published_total",
			Help: "Domain events published by type and result",
		},
		[]string{"type", "result"},
	)
)

// ObserveTransaction 记录一次交易处理结果。
func ObserveTransaction(outcome string, failedChecks []string, duration time.Duration) {
	TransactionsTotal.WithLabelValues(outcome).Inc()
	for _, check := range failedChecks {
		FailedChecksTotal.WithLabelValues(check).Inc()
	}
	VerifyDuration.Observe(duration.Seconds())
}

// ObserveTranslation 记录一次约束翻译。
func ObserveTranslation(source string, duration time.Duration) {
	TranslatorRequests.WithLabelValues(source).Inc()
	TranslatorDuration.Observe(duration.Seconds())
}
