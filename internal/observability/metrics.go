package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus instruments. One instance is
// created at startup and threaded through the pipeline.
type Metrics struct {
	TransactionsAnalyzed *prometheus.CounterVec
	RuleTriggers         *prometheus.CounterVec
	RuleErrors           *prometheus.CounterVec
	AnalysisDuration     prometheus.Histogram
	RiskScore            prometheus.Histogram
	AlertsEmitted        *prometheus.CounterVec
	GraphEdges           prometheus.Gauge
	WebsocketClients     prometheus.Gauge
}

// New registers the engine metrics against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransactionsAnalyzed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fraud_engine",
			Name:      "transactions_analyzed_total",
			Help:      "Transactions run through the detection pipeline, by resulting risk level.",
		}, []string{"level"}),
		RuleTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fraud_engine",
			Name:      "rule_triggers_total",
			Help:      "Rule evaluations that triggered, by rule name.",
		}, []string{"rule"}),
		RuleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fraud_engine",
			Name:      "rule_errors_total",
			Help:      "Degraded rule evaluations, by rule name and error marker.",
		}, []string{"rule", "marker"}),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fraud_engine",
			Name:      "analysis_duration_seconds",
			Help:      "End-to-end pipeline latency per transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		RiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fraud_engine",
			Name:      "risk_score",
			Help:      "Distribution of final risk scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fraud_engine",
			Name:      "alerts_emitted_total",
			Help:      "Alerts emitted, by severity.",
		}, []string{"severity"}),
		GraphEdges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fraud_engine",
			Name:      "graph_edges",
			Help:      "Edges currently held in the transaction graph.",
		}),
		WebsocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fraud_engine",
			Name:      "websocket_clients",
			Help:      "Connected websocket dashboard clients.",
		}),
	}
}

// NewForTest returns metrics bound to a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
