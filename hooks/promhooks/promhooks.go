// Package promhooks exports engine lifecycle observations as Prometheus
// metrics on the process-wide registry. Install it as the Monitor, alone or
// as one member of a hooks.Multi, and serve promhttp wherever the host
// exposes metrics.
package promhooks

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/factum-dev/factum/hooks"
)

var webhookFates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "factum_webhook_fates_total",
	Help: "counter of inbound webhook deliveries by provider and fate",
}, []string{"provider", "fate"})

var ingestDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "factum_ingest_duration_seconds",
	Help:    "Duration in seconds of webhook ingest, from receipt to recorded fate",
	Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 1.0, 5.0},
}, []string{"provider", "fate"})

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "factum_transitions_total",
	Help: "counter of committed transaction state transitions",
}, []string{"provider", "from", "to", "trigger"})

var dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "factum_dispatches_total",
	Help: "counter of event handler invocations by handler, status, and replay flag",
}, []string{"handler", "status", "replay"})

var reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "factum_reconciliations_total",
	Help: "counter of reconciliation attempts by provider and result",
}, []string{"provider", "result"})

// Monitor implements hooks.Monitor. The zero value is ready to use; all
// instances share the same metric families.
type Monitor struct{}

var _ hooks.Monitor = Monitor{}

func (Monitor) OnWebhookFate(o hooks.WebhookFate) {
	webhookFates.WithLabelValues(o.Provider, string(o.Fate)).Inc()
	ingestDurations.WithLabelValues(o.Provider, string(o.Fate)).Observe(o.Latency.Seconds())
}

func (Monitor) OnTransition(o hooks.Transition) {
	transitions.WithLabelValues(o.Provider, string(o.From), string(o.To), string(o.Trigger)).Inc()
}

func (Monitor) OnDispatchResult(o hooks.DispatchResult) {
	dispatches.WithLabelValues(o.HandlerName, string(o.Status), strconv.FormatBool(o.IsReplay)).Inc()
}

func (Monitor) OnReconciliation(o hooks.Reconciliation) {
	reconciliations.WithLabelValues(o.Provider, string(o.Result)).Inc()
}
