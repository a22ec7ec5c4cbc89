// Package metrics exposes the runtime's prometheus gauges/counters: one
// subchannel connectivity-state gauge per address, an active-call gauge fed
// by subchannel.ActiveCalls, and call-completion counters by status code.
// cmd/rpcserver wires promhttp.Handler behind the admin HTTP surface; this
// package only owns metric definitions and update helpers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fullstorydev/rpcweave/status"
	"github.com/fullstorydev/rpcweave/subchannel"
)

const namespace = "rpcweave"

var (
	subchannelState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subchannel_state",
			Help:      "Current connectivity state of a subchannel, one gauge value (the enum ordinal) per address.",
		},
		[]string{"address"},
	)

	activeCalls = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subchannel_active_calls",
			Help:      "Number of calls currently attached to a subchannel's transport.",
		},
		[]string{"address"},
	)

	callsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_completed_total",
			Help:      "Completed calls by method and terminal status code.",
		},
		[]string{"method", "code"},
	)

	reconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subchannel_reconnects_total",
			Help:      "Number of times a subchannel has entered TRANSIENT_FAILURE.",
		},
		[]string{"address"},
	)
)

// ObserveSubchannel registers a subchannel.StateListener that keeps
// subchannelState and reconnectsTotal current for sc. Callers typically do
// this once, right after constructing a Subchannel.
func ObserveSubchannel(sc *subchannel.Subchannel) {
	addr := sc.Address().Addr
	subchannelState.WithLabelValues(addr).Set(float64(sc.State()))
	sc.Listen(func(s subchannel.State, _ error) {
		subchannelState.WithLabelValues(addr).Set(float64(s))
		if s == subchannel.TransientFailure {
			reconnectsTotal.WithLabelValues(addr).Inc()
		}
	})
}

// SetActiveCalls publishes sc's current ActiveCalls count under its address
// label; callers invoke this after every CallRef/CallUnref.
func SetActiveCalls(sc *subchannel.Subchannel) {
	activeCalls.WithLabelValues(sc.Address().Addr).Set(float64(sc.ActiveCalls()))
}

// RecordCallCompletion increments the per-(method, code) completion counter.
func RecordCallCompletion(method string, code status.Code) {
	callsCompletedTotal.WithLabelValues(method, code.String()).Inc()
}
