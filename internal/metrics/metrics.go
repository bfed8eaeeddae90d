// Package metrics holds the prometheus collectors of the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hramov/floatkeeper/internal/fsm"
)

const namespace = "floatkeeper"

var (
	// state is 1 for the current election state and 0 for the others.
	state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "election",
		Name:      "state",
		Help:      "1 for the current election state of this node, 0 otherwise",
	}, []string{"node", "state"})

	effectivePriority = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "election",
		Name:      "effective_priority",
		Help:      "Priority currently advertised by this node",
	}, []string{"node"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "election",
		Name:      "transitions_total",
		Help:      "Confirmed state transitions",
	}, []string{"node", "from", "to"})

	advertsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "adverts_sent_total",
		Help:      "Advertisements sent",
	}, []string{"node"})

	sendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "send_failures_total",
		Help:      "Advertisements that could not be delivered to at least one peer",
	}, []string{"node"})

	advertsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "adverts_received_total",
		Help:      "Valid advertisements accepted from peers",
	}, []string{"node"})

	// advertsRejected counts discarded advertisements by error kind
	// (authentication, protocol).
	advertsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "adverts_rejected_total",
		Help:      "Advertisements discarded, by reason",
	}, []string{"node", "reason"})

	livePeers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "election",
		Name:      "live_peers",
		Help:      "Peers heard from within the master down interval",
	}, []string{"node"})

	healthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "healthy",
		Help:      "1 if the protected service is healthy, 0 otherwise",
	}, []string{"node"})

	capabilityAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "capability_attempts_total",
		Help:      "Address reassignment calls, by action",
	}, []string{"node", "action"})

	capabilityFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "capability_failures_total",
		Help:      "Address reassignment actions that failed after every retry, by action",
	}, []string{"node", "action"})

	alarm = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "alarm",
		Help:      "1 while the last address reassignment failed after every retry",
	}, []string{"node"})

	hookFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "hook_failures_total",
		Help:      "Transition hooks that returned an error",
	}, []string{"node"})
)

func init() {
	prometheus.MustRegister(state)
	prometheus.MustRegister(effectivePriority)
	prometheus.MustRegister(transitions)
	prometheus.MustRegister(advertsSent)
	prometheus.MustRegister(sendFailures)
	prometheus.MustRegister(advertsReceived)
	prometheus.MustRegister(advertsRejected)
	prometheus.MustRegister(livePeers)
	prometheus.MustRegister(healthy)
	prometheus.MustRegister(capabilityAttempts)
	prometheus.MustRegister(capabilityFailures)
	prometheus.MustRegister(alarm)
	prometheus.MustRegister(hookFailures)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RecordState marks current as the node's state.
func RecordState(node string, current fsm.State) {
	for _, s := range []fsm.State{fsm.Init, fsm.Backup, fsm.Master, fsm.Fault} {
		state.WithLabelValues(node, s.String()).Set(boolGauge(s == current))
	}
}

func RecordTransition(t fsm.Transition) {
	transitions.WithLabelValues(t.NodeID, t.From.String(), t.To.String()).Inc()
	RecordState(t.NodeID, t.To)
}

func RecordEffectivePriority(node string, p int) {
	effectivePriority.WithLabelValues(node).Set(float64(p))
}

func RecordAdvertSent(node string) {
	advertsSent.WithLabelValues(node).Inc()
}

func RecordSendFailure(node string) {
	sendFailures.WithLabelValues(node).Inc()
}

func RecordAdvertReceived(node string) {
	advertsReceived.WithLabelValues(node).Inc()
}

func RecordAdvertRejected(node, reason string) {
	advertsRejected.WithLabelValues(node, reason).Inc()
}

func RecordLivePeers(node string, n int) {
	livePeers.WithLabelValues(node).Set(float64(n))
}

func RecordHealth(node string, ok bool) {
	healthy.WithLabelValues(node).Set(boolGauge(ok))
}

func RecordCapabilityAttempt(node, action string) {
	capabilityAttempts.WithLabelValues(node, action).Inc()
}

func RecordCapabilityFailure(node, action string) {
	capabilityFailures.WithLabelValues(node, action).Inc()
}

func RecordAlarm(node string, raised bool) {
	alarm.WithLabelValues(node).Set(boolGauge(raised))
}

func RecordHookFailure(node string) {
	hookFailures.WithLabelValues(node).Inc()
}
