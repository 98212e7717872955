// Package metrics holds the Prometheus collectors updated by the trading path.
//
// Exposed series:
//   - imbalance_messages_total{result}       depth messages by outcome (ok|malformed)
//   - imbalance_decisions_total{reason}      entry decisions by reason
//   - imbalance_walls_total{strength}        weak-side classifications
//   - imbalance_orders_total{type,side}      orders accepted by the exchange
//   - imbalance_gateway_errors_total{op}     rejected or failed gateway calls
//   - imbalance_stop_ratchets_total          trailing stop moves
//   - imbalance_positions_closed_total{reason}
//   - imbalance_position_open                1 while a position is tracked
//   - imbalance_manual_intervention          1 while entries wait for an operator
//   - imbalance_stream_reconnects_total
//   - imbalance_audit_queue_depth            rows waiting for the audit writer
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imbalance_messages_total",
			Help: "Depth messages processed",
		},
		[]string{"result"},
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imbalance_decisions_total",
			Help: "Entry decisions split by reason",
		},
		[]string{"reason"},
	)

	Walls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imbalance_walls_total",
			Help: "Weak-side wall classifications",
		},
		[]string{"strength"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imbalance_orders_total",
			Help: "Orders accepted by the exchange",
		},
		[]string{"type", "side"},
	)

	GatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imbalance_gateway_errors_total",
			Help: "Failed order gateway calls",
		},
		[]string{"op"},
	)

	Ratchets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imbalance_stop_ratchets_total",
			Help: "Trailing stop moves",
		},
	)

	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imbalance_positions_closed_total",
			Help: "Positions that left automated management, by reason",
		},
		[]string{"reason"},
	)

	PositionOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imbalance_position_open",
			Help: "1 while a position is being tracked",
		},
	)

	ManualIntervention = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imbalance_manual_intervention",
			Help: "1 while new entries are held until an operator resumes trading",
		},
	)

	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imbalance_stream_reconnects_total",
			Help: "Depth stream reconnect attempts",
		},
	)

	AuditQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imbalance_audit_queue_depth",
			Help: "Audit rows waiting to be written",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Messages,
		Decisions,
		Walls,
		Orders,
		GatewayErrors,
		Ratchets,
		PositionsClosed,
		PositionOpen,
		ManualIntervention,
		Reconnects,
		AuditQueueDepth,
	)
}
