// Package metrics defines the prometheus metrics exported by the BiDiB
// stack and convenience helpers to record them, mirroring the structure of
// github.com/m-lab/tcp-info/metrics.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RouterMessagesTotal counts messages handled by the router, by
	// direction ("downlink"/"uplink").
	RouterMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidib_router_messages_total",
			Help: "Messages processed by the router.",
		}, []string{"direction"})

	// RouterSequenceErrorsTotal counts sequence-number mismatches detected
	// by the router.
	RouterSequenceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidib_router_sequence_errors_total",
			Help: "Sequence number mismatches detected on received messages.",
		})

	// SubBusSlotHistogram tracks the wall-clock duration of one sub-bus
	// poll slot (self, peer, or LOGON).
	SubBusSlotHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidib_subbus_slot_duration_seconds",
			Help:    "Sub-bus poll slot duration distribution.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}, []string{"kind"})

	// SubBusErrorsTotal counts link-layer errors by taxonomy
	// (SUBTIME/SUBCRC/SUBPACKET).
	SubBusErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidib_subbus_errors_total",
			Help: "Sub-bus link errors by kind.",
		}, []string{"kind"})

	// SubBusNodesGauge tracks the number of admitted sub-bus nodes.
	SubBusNodesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bidib_subbus_nodes",
			Help: "Number of nodes currently admitted on the sub-bus.",
		})

	// ControllerRetriesTotal counts FSM step retries by state name.
	ControllerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidib_controller_retries_total",
			Help: "Controller FSM step retries, by state.",
		}, []string{"state"})

	// ControllerNodesFailedTotal counts nodes that exhausted their commissioning
	// retry budget.
	ControllerNodesFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidib_controller_nodes_failed_total",
			Help: "Nodes that failed commissioning permanently.",
		})

	// SessionsGauge tracks the number of active netBiDiB sessions, by
	// pairing state.
	SessionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidib_netbidib_sessions",
			Help: "Active netBiDiB sessions by pairing state.",
		}, []string{"state"})

	// FeedbackChangesTotal counts occupancy projections delivered to the
	// global feedback space.
	FeedbackChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidib_feedback_changes_total",
			Help: "Occupancy changes projected into the global feedback space.",
		})
)

func init() {
	log.Println("prometheus metrics in bidib-station/internal/metrics are registered")
}
