// Package metrics exposes Prometheus series for the clusterwide
// configuration applier, adapted field-for-shape from
// metrics/prometheus.go: a flat var block of promauto-registered
// collectors, one file, no registry plumbing beyond the default one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ApplyDuration tracks how long the local apply pipeline takes end to
	// end, from freeze to payload update.
	ApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterapply_local_apply_duration_seconds",
			Help:    "Duration of the local configuration apply pipeline",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"}, // outcome: ok|error
	)

	// ApplyStepErrors counts failures of individual local apply pipeline
	// steps.
	ApplyStepErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterapply_local_apply_step_errors_total",
			Help: "Total number of errors recorded by local apply pipeline steps",
		},
		[]string{"step"}, // step: parse_topology|replication|sharding|role_apply
	)

	// PatchRounds counts PatchClusterwide invocations by outcome.
	PatchRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterapply_patch_rounds_total",
			Help: "Total number of clusterwide patch rounds by outcome",
		},
		[]string{"outcome"}, // outcome: committed|aborted|atomic_rejected
	)

	// PatchRoundDuration tracks the wall-clock time of a full
	// PatchClusterwide round (prepare + commit/abort).
	PatchRoundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterapply_patch_round_duration_seconds",
			Help:    "Duration of a full clusterwide patch round",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	// PeerRPCDuration tracks latency of outgoing peer RPC calls.
	PeerRPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterapply_peer_rpc_duration_seconds",
			Help:    "Duration of outgoing peer RPC calls",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint", "outcome"},
	)

	// PeerRPCRequestsTotal counts incoming peer RPC requests served by this
	// instance's listener, by endpoint and outcome.
	PeerRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterapply_peer_rpc_requests_total",
			Help: "Total number of incoming peer RPC requests",
		},
		[]string{"endpoint", "status"},
	)

	// PeerRPCRateLimited counts requests rejected by the peer RPC rate
	// limiter.
	PeerRPCRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterapply_peer_rpc_rate_limited_total",
			Help: "Total number of peer RPC requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	// FailoverIterations counts failover worker loop iterations by
	// outcome.
	FailoverIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterapply_failover_iterations_total",
			Help: "Total number of failover worker iterations",
		},
		[]string{"outcome"}, // outcome: reconfigured (once per completed iteration, whether or not a service changed)|error
	)

	// ActiveMasterChanges counts active master selections per replicaset,
	// made by the apply pipeline and the failover worker. Every selection
	// is counted, including one that repeats the previous master.
	ActiveMasterChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterapply_active_master_changes_total",
			Help: "Total number of replicaset active master selections, repeats included",
		},
		[]string{"replicaset"},
	)

	// PreparedFilesStale tracks whether a stale config.prepare.yml was
	// observed by the maintenance sweep (1 = stale file present).
	PreparedFilesStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterapply_prepare_file_stale",
			Help: "1 if a stale config.prepare.yml was observed on the last maintenance sweep",
		},
	)

	// RoleRegistrations counts role registrations and duplicate-rejection
	// attempts.
	RoleRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterapply_role_registrations_total",
			Help: "Total number of role registration attempts",
		},
		[]string{"outcome"}, // outcome: registered|duplicate
	)
)
