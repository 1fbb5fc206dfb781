package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ServiceNodeMetrics tracks registry, election, and sync health for the
// service-node subsystem.
type ServiceNodeMetrics struct {
	registrySize    prometheus.Gauge
	poseBanCount    prometheus.Gauge
	voteBucketSize  *prometheus.GaugeVec
	syncStage       prometheus.Gauge
	ingestAccepted  *prometheus.CounterVec
	ingestRejected  *prometheus.CounterVec
	lifecycleMoves  *prometheus.CounterVec
	poseVerifyTotal *prometheus.CounterVec
}

var (
	serviceNodeOnce     sync.Once
	serviceNodeRegistry *ServiceNodeMetrics
)

// ServiceNode returns the lazily-initialised service-node metrics registry.
func ServiceNode() *ServiceNodeMetrics {
	serviceNodeOnce.Do(func() {
		serviceNodeRegistry = &ServiceNodeMetrics{
			registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "svnode",
				Name:      "registry_size",
				Help:      "Number of NodeEntry records currently held by the registry.",
			}),
			poseBanCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "svnode",
				Name:      "pose_ban_count",
				Help:      "Number of entries currently in the PoSeBan lifecycle state.",
			}),
			voteBucketSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "svnode",
				Name:      "vote_bucket_size",
				Help:      "Vote count for the leading payee bucket at a given block height.",
			}, []string{"height"}),
			syncStage: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "svnode",
				Name:      "sync_stage",
				Help:      "Current Sync stage ordinal (Initial=0 .. Finished=4, Failed=5).",
			}),
			ingestAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "svnode",
				Name:      "ingest_accepted_total",
				Help:      "Count of accepted gossip messages by kind.",
			}, []string{"kind"}),
			ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "svnode",
				Name:      "ingest_rejected_total",
				Help:      "Count of rejected gossip messages by reason.",
			}, []string{"reason"}),
			lifecycleMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "svnode",
				Name:      "lifecycle_transitions_total",
				Help:      "Count of NodeLifecycle state transitions by target state.",
			}, []string{"state"}),
			poseVerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "svnode",
				Name:      "pose_verify_total",
				Help:      "Count of PoSe verify exchanges by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			serviceNodeRegistry.registrySize,
			serviceNodeRegistry.poseBanCount,
			serviceNodeRegistry.voteBucketSize,
			serviceNodeRegistry.syncStage,
			serviceNodeRegistry.ingestAccepted,
			serviceNodeRegistry.ingestRejected,
			serviceNodeRegistry.lifecycleMoves,
			serviceNodeRegistry.poseVerifyTotal,
		)
	})
	return serviceNodeRegistry
}

func (m *ServiceNodeMetrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.registrySize.Set(float64(n))
}

func (m *ServiceNodeMetrics) SetPoSeBanCount(n int) {
	if m == nil {
		return
	}
	m.poseBanCount.Set(float64(n))
}

func (m *ServiceNodeMetrics) SetVoteBucketSize(height string, n int) {
	if m == nil {
		return
	}
	m.voteBucketSize.WithLabelValues(height).Set(float64(n))
}

func (m *ServiceNodeMetrics) SetSyncStage(stage int) {
	if m == nil {
		return
	}
	m.syncStage.Set(float64(stage))
}

func (m *ServiceNodeMetrics) RecordAccepted(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.ingestAccepted.WithLabelValues(kind).Inc()
}

func (m *ServiceNodeMetrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.ingestRejected.WithLabelValues(reason).Inc()
}

func (m *ServiceNodeMetrics) RecordLifecycleTransition(state string) {
	if m == nil {
		return
	}
	if state == "" {
		state = "unknown"
	}
	m.lifecycleMoves.WithLabelValues(state).Inc()
}

func (m *ServiceNodeMetrics) RecordPoSeVerify(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.poseVerifyTotal.WithLabelValues(outcome).Inc()
}
