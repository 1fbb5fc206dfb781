package registry

import "nhbchain/observability/metrics"

func recordAccepted(kind string) { metrics.ServiceNode().RecordAccepted(kind) }

func recordSeen(kind string) { metrics.ServiceNode().RecordAccepted(kind + "_seen") }

func recordRejected(reason string) { metrics.ServiceNode().RecordRejected(reason) }
