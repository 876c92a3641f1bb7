package entities

import "time"

// AlertState is the quality level of a session's pipeline
type AlertState string

const (
	AlertNominal  AlertState = "nominal"
	AlertDegraded AlertState = "degraded"
	AlertCritical AlertState = "critical"
)

// Severity orders alert states
func (a AlertState) Severity() int {
	switch a {
	case AlertDegraded:
		return 1
	case AlertCritical:
		return 2
	}
	return 0
}

// PipelineMetrics is a point-in-time snapshot of the pipeline counters
type PipelineMetrics struct {
	AvgLatency        time.Duration `json:"avg_latency"`
	P50Latency        time.Duration `json:"p50_latency"`
	P95Latency        time.Duration `json:"p95_latency"`
	InboundOccupancy  int           `json:"inbound_occupancy"`
	OutboundOccupancy int           `json:"outbound_occupancy"`
	Unacked           int           `json:"unacked"`
	Dropped           int64         `json:"dropped"`
	Purged            int64         `json:"purged"`
	Throughput        float64       `json:"throughput"`
	Errors            int64         `json:"errors"`
	Alert             AlertState    `json:"alert"`
	Shedding          bool          `json:"shedding"`
}
