// Package metrics provides host telemetry collection, buffering, and
// reporting for the Unitlab agent.
package metrics

import "time"

// Sample is one point-in-time reading of host resource usage. Network
// counters are deltas against the previous sample; the first sample after
// start reports zero deltas. A Sample is immutable once produced.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPct         float64   `json:"cpu_pct"`
	CPUCount       int       `json:"cpu_count"`
	MemUsedBytes   uint64    `json:"mem_used_bytes"`
	MemTotalBytes  uint64    `json:"mem_total_bytes"`
	DiskUsedBytes  uint64    `json:"disk_used_bytes"`
	DiskTotalBytes uint64    `json:"disk_total_bytes"`
	NetRxBytes     uint64    `json:"net_rx_bytes"`
	NetTxBytes     uint64    `json:"net_tx_bytes"`
}
