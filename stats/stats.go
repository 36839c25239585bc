// Package stats implements the per-worker StatsGraph Context exposes
// to operator nodes, backed by Prometheus counters and gauges so a
// running job can be scraped by diagnostic/httpd. Of its metrics, only
// NodesExecuted is updated inside this module (by exec/graph when a
// node executes); the block, spill and stream counters and gauges are
// registered and exported but nothing in the core increments or sets
// them.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Graph is a per-worker bundle of named counters and gauges. It is
// safe for concurrent use by every goroutine of one worker.
type Graph struct {
	reg *prometheus.Registry

	BlocksAllocated prometheus.Counter
	BlocksEvicted   prometheus.Counter
	BlocksRepinned  prometheus.Counter
	SpillBytes      prometheus.Counter
	StreamBytesIn   prometheus.Counter
	StreamBytesOut  prometheus.Counter
	PinnedBytes     prometheus.Gauge
	ResidentBytes   prometheus.Gauge

	NodesExecuted prometheus.Counter
}

// New returns a Graph registered under a registry scoped to one
// worker, labeled by hostRank/localWorker so a multi-worker process's
// metrics don't collide.
func New(hostRank, localWorker int) *Graph {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"host": itoa(hostRank), "worker": itoa(localWorker)}

	g := &Graph{
		reg: reg,
		BlocksAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowbase_blocks_allocated_total", Help: "Blocks allocated from the pool.", ConstLabels: labels,
		}),
		BlocksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowbase_blocks_evicted_total", Help: "Blocks evicted to disk.", ConstLabels: labels,
		}),
		BlocksRepinned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowbase_blocks_repinned_total", Help: "Blocks re-read from disk scratch.", ConstLabels: labels,
		}),
		SpillBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowbase_spill_bytes_total", Help: "Bytes written to reduce-table spill files.", ConstLabels: labels,
		}),
		StreamBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowbase_stream_bytes_in_total", Help: "Bytes received over stream connections.", ConstLabels: labels,
		}),
		StreamBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowbase_stream_bytes_out_total", Help: "Bytes sent over stream connections.", ConstLabels: labels,
		}),
		PinnedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowbase_pinned_bytes", Help: "Currently pinned block bytes.", ConstLabels: labels,
		}),
		ResidentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowbase_resident_bytes", Help: "Currently resident (pinned+unpinned) block bytes.", ConstLabels: labels,
		}),
		NodesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowbase_dia_nodes_executed_total", Help: "DIA nodes executed.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(g.BlocksAllocated, g.BlocksEvicted, g.BlocksRepinned, g.SpillBytes,
		g.StreamBytesIn, g.StreamBytesOut, g.PinnedBytes, g.ResidentBytes, g.NodesExecuted)
	return g
}

// Registry returns the underlying Prometheus registry, for wiring into
// an HTTP handler (see diagnostic/httpd).
func (g *Graph) Registry() *prometheus.Registry { return g.reg }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
