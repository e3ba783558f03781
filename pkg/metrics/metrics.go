// Package metrics exposes a Prometheus registry for both daemon
// processes: HTTP request counters on the control plane, block-store
// operation counters on storage nodes, and a handful of cluster gauges
// refreshed on a timer. Grounded on function61-varasto's
// pkg/stoserver/metrics.go — counters for (totalRequests, errors) rather
// than (successes, errors), httpsnoop for instrumenting the control
// plane's http.Handler, and a periodic collection task fed from the
// metadata store.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec

	blockStoreOps   *prometheus.CounterVec
	blockBytes      *prometheus.CounterVec
	replicationRuns *prometheus.CounterVec

	nodesActive    prometheus.Gauge
	nodesInactive  prometheus.Gauge
	filesTotal     prometheus.Gauge
	blocksTotal    prometheus.Gauge
	degradedBlocks prometheus.Gauge
	isLeader       prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfs_http_requests_total",
			Help: "Control-plane HTTP requests handled, including errors",
		}, []string{"code", "method", "path"}),
		blockStoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfs_block_store_ops_total",
			Help: "Block store operations handled by a storage node, including errors",
		}, []string{"op", "result"}),
		blockBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfs_block_bytes_total",
			Help: "Bytes moved through block store operations",
		}, []string{"op"}),
		replicationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfs_replication_heal_total",
			Help: "Replication coordinator heal attempts, including failures",
		}, []string{"result"}),
		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_nodes_active",
			Help: "Storage nodes currently marked ACTIVE",
		}),
		nodesInactive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_nodes_inactive",
			Help: "Storage nodes currently marked INACTIVE by the staleness sweep",
		}),
		filesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_files_total",
			Help: "Files known to the namespace",
		}),
		blocksTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_blocks_total",
			Help: "Blocks known to the catalogue",
		}),
		degradedBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_blocks_degraded",
			Help: "Blocks currently below their replication factor",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_ha_is_leader",
			Help: "1 if this metadata process currently holds leadership",
		}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.blockStoreOps,
		m.blockBytes,
		m.replicationRuns,
		m.nodesActive,
		m.nodesInactive,
		m.filesTotal,
		m.blocksTotal,
		m.degradedBlocks,
		m.isLeader,
	)

	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WrapHTTPServer instruments actual with per-request counters the way
// function61-varasto's WrapHTTPServer does, using httpsnoop to capture the
// status code without replacing the ResponseWriter's other behaviour
// (flushing, hijacking) that gorilla/mux handlers may rely on.
func (m *Registry) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)
		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
			"path":   r.URL.Path,
		}).Inc()
	})
}

func (m *Registry) RecordBlockOp(op string, err error, bytes int) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.blockStoreOps.With(prometheus.Labels{"op": op, "result": result}).Inc()
	if bytes > 0 {
		m.blockBytes.With(prometheus.Labels{"op": op}).Add(float64(bytes))
	}
}

func (m *Registry) RecordHeal(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.replicationRuns.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Registry) SetLeader(isLeader bool) {
	if isLeader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
}

// ClusterSnapshotSource is satisfied by pkg/metaserver's Manager; kept
// narrow so this package never imports pkg/metaserver.
type ClusterSnapshotSource interface {
	ClusterSnapshot() (activeNodes, inactiveNodes, files, blocks, degradedBlocks int)
}

// Run refreshes the cluster gauges on a timer until ctx is cancelled,
// the way function61-varasto's metricsController.Task does for volume gauges.
func (m *Registry) Run(ctx context.Context, source ClusterSnapshotSource) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active, inactive, files, blocks, degraded := source.ClusterSnapshot()
			m.nodesActive.Set(float64(active))
			m.nodesInactive.Set(float64(inactive))
			m.filesTotal.Set(float64(files))
			m.blocksTotal.Set(float64(blocks))
			m.degradedBlocks.Set(float64(degraded))
		}
	}
}
