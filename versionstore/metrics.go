package versionstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wyfcoding/pstree/algorithm/persistent"
	"github.com/wyfcoding/pstree/metrics"
	"github.com/wyfcoding/pstree/xerrors"
)

// Metrics 版本仓库的指标集合。同一注册表上的多个仓库共用一份，按 store 标签区分。
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	nodes      *prometheus.GaugeVec
	versions   *prometheus.GaugeVec
	cache      *prometheus.CounterVec
}

// NewMetrics 在 m 的注册表上注册版本仓库指标。同一注册表只能调用一次。
func NewMetrics(m *metrics.Metrics) *Metrics {
	return &Metrics{
		operations: m.NewCounterVec(prometheus.CounterOpts{
			Name: "pstree_operations_total",
			Help: "Total number of version store operations",
		}, []string{"store", "op", "result"}),
		duration: m.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pstree_operation_duration_seconds",
			Help:    "Version store operation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"store", "op"}),
		nodes: m.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pstree_arena_nodes",
			Help: "Nodes allocated in the tree arena",
		}, []string{"store"}),
		versions: m.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pstree_versions",
			Help: "Number of published versions",
		}, []string{"store"}),
		cache: m.NewCounterVec(prometheus.CounterOpts{
			Name: "pstree_query_cache_total",
			Help: "Query result cache lookups",
		}, []string{"store", "result"}),
	}
}

func (m *Metrics) observe(store, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(store, op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setSize(store string, st persistent.Stats) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(store).Set(float64(st.Nodes))
	m.versions.WithLabelValues(store).Set(float64(st.Versions))
}

func (m *Metrics) cacheLookup(store string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(store, result).Inc()
}

// resultLabel 成功为 ok，失败按错误大类归档。
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := xerrors.FromError(err); ok {
		return e.Type.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Canceled"
	}
	return "error"
}
