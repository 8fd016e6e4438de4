package versionstore

import (
	"time"

	"github.com/wyfcoding/pstree/cache"
	"github.com/wyfcoding/pstree/logging"
)

const defaultBatchConcurrency = 8

// Option 版本仓库构造选项。
type Option func(*options)

type options struct {
	logger      *logging.Logger
	metrics     *Metrics
	cache       cache.Cache
	cacheTTL    time.Duration
	ownCache    bool
	concurrency int
	warnRatio   float64
}

// WithLogger 指定日志记录器，默认使用全局 Logger。
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics 指定指标集合，为空时不采集。
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithCache 启用查询结果缓存。
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithBatchConcurrency 限制 BatchQuery 的并发度。
func WithBatchConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// WithArenaWarnRatio 节点池占用达到上限的该比例时告警一次，0 表示关闭。
func WithArenaWarnRatio(r float64) Option {
	return func(o *options) {
		o.warnRatio = r
	}
}

// withOwnedCache 由 Open 创建的缓存随 Store 一起关闭。
func withOwnedCache() Option {
	return func(o *options) {
		o.ownCache = true
	}
}
