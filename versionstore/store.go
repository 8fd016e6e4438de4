// Package versionstore 在多版本区间容器之上提供带上下文、可观测的访问入口：
// 每个操作都有链路 Span、Prometheus 指标与结构化日志，查询结果可选地缓存在本地 bigcache 中。
// 历史版本不可变，缓存项永远不需要失效。
package versionstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/wyfcoding/pstree/algorithm/persistent"
	"github.com/wyfcoding/pstree/cache"
	"github.com/wyfcoding/pstree/config"
	"github.com/wyfcoding/pstree/logging"
	"github.com/wyfcoding/pstree/tracing"
	"github.com/wyfcoding/pstree/xerrors"
)

// QueryRequest 批量查询中的一项。
type QueryRequest struct {
	Version persistent.VersionID `json:"version"`
	Left    int                  `json:"left"`
	Right   int                  `json:"right"`
}

// Stats 仓库的资源占用快照。
type Stats struct {
	persistent.Stats
	Retired int `json:"retired"` // 已退役的版本数。
}

// Store 多版本区间容器的服务端封装。
type Store[V any] struct {
	name    string
	tree    *persistent.Tree[V]
	opts    options
	group   singleflight.Group
	retired sync.Map // persistent.VersionID -> struct{}

	retiredCount atomic.Int64
	warned       atomic.Bool
}

// New 包装一个已有的容器。
func New[V any](name string, tree *persistent.Tree[V], opts ...Option) *Store[V] {
	o := options{concurrency: defaultBatchConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Default().With("versionstore")
	}
	if o.concurrency <= 0 {
		o.concurrency = defaultBatchConcurrency
	}
	return &Store[V]{name: name, tree: tree, opts: o}
}

// Open 按配置创建容器与缓存。store.cache_enabled 为真时创建的 bigcache 随 Close 一起释放。
func Open[V any](name string, alg persistent.Algebra[V], tc config.TreeConfig, sc config.StoreConfig, opts ...Option) (*Store[V], error) {
	chunkSize := tc.ChunkSize
	if chunkSize == 0 {
		chunkSize = persistent.DefaultChunkSize
	}
	tree, err := persistent.NewTree(alg, tc.DomainSize,
		persistent.WithOrigin(tc.Origin),
		persistent.WithChunkSize(chunkSize),
		persistent.WithMaxNodes(tc.MaxNodes),
	)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithBatchConcurrency(sc.BatchConcurrency),
		WithArenaWarnRatio(sc.ArenaWarnRatio),
	}
	if sc.CacheEnabled {
		c, err := cache.NewBigCache(sc.CacheTTL, sc.CacheMaxMB)
		if err != nil {
			return nil, err
		}
		base = append(base, WithCache(c, sc.CacheTTL), withOwnedCache())
	}
	return New(name, tree, append(base, opts...)...), nil
}

// Tree 返回底层容器。
func (s *Store[V]) Tree() *persistent.Tree[V] {
	return s.tree
}

// begin 开启 Span 并返回结束回调，回调负责记录错误、指标与 Span 状态。
func (s *Store[V]) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "pstree."+op)
	tracing.AddTag(ctx, "pstree.store", s.name)
	finish := s.opts.logger.LogDuration(ctx, "pstree."+op, "store", s.name)

	return ctx, func(err error) {
		finish()
		if err != nil {
			tracing.SetError(ctx, err)
			s.opts.logger.WarnContext(ctx, "operation failed", "store", s.name, "op", op, "error", err)
		}
		s.opts.metrics.observe(s.name, op, start, err)
		span.End()
	}
}

// CreateInitialVersion 以 values 建立新版本。
func (s *Store[V]) CreateInitialVersion(ctx context.Context, values []V) (v persistent.VersionID, err error) {
	ctx, done := s.begin(ctx, "create")
	defer func() { done(err) }()
	tracing.AddTag(ctx, "pstree.values", len(values))

	if err = ctx.Err(); err != nil {
		return 0, err
	}
	if v, err = s.tree.CreateInitialVersion(values); err != nil {
		return 0, err
	}
	s.afterWrite(ctx, v)
	return v, nil
}

// CreateEmptyVersion 建立全零版本。
func (s *Store[V]) CreateEmptyVersion(ctx context.Context) (v persistent.VersionID, err error) {
	ctx, done := s.begin(ctx, "create_empty")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return 0, err
	}
	v = s.tree.CreateEmptyVersion()
	s.afterWrite(ctx, v)
	return v, nil
}

// Modify 在版本 v 上对 [l, r] 施加 tag，返回新版本号。
func (s *Store[V]) Modify(ctx context.Context, v persistent.VersionID, l, r int, tag persistent.Tag[V]) (nv persistent.VersionID, err error) {
	ctx, done := s.begin(ctx, "modify")
	defer func() { done(err) }()
	tracing.AddTag(ctx, "pstree.version", int(v))
	tracing.AddTag(ctx, "pstree.range", fmt.Sprintf("[%d, %d]", l, r))
	tracing.AddTag(ctx, "pstree.tag", tag.Kind.String())

	if err = s.checkLive(ctx, v); err != nil {
		return 0, err
	}
	if nv, err = s.tree.Modify(v, l, r, tag); err != nil {
		return 0, err
	}
	s.afterWrite(ctx, nv)
	return nv, nil
}

// Set 单点赋值。
func (s *Store[V]) Set(ctx context.Context, v persistent.VersionID, pos int, value V) (persistent.VersionID, error) {
	return s.Modify(ctx, v, pos, pos, persistent.Assign(value))
}

// Fork 为版本 v 创建别名版本。
func (s *Store[V]) Fork(ctx context.Context, v persistent.VersionID) (nv persistent.VersionID, err error) {
	ctx, done := s.begin(ctx, "fork")
	defer func() { done(err) }()
	tracing.AddTag(ctx, "pstree.version", int(v))

	if err = s.checkLive(ctx, v); err != nil {
		return 0, err
	}
	if nv, err = s.tree.Fork(v); err != nil {
		return 0, err
	}
	s.afterWrite(ctx, nv)
	return nv, nil
}

// Query 返回版本 v 中 [l, r] 的聚合值。
func (s *Store[V]) Query(ctx context.Context, v persistent.VersionID, l, r int) (agg persistent.Aggregate[V], err error) {
	ctx, done := s.begin(ctx, "query")
	defer func() { done(err) }()
	tracing.AddTag(ctx, "pstree.version", int(v))
	tracing.AddTag(ctx, "pstree.range", fmt.Sprintf("[%d, %d]", l, r))

	return s.query(ctx, v, l, r)
}

// Get 返回版本 v 中 pos 位置的值。
func (s *Store[V]) Get(ctx context.Context, v persistent.VersionID, pos int) (V, error) {
	agg, err := s.Query(ctx, v, pos, pos)
	if err != nil {
		var zero V
		return zero, err
	}
	return agg.Sum, nil
}

// BatchQuery 并发执行一组互不相关的查询，结果顺序与请求一致。
// 任一查询失败时取消其余查询，并返回最先出现的错误。
func (s *Store[V]) BatchQuery(ctx context.Context, reqs []QueryRequest) (results []persistent.Aggregate[V], err error) {
	ctx, done := s.begin(ctx, "batch_query")
	defer func() { done(err) }()
	tracing.AddTag(ctx, "pstree.batch_size", len(reqs))

	results = make([]persistent.Aggregate[V], len(reqs))
	p := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(s.opts.concurrency).
		WithFirstError().
		WithCancelOnError()
	for i, req := range reqs {
		p.Go(func(ctx context.Context) error {
			agg, err := s.query(ctx, req.Version, req.Left, req.Right)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			results[i] = agg
			return nil
		})
	}
	if err = p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Retire 退役版本 v。此后对 v 的查询、修改与分叉均返回 ErrUnknownVersion；
// 由 v 派生的版本不受影响，节点也不会被回收。
func (s *Store[V]) Retire(ctx context.Context, v persistent.VersionID) (err error) {
	ctx, done := s.begin(ctx, "retire")
	defer func() { done(err) }()
	tracing.AddTag(ctx, "pstree.version", int(v))

	if err = s.checkLive(ctx, v); err != nil {
		return err
	}
	if _, loaded := s.retired.LoadOrStore(v, struct{}{}); loaded {
		return unknownVersion(v)
	}
	s.retiredCount.Add(1)
	s.opts.logger.DebugContext(ctx, "version retired", "store", s.name, "version", int(v))
	return nil
}

// Stats 返回资源占用快照。
func (s *Store[V]) Stats() Stats {
	return Stats{
		Stats:   s.tree.Stats(),
		Retired: int(s.retiredCount.Load()),
	}
}

// Close 释放由 Open 创建的缓存。
func (s *Store[V]) Close() error {
	if s.opts.ownCache && s.opts.cache != nil {
		return s.opts.cache.Close()
	}
	return nil
}

func (s *Store[V]) query(ctx context.Context, v persistent.VersionID, l, r int) (persistent.Aggregate[V], error) {
	if err := s.checkLive(ctx, v); err != nil {
		return persistent.Aggregate[V]{}, err
	}
	if s.opts.cache == nil {
		return s.tree.Query(v, l, r)
	}

	key := s.cacheKey(v, l, r)
	var agg persistent.Aggregate[V]
	if err := s.opts.cache.Get(ctx, key, &agg); err == nil {
		s.opts.metrics.cacheLookup(s.name, true)
		return agg, nil
	}
	s.opts.metrics.cacheLookup(s.name, false)

	res, err, _ := s.group.Do(key, func() (any, error) {
		agg, err := s.tree.Query(v, l, r)
		if err != nil {
			return nil, err
		}
		if err := s.opts.cache.Set(ctx, key, agg, s.opts.cacheTTL); err != nil {
			s.opts.logger.DebugContext(ctx, "query result not cached", "key", key, "error", err)
		}
		return agg, nil
	})
	if err != nil {
		return persistent.Aggregate[V]{}, err
	}
	return res.(persistent.Aggregate[V]), nil
}

func (s *Store[V]) cacheKey(v persistent.VersionID, l, r int) string {
	return fmt.Sprintf("%s:%d:%d:%d", s.name, v, l, r)
}

// checkLive 检查上下文未取消且版本存在、未退役。
func (s *Store[V]) checkLive(ctx context.Context, v persistent.VersionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v < 0 || int(v) >= s.tree.Versions() {
		return unknownVersion(v)
	}
	if _, ok := s.retired.Load(v); ok {
		return unknownVersion(v).WithDetail("version %d has been retired", v)
	}
	return nil
}

func unknownVersion(v persistent.VersionID) *xerrors.Error {
	return xerrors.ErrUnknownVersion.Clone().WithContext("version", int(v))
}

func (s *Store[V]) afterWrite(ctx context.Context, v persistent.VersionID) {
	st := s.tree.Stats()
	s.opts.metrics.setSize(s.name, st)
	s.opts.logger.DebugContext(ctx, "version created", "store", s.name, "version", int(v), "nodes", st.Nodes)

	if st.MaxNodes == 0 || s.opts.warnRatio <= 0 {
		return
	}
	if float64(st.Nodes) >= s.opts.warnRatio*float64(st.MaxNodes) && s.warned.CompareAndSwap(false, true) {
		s.opts.logger.WarnContext(ctx, "node arena under pressure",
			"store", s.name,
			"nodes", st.Nodes,
			"max_nodes", st.MaxNodes,
			"versions", st.Versions,
		)
	}
}
