package versionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/wyfcoding/pstree/algorithm/persistent"
	"github.com/wyfcoding/pstree/cache"
	"github.com/wyfcoding/pstree/config"
	"github.com/wyfcoding/pstree/logging"
	"github.com/wyfcoding/pstree/metrics"
	"github.com/wyfcoding/pstree/xerrors"
)

type fixture struct {
	store   *Store[int64]
	metrics *Metrics
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, values []int64, treeOpts []persistent.Option, opts ...Option) fixture {
	t.Helper()
	tree, err := persistent.New(persistent.Numeric[int64]{}, values, treeOpts...)
	if err != nil {
		t.Fatalf("persistent.New failed: %v", err)
	}

	logs := &bytes.Buffer{}
	logger := &logging.Logger{
		Logger: slog.New(&logging.TraceHandler{
			Handler: slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}),
		}),
		Service: "pstree",
		Module:  "versionstore",
	}
	m := NewMetrics(metrics.NewMetrics("pstree"))

	base := []Option{WithLogger(logger), WithMetrics(m)}
	s := New("test", tree, append(base, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return fixture{store: s, metrics: m, logs: logs}
}

func TestStoreModifyAndQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []int64{1, 2, 3, 4, 5}, []persistent.Option{persistent.WithOrigin(1)})
	s := f.store

	v1, err := s.Modify(ctx, 0, 2, 4, persistent.Add[int64](10))
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	v2, err := s.Set(ctx, v1, 5, -1)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	checks := []struct {
		v    persistent.VersionID
		want int64
	}{{0, 15}, {v1, 45}, {v2, 39}}
	for _, c := range checks {
		agg, err := s.Query(ctx, c.v, 1, 5)
		if err != nil {
			t.Fatalf("Query(v%d) failed: %v", c.v, err)
		}
		if agg.Sum != c.want {
			t.Errorf("v%d sum = %d, want %d", c.v, agg.Sum, c.want)
		}
	}

	if got, _ := s.Get(ctx, v2, 3); got != 13 {
		t.Errorf("Get(v2, 3) = %d", got)
	}

	fork, err := s.Fork(ctx, v1)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if agg, _ := s.Query(ctx, fork, 1, 5); agg.Sum != 45 {
		t.Errorf("fork sum = %d", agg.Sum)
	}

	if got := testutil.ToFloat64(f.metrics.operations.WithLabelValues("test", "modify", "ok")); got != 2 {
		t.Errorf("modify ok counter = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.versions.WithLabelValues("test")); got != 4 {
		t.Errorf("versions gauge = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.nodes.WithLabelValues("test")); got != float64(s.Stats().Nodes) {
		t.Errorf("nodes gauge = %v, stats %d", got, s.Stats().Nodes)
	}
}

func TestStoreErrorsAreClassified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []int64{1, 2, 3}, nil)
	s := f.store

	if _, err := s.Query(ctx, 0, 0, 3); !errors.Is(err, xerrors.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := s.Query(ctx, 0, 2, 1); !errors.Is(err, xerrors.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := s.Modify(ctx, 7, 0, 0, persistent.Add[int64](1)); !errors.Is(err, xerrors.ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}

	if got := testutil.ToFloat64(f.metrics.operations.WithLabelValues("test", "query", "OutOfRange")); got != 1 {
		t.Errorf("out of range counter = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.operations.WithLabelValues("test", "modify", "NotFound")); got != 1 {
		t.Errorf("unknown version counter = %v", got)
	}
	if !strings.Contains(f.logs.String(), "operation failed") {
		t.Error("failures should be logged")
	}
}

func TestStoreCanceledContext(t *testing.T) {
	f := newFixture(t, []int64{1, 2, 3}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.store.Query(ctx, 0, 0, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := f.store.Modify(ctx, 0, 0, 2, persistent.Add[int64](1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.store.Stats().Versions != 1 {
		t.Error("canceled modify must not publish a version")
	}
}

func TestRetire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []int64{1, 2, 3}, nil)
	s := f.store

	v1, _ := s.Modify(ctx, 0, 0, 2, persistent.Add[int64](1))
	v2, _ := s.Modify(ctx, v1, 0, 0, persistent.Add[int64](1))

	if err := s.Retire(ctx, v1); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}
	if err := s.Retire(ctx, v1); !errors.Is(err, xerrors.ErrUnknownVersion) {
		t.Fatalf("second Retire should fail, got %v", err)
	}
	if err := s.Retire(ctx, 42); !errors.Is(err, xerrors.ErrUnknownVersion) {
		t.Fatalf("Retire of unknown version should fail, got %v", err)
	}

	if _, err := s.Query(ctx, v1, 0, 2); !errors.Is(err, xerrors.ErrUnknownVersion) {
		t.Errorf("query on retired version: %v", err)
	}
	if _, err := s.Fork(ctx, v1); !errors.Is(err, xerrors.ErrUnknownVersion) {
		t.Errorf("fork of retired version: %v", err)
	}

	// 由退役版本派生的版本不受影响。
	agg, err := s.Query(ctx, v2, 0, 2)
	if err != nil || agg.Sum != 10 {
		t.Errorf("descendant query = %+v, %v", agg, err)
	}
	if st := s.Stats(); st.Retired != 1 || st.Versions != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestBatchQueryKeepsOrder(t *testing.T) {
	ctx := context.Background()
	values := make([]int64, 64)
	for i := range values {
		values[i] = int64(i)
	}
	f := newFixture(t, values, nil, WithBatchConcurrency(3))
	s := f.store

	v := persistent.VersionID(0)
	for i := 0; i < 10; i++ {
		var err error
		if v, err = s.Modify(ctx, v, i, 63-i, persistent.Add[int64](int64(i+1))); err != nil {
			t.Fatalf("Modify failed: %v", err)
		}
	}

	var reqs []QueryRequest
	for ver := 0; ver <= 10; ver++ {
		for _, rg := range [][2]int{{0, 63}, {5, 20}, {31, 31}} {
			reqs = append(reqs, QueryRequest{Version: persistent.VersionID(ver), Left: rg[0], Right: rg[1]})
		}
	}

	results, err := s.BatchQuery(ctx, reqs)
	if err != nil {
		t.Fatalf("BatchQuery failed: %v", err)
	}
	if len(results) != len(reqs) {
		t.Fatalf("got %d results for %d requests", len(results), len(reqs))
	}
	for i, req := range reqs {
		want, _ := s.Tree().Query(req.Version, req.Left, req.Right)
		if results[i] != want {
			t.Errorf("request %d %+v: got %+v, want %+v", i, req, results[i], want)
		}
	}
}

func TestBatchQueryFirstError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []int64{1, 2, 3, 4}, nil, WithBatchConcurrency(1))

	reqs := []QueryRequest{
		{Version: 0, Left: 0, Right: 3},
		{Version: 0, Left: 2, Right: 9},
		{Version: 0, Left: 1, Right: 1},
	}
	results, err := f.store.BatchQuery(ctx, reqs)
	if !errors.Is(err, xerrors.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if results != nil {
		t.Errorf("results should be nil on error, got %v", results)
	}
	if !strings.Contains(err.Error(), "request 1") {
		t.Errorf("error should name the failing request: %v", err)
	}
}

func TestQueryCache(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewBigCache(time.Minute, 8)
	if err != nil {
		t.Fatalf("NewBigCache failed: %v", err)
	}
	defer c.Close()

	f := newFixture(t, []int64{4, 8, 15, 16, 23, 42}, nil, WithCache(c, time.Minute))
	s := f.store

	first, err := s.Query(ctx, 0, 1, 4)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	second, err := s.Query(ctx, 0, 1, 4)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if first != second || first.Sum != 62 || first.Min != 8 || first.Max != 23 {
		t.Errorf("first %+v, second %+v", first, second)
	}

	if got := testutil.ToFloat64(f.metrics.cache.WithLabelValues("test", "hit")); got != 1 {
		t.Errorf("cache hits = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.cache.WithLabelValues("test", "miss")); got != 1 {
		t.Errorf("cache misses = %v", got)
	}
	if ok, _ := c.Exists(ctx, "test:0:1:4"); !ok {
		t.Error("result should be cached under test:0:1:4")
	}

	// 新版本使用新的键，旧结果不会串用。
	v1, _ := s.Modify(ctx, 0, 1, 4, persistent.Assign[int64](0))
	if agg, _ := s.Query(ctx, v1, 1, 4); agg.Sum != 0 {
		t.Errorf("v1 sum = %d", agg.Sum)
	}

	// 退役后即便缓存仍在也不可读。
	if err := s.Retire(ctx, 0); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}
	if _, err := s.Query(ctx, 0, 1, 4); !errors.Is(err, xerrors.ErrUnknownVersion) {
		t.Errorf("expected ErrUnknownVersion for retired cached version, got %v", err)
	}
}

func TestConcurrentCachedReads(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewBigCache(time.Minute, 8)
	if err != nil {
		t.Fatalf("NewBigCache failed: %v", err)
	}
	defer c.Close()
	f := newFixture(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, nil, WithCache(c, time.Minute))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				agg, err := f.store.Query(ctx, 0, 0, 7)
				if err != nil || agg.Sum != 36 {
					t.Errorf("Query = %+v, %v", agg, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestArenaPressureWarnsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []int64{0, 0, 0, 0, 0, 0, 0, 0},
		[]persistent.Option{persistent.WithMaxNodes(40)},
		WithArenaWarnRatio(0.5),
	)

	v := persistent.VersionID(0)
	for i := 0; i < 4; i++ {
		var err error
		if v, err = f.store.Set(ctx, v, i, int64(i)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	if n := strings.Count(f.logs.String(), "node arena under pressure"); n != 1 {
		t.Errorf("expected exactly one pressure warning, got %d\n%s", n, f.logs.String())
	}
}

func TestArenaPressureWarningCarriesTraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "ingest")
	defer span.End()

	f := newFixture(t, []int64{0, 0, 0, 0, 0, 0, 0, 0},
		[]persistent.Option{persistent.WithMaxNodes(40)},
		WithArenaWarnRatio(0.5),
	)
	v := persistent.VersionID(0)
	for i := 0; i < 4; i++ {
		var err error
		if v, err = f.store.Set(ctx, v, i, 1); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var warning, timing map[string]any
	for _, line := range strings.Split(strings.TrimSpace(f.logs.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		switch rec["msg"] {
		case "node arena under pressure":
			warning = rec
		case "pstree.modify finished":
			timing = rec
		}
	}
	if warning == nil || timing == nil {
		t.Fatalf("missing log records in\n%s", f.logs.String())
	}
	want := span.SpanContext().TraceID().String()
	if warning["trace_id"] != want {
		t.Errorf("warning trace_id = %v, want %s", warning["trace_id"], want)
	}
	if timing["store"] != "test" || timing["duration"] == nil || timing["trace_id"] != want {
		t.Errorf("unexpected timing record %v", timing)
	}
}

func TestOpenFromConfig(t *testing.T) {
	ctx := context.Background()
	s, err := Open[int64]("cfg", persistent.Numeric[int64]{},
		config.TreeConfig{DomainSize: 5, Origin: 1},
		config.StoreConfig{CacheEnabled: true, CacheTTL: time.Minute, CacheMaxMB: 8, BatchConcurrency: 2},
		WithLogger(logging.NewLogger("pstree", "test", "error")),
	)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	v0, err := s.CreateInitialVersion(ctx, []int64{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("CreateInitialVersion failed: %v", err)
	}
	if agg, err := s.Query(ctx, v0, 1, 5); err != nil || agg.Sum != 15 {
		t.Errorf("Query = %+v, %v", agg, err)
	}
	empty, err := s.CreateEmptyVersion(ctx)
	if err != nil {
		t.Fatalf("CreateEmptyVersion failed: %v", err)
	}
	if agg, _ := s.Query(ctx, empty, 1, 5); agg.Sum != 0 || agg.Len != 5 {
		t.Errorf("empty version aggregate %+v", agg)
	}

	if _, err := Open[int64]("bad", persistent.Numeric[int64]{}, config.TreeConfig{}, config.StoreConfig{}); !errors.Is(err, xerrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty domain, got %v", err)
	}
}
