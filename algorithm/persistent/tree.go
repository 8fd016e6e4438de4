// Package persistent 可持久化（多版本）线段树。
// 每次修改只复制受影响路径上的 O(log n) 个节点并产生一个新版本，历史版本永久可查且互不影响。
// 适用于：历史版本区间统计、区间第 K 小（配合离散化）、按时间回溯的账户/库存快照等。
package persistent

import (
	"sync"

	"github.com/wyfcoding/pstree/xerrors"
)

// Tree 多版本区间容器。
// 写操作（建版本、修改、分叉）由互斥锁串行化；查询不加锁，可与写操作及其他查询任意并发。
type Tree[V any] struct {
	mu       sync.Mutex
	alg      Algebra[V]
	arena    *arena[V]
	versions *versionTable
	n        int // 下标域大小。
	origin   int // 下标域起点，对外下标范围为 [origin, origin+n)。
	maxNodes int
}

// Stats 容器的资源占用快照。
type Stats struct {
	Nodes      int `json:"nodes"`       // 节点池中已分配的节点数。
	Versions   int `json:"versions"`    // 已创建的版本数。
	DomainSize int `json:"domain_size"` // 下标域大小。
	MaxNodes   int `json:"max_nodes"`   // 节点池上限，0 表示不限。
}

// NewTree 创建一个下标域大小为 n、尚无任何版本的容器。
func NewTree[V any](alg Algebra[V], n int, opts ...Option) (*Tree[V], error) {
	o := options{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}

	if alg == nil {
		return nil, xerrors.ErrInvalidInput.Clone().WithDetail("algebra must not be nil")
	}
	if n <= 0 {
		return nil, xerrors.ErrInvalidInput.Clone().WithDetail("domain size must be positive, got %d", n)
	}
	if o.maxNodes < 0 {
		return nil, xerrors.ErrInvalidInput.Clone().WithDetail("max nodes must be non-negative, got %d", o.maxNodes)
	}
	chunkBits, err := o.chunkBits()
	if err != nil {
		return nil, err
	}

	return &Tree[V]{
		alg:      alg,
		arena:    newArena[V](chunkBits, o.maxNodes),
		versions: newVersionTable(),
		n:        n,
		origin:   o.origin,
		maxNodes: o.maxNodes,
	}, nil
}

// New 以 values 建立容器，并把它作为版本 0。
func New[V any](alg Algebra[V], values []V, opts ...Option) (*Tree[V], error) {
	t, err := NewTree(alg, len(values), opts...)
	if err != nil {
		return nil, err
	}
	if _, err := t.CreateInitialVersion(values); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree[V]) newWriter() *writer[V] {
	return &writer[V]{alg: t.alg, arena: t.arena, mark: t.arena.mark()}
}

func (t *Tree[V]) newReader() *reader[V] {
	return &reader[V]{
		alg:  t.alg,
		dir:  t.arena.directory(),
		bits: t.arena.chunkBits,
		mask: t.arena.chunkMask,
	}
}

// CreateInitialVersion 用 values 在 O(n) 内建立一个全新的版本，len(values) 必须等于域大小。
func (t *Tree[V]) CreateInitialVersion(values []V) (VersionID, error) {
	if len(values) != t.n {
		return 0, xerrors.ErrInvalidInput.Clone().WithDetail("expected %d values, got %d", t.n, len(values))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.newWriter()
	root, err := w.build(values, 0, t.n-1)
	if err != nil {
		t.arena.truncate(w.mark)
		return 0, err
	}
	return t.versions.publish(root), nil
}

// CreateEmptyVersion 建立一个所有位置均为零值的版本，不分配任何节点。
// 子树在第一次被写入时才物化，适合作为计数树（主席树）的初始版本。
func (t *Tree[V]) CreateEmptyVersion() VersionID {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.versions.publish(nullNode)
}

// Modify 在版本 v 的基础上对 [l, r] 施加 tag，返回新版本号；版本 v 本身保持不变。
// TagNone 不改变任何值，等价于 Fork。
func (t *Tree[V]) Modify(v VersionID, l, r int, tag Tag[V]) (VersionID, error) {
	if !tag.Kind.valid() {
		return 0, xerrors.ErrInvalidInput.Clone().WithDetail("unknown tag kind %d", tag.Kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := lookupRoot(t.versions.snapshot(), v)
	if err != nil {
		return 0, err
	}
	if err := t.checkRange(l, r); err != nil {
		return 0, err
	}
	if tag.Kind == TagNone {
		return t.versions.publish(root), nil
	}

	w := t.newWriter()
	newRoot, err := w.update(root, 0, t.n-1, l-t.origin, r-t.origin, tag)
	if err != nil {
		t.arena.truncate(w.mark)
		return 0, err
	}
	return t.versions.publish(newRoot), nil
}

// Set 单点赋值，即 [pos, pos] 上的 Assign。
func (t *Tree[V]) Set(v VersionID, pos int, value V) (VersionID, error) {
	return t.Modify(v, pos, pos, Assign(value))
}

// Fork 为版本 v 创建一个别名版本。O(1)，不分配节点。
func (t *Tree[V]) Fork(v VersionID) (VersionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := lookupRoot(t.versions.snapshot(), v)
	if err != nil {
		return 0, err
	}
	return t.versions.publish(root), nil
}

// Query 返回版本 v 中 [l, r] 的聚合值。不加锁，不修改任何节点。
func (t *Tree[V]) Query(v VersionID, l, r int) (Aggregate[V], error) {
	// 先取根快照再取块目录：写者总是先发布块目录再发布根，因此目录一定覆盖根可达的全部节点。
	root, err := lookupRoot(t.versions.snapshot(), v)
	if err != nil {
		return Aggregate[V]{}, err
	}
	if err := t.checkRange(l, r); err != nil {
		return Aggregate[V]{}, err
	}

	rd := t.newReader()
	return rd.query(root, 0, t.n-1, l-t.origin, r-t.origin, Tag[V]{}), nil
}

// Get 返回版本 v 中 pos 位置的值。
func (t *Tree[V]) Get(v VersionID, pos int) (V, error) {
	agg, err := t.Query(v, pos, pos)
	if err != nil {
		var zero V
		return zero, err
	}
	return agg.Sum, nil
}

// Latest 返回最近创建的版本号；尚无版本时 ok 为 false。
func (t *Tree[V]) Latest() (v VersionID, ok bool) {
	roots := t.versions.snapshot()
	if len(roots) == 0 {
		return 0, false
	}
	return VersionID(len(roots) - 1), true
}

// Versions 已创建的版本数。
func (t *Tree[V]) Versions() int {
	return len(t.versions.snapshot())
}

// Size 下标域大小。
func (t *Tree[V]) Size() int {
	return t.n
}

// Origin 下标域起点。
func (t *Tree[V]) Origin() int {
	return t.origin
}

// Stats 返回资源占用快照。
func (t *Tree[V]) Stats() Stats {
	return Stats{
		Nodes:      t.arena.len(),
		Versions:   t.Versions(),
		DomainSize: t.n,
		MaxNodes:   t.maxNodes,
	}
}

func (t *Tree[V]) checkRange(l, r int) error {
	if l > r {
		return xerrors.ErrInvalidRange.Clone().WithContext("left", l).WithContext("right", r)
	}
	if l < t.origin || r >= t.origin+t.n {
		return xerrors.ErrIndexOutOfRange.Clone().
			WithContext("left", l).
			WithContext("right", r).
			WithDetail("domain is [%d, %d]", t.origin, t.origin+t.n-1)
	}
	return nil
}
