package persistent

import (
	"sync/atomic"

	"github.com/wyfcoding/pstree/xerrors"
)

// NodeIndex 节点在节点池中的下标。0 号为空节点，表示全零且尚未物化的子树。
type NodeIndex int

const nullNode NodeIndex = 0

// node 线段树节点。覆盖的区间 [l, r] 不存储，遍历时由递归边界推出。
type node[V any] struct {
	left, right NodeIndex
	agg         Aggregate[V]
	pending     Tag[V] // 已计入 agg、尚未下传给子节点的更新。
}

// arena 只增不减的节点池。
// 节点按固定大小的块分配，块一经分配就不再移动：写者扩容不会让读者手里的节点失效，
// 读者只需原子地取一次块目录快照即可无锁遍历。
type arena[V any] struct {
	chunks    atomic.Pointer[[][]node[V]]
	size      atomic.Int64 // 已分配节点数（含 0 号空节点），只有写者修改。
	chunkBits uint
	chunkMask int
	maxNodes  int // 0 表示不设上限。
}

func newArena[V any](chunkBits uint, maxNodes int) *arena[V] {
	a := &arena[V]{
		chunkBits: chunkBits,
		chunkMask: 1<<chunkBits - 1,
		maxNodes:  maxNodes,
	}
	dir := [][]node[V]{make([]node[V], 1<<chunkBits)}
	a.chunks.Store(&dir)
	a.size.Store(1)
	return a
}

func (a *arena[V]) directory() [][]node[V] {
	return *a.chunks.Load()
}

// at 返回节点指针。块不移动，因此指针在之后的分配中始终有效。
func (a *arena[V]) at(i NodeIndex) *node[V] {
	dir := a.directory()
	return &dir[int(i)>>a.chunkBits][int(i)&a.chunkMask]
}

// reserve 占用下一个槽位，必要时追加一个新块并发布新的块目录。
func (a *arena[V]) reserve() (NodeIndex, error) {
	size := int(a.size.Load())
	if a.maxNodes > 0 && size-1 >= a.maxNodes {
		return nullNode, xerrors.ErrResourceExhausted.Clone().WithContext("max_nodes", a.maxNodes)
	}

	dir := a.directory()
	if size>>a.chunkBits >= len(dir) {
		next := make([][]node[V], len(dir), len(dir)+1)
		copy(next, dir)
		next = append(next, make([]node[V], 1<<a.chunkBits))
		a.chunks.Store(&next)
	}

	a.size.Store(int64(size + 1))
	return NodeIndex(size), nil
}

// allocate 分配一个零值节点。
func (a *arena[V]) allocate() (NodeIndex, error) {
	i, err := a.reserve()
	if err != nil {
		return nullNode, err
	}
	*a.at(i) = node[V]{}
	return i, nil
}

// clone 分配一个新节点并复制 src 的全部字段（写时复制）。
func (a *arena[V]) clone(src NodeIndex) (NodeIndex, error) {
	i, err := a.reserve()
	if err != nil {
		return nullNode, err
	}
	*a.at(i) = *a.at(src)
	return i, nil
}

// mark 返回下一个将被分配的下标。
func (a *arena[V]) mark() NodeIndex {
	return NodeIndex(a.size.Load())
}

// truncate 丢弃 mark 之后分配的节点。
// 只能用于从未被任何已发布版本引用的节点，即写操作失败后的回滚。
func (a *arena[V]) truncate(mark NodeIndex) {
	if int64(mark) < a.size.Load() {
		a.size.Store(int64(mark))
	}
}

// len 已分配的有效节点数，不含 0 号空节点。
func (a *arena[V]) len() int {
	return int(a.size.Load()) - 1
}
