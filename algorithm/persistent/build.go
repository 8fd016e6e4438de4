package persistent

// writer 一次写操作的上下文。
// 下标不小于 mark 的节点由本次操作分配、尚未发布，可以原地修改；更早的节点一律先克隆再写。
type writer[V any] struct {
	alg   Algebra[V]
	arena *arena[V]
	mark  NodeIndex
}

// build 以 [l, r] 为区间自底向上建树，返回子树根。叶子存 values[l]，内部节点存子节点聚合。
func (w *writer[V]) build(values []V, l, r int) (NodeIndex, error) {
	idx, err := w.arena.allocate()
	if err != nil {
		return nullNode, err
	}
	if l == r {
		w.arena.at(idx).agg = leafAggregate(values[l])
		return idx, nil
	}

	mid := l + (r-l)/2
	left, err := w.build(values, l, mid)
	if err != nil {
		return nullNode, err
	}
	right, err := w.build(values, mid+1, r)
	if err != nil {
		return nullNode, err
	}

	n := w.arena.at(idx)
	n.left, n.right = left, right
	n.agg = combine(w.alg, w.arena.at(left).agg, w.arena.at(right).agg)
	return idx, nil
}
