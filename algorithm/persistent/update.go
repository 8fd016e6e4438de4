package persistent

// own 取得一个可写的节点副本：
//   - 空节点物化为长度 length 的全零节点；
//   - 本次操作新分配的节点直接复用；
//   - 其余节点可能已被某个版本引用，必须克隆。
func (w *writer[V]) own(i NodeIndex, length int) (NodeIndex, error) {
	switch {
	case i == nullNode:
		j, err := w.arena.allocate()
		if err != nil {
			return nullNode, err
		}
		w.arena.at(j).agg = zeroAggregate(w.alg, length)
		return j, nil
	case i >= w.mark:
		return i, nil
	default:
		return w.arena.clone(i)
	}
}

func (w *writer[V]) aggregateOf(i NodeIndex, length int) Aggregate[V] {
	if i == nullNode {
		return zeroAggregate(w.alg, length)
	}
	return w.arena.at(i).agg
}

// update 在以 i 为根、覆盖 [l, r] 的子树上对 [jobL, jobR] 施加 tag，返回新子树根。
// 旧子树保持不变；只有路径上的节点被复制，未触及的子树按下标共享。
func (w *writer[V]) update(i NodeIndex, l, r, jobL, jobR int, tag Tag[V]) (NodeIndex, error) {
	cur, err := w.own(i, r-l+1)
	if err != nil {
		return nullNode, err
	}
	n := w.arena.at(cur)

	if jobL <= l && r <= jobR {
		n.agg = applyTag(w.alg, n.agg, tag)
		if l < r {
			n.pending = composeTags(w.alg, n.pending, tag)
		}
		return cur, nil
	}

	if err := w.pushDown(cur, l, r); err != nil {
		return nullNode, err
	}

	mid := l + (r-l)/2
	if jobL <= mid {
		left, err := w.update(n.left, l, mid, jobL, jobR, tag)
		if err != nil {
			return nullNode, err
		}
		n.left = left
	}
	if jobR > mid {
		right, err := w.update(n.right, mid+1, r, jobL, jobR, tag)
		if err != nil {
			return nullNode, err
		}
		n.right = right
	}

	n.agg = combine(w.alg, w.aggregateOf(n.left, mid-l+1), w.aggregateOf(n.right, r-mid))
	return cur, nil
}

// pushDown 把可写节点 i 上的懒标记下传。
// 两个子节点都要先克隆再接收标记：原子节点仍被其他版本引用，而未被本次更新触及的一侧
// 同样必须拿到标记，否则该标记会在清空父节点时丢失。
func (w *writer[V]) pushDown(i NodeIndex, l, r int) error {
	n := w.arena.at(i)
	if n.pending.Kind == TagNone {
		return nil
	}

	mid := l + (r-l)/2
	left, err := w.adopt(n.left, l, mid, n.pending)
	if err != nil {
		return err
	}
	right, err := w.adopt(n.right, mid+1, r, n.pending)
	if err != nil {
		return err
	}

	n.left, n.right = left, right
	n.pending = Tag[V]{}
	return nil
}

// adopt 取得子节点的可写副本并把父节点的标记落在副本上。
func (w *writer[V]) adopt(i NodeIndex, l, r int, tag Tag[V]) (NodeIndex, error) {
	c, err := w.own(i, r-l+1)
	if err != nil {
		return nullNode, err
	}
	cn := w.arena.at(c)
	cn.agg = applyTag(w.alg, cn.agg, tag)
	if l < r {
		cn.pending = composeTags(w.alg, cn.pending, tag)
	}
	return c, nil
}
