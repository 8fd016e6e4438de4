package persistent

// reader 只读遍历。持有一次性取得的块目录快照，不加锁，也从不修改节点。
type reader[V any] struct {
	alg  Algebra[V]
	dir  [][]node[V]
	bits uint
	mask int
}

func (rd *reader[V]) at(i NodeIndex) *node[V] {
	return &rd.dir[int(i)>>rd.bits][int(i)&rd.mask]
}

// query 返回 [jobL, jobR] 与 [l, r] 交集的聚合值。
// 写路径只在必须下探时才下传标记，祖先上的标记可能尚未反映在子节点中；
// acc 是沿途祖先标记按由旧到新的顺序合成的结果，对完全覆盖的节点即时补算。
func (rd *reader[V]) query(i NodeIndex, l, r, jobL, jobR int, acc Tag[V]) Aggregate[V] {
	if jobL <= l && r <= jobR {
		if i == nullNode {
			return applyTag(rd.alg, zeroAggregate(rd.alg, r-l+1), acc)
		}
		return applyTag(rd.alg, rd.at(i).agg, acc)
	}

	n := rd.at(i)
	below := composeTags(rd.alg, n.pending, acc)
	mid := l + (r-l)/2
	switch {
	case jobR <= mid:
		return rd.query(n.left, l, mid, jobL, jobR, below)
	case jobL > mid:
		return rd.query(n.right, mid+1, r, jobL, jobR, below)
	default:
		return combine(rd.alg,
			rd.query(n.left, l, mid, jobL, jobR, below),
			rd.query(n.right, mid+1, r, jobL, jobR, below),
		)
	}
}
