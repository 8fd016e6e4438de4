package persistent

import "fmt"

// TagKind 懒标记的种类。
type TagKind uint8

const (
	// TagNone 无待下传的更新。
	TagNone TagKind = iota
	// TagAdd 区间内每个位置加上 Value。
	TagAdd
	// TagAssign 区间内每个位置赋值为 Value。
	TagAssign
)

func (k TagKind) String() string {
	switch k {
	case TagNone:
		return "none"
	case TagAdd:
		return "add"
	case TagAssign:
		return "assign"
	default:
		return fmt.Sprintf("TagKind(%d)", uint8(k))
	}
}

// Tag 延迟更新。同一个结构既描述一次修改请求，也作为节点上的懒标记。
type Tag[V any] struct {
	Kind  TagKind
	Value V
}

// Add 构造区间加标记。
func Add[V any](delta V) Tag[V] {
	return Tag[V]{Kind: TagAdd, Value: delta}
}

// Assign 构造区间赋值标记。
func Assign[V any](value V) Tag[V] {
	return Tag[V]{Kind: TagAssign, Value: value}
}

func (t Tag[V]) String() string {
	if t.Kind == TagNone {
		return "none"
	}
	return fmt.Sprintf("%s(%v)", t.Kind, t.Value)
}

func (k TagKind) valid() bool {
	return k <= TagAssign
}

// applyTag 在 O(1) 内把标记作用到一个区间聚合值上，区间长度取自 agg.Len。
func applyTag[V any](alg Algebra[V], agg Aggregate[V], t Tag[V]) Aggregate[V] {
	switch t.Kind {
	case TagNone:
		return agg
	case TagAdd:
		agg.Sum = alg.Add(agg.Sum, alg.Scale(t.Value, agg.Len))
		agg.Min = alg.Add(agg.Min, t.Value)
		agg.Max = alg.Add(agg.Max, t.Value)
		return agg
	case TagAssign:
		agg.Sum = alg.Scale(t.Value, agg.Len)
		agg.Min = t.Value
		agg.Max = t.Value
		return agg
	default:
		panic(fmt.Sprintf("persistent: unknown tag kind %d", t.Kind))
	}
}

// composeTags 把较新的 incoming 叠加到已有的 existing 之上，结果等价于先 existing 后 incoming。
//
//	existing \ incoming | None      | Add(d)      | Assign(x)
//	None                | None      | Add(d)      | Assign(x)
//	Add(a)              | Add(a)    | Add(a+d)    | Assign(x)
//	Assign(y)           | Assign(y) | Assign(y+d) | Assign(x)
func composeTags[V any](alg Algebra[V], existing, incoming Tag[V]) Tag[V] {
	switch incoming.Kind {
	case TagNone:
		return existing
	case TagAssign:
		return incoming
	case TagAdd:
		switch existing.Kind {
		case TagNone:
			return incoming
		case TagAdd:
			return Add(alg.Add(existing.Value, incoming.Value))
		case TagAssign:
			return Assign(alg.Add(existing.Value, incoming.Value))
		}
	}
	panic(fmt.Sprintf("persistent: cannot compose %s with %s", existing.Kind, incoming.Kind))
}
