package persistent

import "github.com/shopspring/decimal"

// Algebra 描述值类型 V 上容器需要的全部运算。
// 引擎本身不假设 V 是内置数值，金额等精确小数通过 DecimalAlgebra 接入。
type Algebra[V any] interface {
	Zero() V
	Add(a, b V) V
	// Scale 返回 n 个 a 之和，用于计算区间加/区间赋值对区间和的影响。
	Scale(a V, n int) V
	Less(a, b V) bool
}

// Number 可直接作为区间值的内置数值类型。
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Numeric 内置数值类型的 Algebra 实现。
type Numeric[V Number] struct{}

func (Numeric[V]) Zero() V {
	var zero V
	return zero
}

func (Numeric[V]) Add(a, b V) V { return a + b }

func (Numeric[V]) Scale(a V, n int) V { return a * V(n) }

func (Numeric[V]) Less(a, b V) bool { return a < b }

// DecimalAlgebra 基于 shopspring/decimal 的精确小数运算，适用于金额、成交量等不可丢精度的统计。
type DecimalAlgebra struct{}

func (DecimalAlgebra) Zero() decimal.Decimal { return decimal.Zero }

func (DecimalAlgebra) Add(a, b decimal.Decimal) decimal.Decimal { return a.Add(b) }

func (DecimalAlgebra) Scale(a decimal.Decimal, n int) decimal.Decimal {
	return a.Mul(decimal.NewFromInt(int64(n)))
}

func (DecimalAlgebra) Less(a, b decimal.Decimal) bool { return a.LessThan(b) }

// Aggregate 一个区间的聚合值。
// 一次遍历同时维护和、最小值、最大值与长度，同一棵树即可回答区间和、区间最值与计数查询。
type Aggregate[V any] struct {
	Sum V   `json:"sum"`
	Min V   `json:"min"`
	Max V   `json:"max"`
	Len int `json:"len"`
}

func leafAggregate[V any](v V) Aggregate[V] {
	return Aggregate[V]{Sum: v, Min: v, Max: v, Len: 1}
}

// zeroAggregate 长度为 n、所有位置均为零值的区间聚合，用于读取尚未物化的空子树。
func zeroAggregate[V any](alg Algebra[V], n int) Aggregate[V] {
	z := alg.Zero()
	return Aggregate[V]{Sum: z, Min: z, Max: z, Len: n}
}

// combine 合并两个相邻区间的聚合值。
func combine[V any](alg Algebra[V], a, b Aggregate[V]) Aggregate[V] {
	out := Aggregate[V]{
		Sum: alg.Add(a.Sum, b.Sum),
		Min: a.Min,
		Max: a.Max,
		Len: a.Len + b.Len,
	}
	if alg.Less(b.Min, a.Min) {
		out.Min = b.Min
	}
	if alg.Less(a.Max, b.Max) {
		out.Max = b.Max
	}
	return out
}
