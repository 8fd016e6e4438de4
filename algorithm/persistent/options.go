package persistent

import (
	"math/bits"

	"github.com/wyfcoding/pstree/xerrors"
)

// DefaultChunkSize 节点池每块的默认节点数。
const DefaultChunkSize = 1 << 12

// Option 容器构造选项。
type Option func(*options)

type options struct {
	origin    int
	chunkSize int
	maxNodes  int
}

// WithOrigin 设置下标域的起点，默认 0。传 1 即可按 1-indexed 方式调用。
func WithOrigin(origin int) Option {
	return func(o *options) {
		o.origin = origin
	}
}

// WithChunkSize 设置节点池每块的节点数，必须是 2 的幂。
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithMaxNodes 设置节点池硬上限（不含空节点），超过后写操作返回 ErrResourceExhausted。0 表示不限。
// 预算可按 版本数 × log2(域大小) × 4 估算。
func WithMaxNodes(n int) Option {
	return func(o *options) {
		o.maxNodes = n
	}
}

func (o *options) chunkBits() (uint, error) {
	if o.chunkSize <= 0 || o.chunkSize&(o.chunkSize-1) != 0 {
		return 0, xerrors.ErrInvalidInput.Clone().WithDetail("chunk size must be a positive power of 2, got %d", o.chunkSize)
	}
	return uint(bits.TrailingZeros(uint(o.chunkSize))), nil
}
