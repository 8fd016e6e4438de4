// Package cache 定义查询结果缓存的抽象，并提供基于 bigcache 的本地实现。
package cache

import (
	"context"
	"time"
)

// Cache 键值缓存接口，值以 JSON 编码保存。
// Get 在键不存在时返回 xerrors.ErrCacheMiss。
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}
