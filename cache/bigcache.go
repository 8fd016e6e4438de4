package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3" // 导入高性能本地缓存库

	"github.com/wyfcoding/pstree/xerrors"
)

var _ Cache = (*BigCache)(nil)

// BigCache 实现了 `Cache` 接口，使用 `allegro/bigcache` 作为底层存储。
// 历史版本一经创建便不再变化，因此按 (版本, 区间) 缓存的聚合结果永远不需要失效，只受 TTL 与容量淘汰。
type BigCache struct {
	cache *bigcache.BigCache // 底层的BigCache实例
}

// NewBigCache 创建并返回一个新的 BigCache 实例。
// ttl: 缓存项的全局过期时间。BigCache对所有项统一设置过期时间。
// maxMB: 缓存的最大容量（单位MB），0 表示不限。
func NewBigCache(ttl time.Duration, maxMB int) (*BigCache, error) {
	if ttl <= 0 {
		return nil, xerrors.ErrInvalidInput.Clone().WithDetail("cache ttl must be positive, got %s", ttl)
	}

	config := bigcache.DefaultConfig(ttl)
	config.HardMaxCacheSize = maxMB
	config.CleanWindow = min(ttl, 5*time.Minute) // 过期项的清理周期。

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("初始化 bigcache 失败: %w", err)
	}

	return &BigCache{cache: cache}, nil
}

// Get 从BigCache中获取指定键的值。
// value 参数必须是一个指针，缓存的数据会反序列化到其中。
func (c *BigCache) Get(_ context.Context, key string, value any) error {
	data, err := c.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return xerrors.ErrCacheMiss.Clone().WithContext("key", key)
		}
		return err
	}
	return json.Unmarshal(data, value)
}

// Set 将一个键值对设置到BigCache中。
// BigCache不支持逐键过期，expiration 参数被忽略，统一使用 NewBigCache 的 TTL。
func (c *BigCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.cache.Set(key, data)
}

// Delete 从BigCache中删除一个或多个键，键不存在不视为错误。
func (c *BigCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if err := c.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return err
		}
	}
	return nil
}

// Exists 检查BigCache中是否存在指定的键。
func (c *BigCache) Exists(_ context.Context, key string) (bool, error) {
	_, err := c.cache.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return false, nil
	}
	return false, err
}

// Len 当前缓存的条目数。
func (c *BigCache) Len() int {
	return c.cache.Len()
}

// Close 关闭BigCache实例，释放其占用的资源。
func (c *BigCache) Close() error {
	return c.cache.Close()
}
