package service

import (
	"sync"
	"time"
)

// ============================================================================
// 余额缓存
// ============================================================================
//
// 进程内的派生缓存，归账本服务实例所有（不是进程级单例）。
// 缓存命中要同时满足两个条件：
//  1. 未过期（TTL）
//  2. 用户当前的流水条数与写入时的指纹一致 —— 条数变了说明这期间
//     有写操作落库，缓存值必须作废重算
//
// 缓存整体可丢弃：进程重启、全部清空都不影响正确性，只多一次重算

// balanceCacheEntry 单个用户的缓存项
type balanceCacheEntry struct {
	balance    int64
	computedAt time.Time
	txCount    int64 // 写入时该用户的流水条数（指纹）
}

// BalanceCache 按用户缓存余额
type BalanceCache struct {
	mu      sync.RWMutex
	entries map[string]balanceCacheEntry
	ttl     time.Duration
}

func NewBalanceCache(ttl time.Duration) *BalanceCache {
	return &BalanceCache{
		entries: make(map[string]balanceCacheEntry),
		ttl:     ttl,
	}
}

// Get 读取缓存值
// txCount 为用户当前的流水条数，与指纹不一致时视为未命中
func (c *BalanceCache) Get(account string, txCount int64) (int64, bool) {
	c.mu.RLock()
	entry, ok := c.entries[account]
	c.mu.RUnlock()

	if !ok {
		return 0, false
	}
	if time.Since(entry.computedAt) > c.ttl {
		return 0, false
	}
	if entry.txCount != txCount {
		return 0, false
	}
	return entry.balance, true
}

// Set 写入缓存值
// 并发重算时后写者覆盖先写者即可：值总是从代币表新鲜算出的，谁后写都对
func (c *BalanceCache) Set(account string, balance int64, txCount int64) {
	c.mu.Lock()
	c.entries[account] = balanceCacheEntry{
		balance:    balance,
		computedAt: time.Now(),
		txCount:    txCount,
	}
	c.mu.Unlock()
}

// Invalidate 作废某账户的缓存（任何涉及该账户的写提交后调用）
func (c *BalanceCache) Invalidate(accounts ...string) {
	c.mu.Lock()
	for _, account := range accounts {
		delete(c.entries, account)
	}
	c.mu.Unlock()
}

// Len 当前缓存条数（监控/测试用）
func (c *BalanceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
