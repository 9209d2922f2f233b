package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ShardManager keeps one independently bounded Cache per tenant. Shards are
// created lazily on first use and never share keyspace or budget, so a noisy
// tenant cannot evict another tenant's entries.
type ShardManager[V any] struct {
	mu       sync.RWMutex
	shards   map[string]*Cache[V]
	shardMax int
}

type Stats struct {
	TenantCount  int
	TotalEntries int
	PerTenant    map[string]int
}

// NewShardManager returns a manager whose shards each hold at most shardMax
// entries.
func NewShardManager[V any](shardMax int) *ShardManager[V] {
	return &ShardManager[V]{
		shards:   make(map[string]*Cache[V]),
		shardMax: shardMax,
	}
}

// Shard returns the tenant's cache, creating it on first use.
func (m *ShardManager[V]) Shard(tenantID string) *Cache[V] {
	m.mu.RLock()
	s, ok := m.shards[tenantID]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[tenantID]; ok {
		return s
	}
	s = New[V](m.shardMax)
	m.shards[tenantID] = s
	return s
}

func (m *ShardManager[V]) Set(tenantID, key string, value V, ttl time.Duration) {
	m.Shard(tenantID).Set(key, value, ttl)
}

func (m *ShardManager[V]) Get(tenantID, key string) (V, bool) {
	return m.Shard(tenantID).Get(key)
}

func (m *ShardManager[V]) Delete(tenantID, key string) {
	m.Shard(tenantID).Delete(key)
}

func (m *ShardManager[V]) Values(tenantID string) []V {
	return m.Shard(tenantID).Values()
}

func (m *ShardManager[V]) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Stats{PerTenant: make(map[string]int, len(m.shards))}
	for tenant, s := range m.shards {
		n := s.Len()
		out.PerTenant[tenant] = n
		out.TotalEntries += n
	}
	out.TenantCount = len(m.shards)
	return out
}

// Tenants returns the known tenant ids in stable order.
func (m *ShardManager[V]) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.shards))
	for tenant := range m.shards {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}

// SweepAll sweeps every shard once.
func (m *ShardManager[V]) SweepAll() int {
	m.mu.RLock()
	shards := make([]*Cache[V], 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.RUnlock()
	removed := 0
	for _, s := range shards {
		removed += s.Sweep()
	}
	return removed
}

// StartSweeper sweeps all shards on the given interval until ctx is done.
func (m *ShardManager[V]) StartSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SweepAll()
		}
	}
}
