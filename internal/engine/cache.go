package engine

import (
	"sync"
	"time"

	"go-dm/internal/metrics"
	"go-dm/internal/models"
)

// MessageCache 缓存每个会话最近一次拉取的最新窗口，避免快速切换
// 视图时的重复回源。只缓存"最新页"：分页请求永远直接回源。
// 时钟可注入以便测试 TTL 行为；条目按 TTL 惰性过期。
// 多个同时打开的会话视图共享同一实例，条目按会话键独立失效。
type MessageCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	window    []*models.Message
	hasMore   bool
	fetchedAt time.Time
}

func NewMessageCache(ttl time.Duration, now func() time.Time) *MessageCache {
	if now == nil {
		now = time.Now
	}
	return &MessageCache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

// Get 返回未过期的缓存窗口；返回的消息为拷贝，调用方可安全修改。
func (c *MessageCache) Get(convID string) ([]*models.Message, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[convID]
	if !ok || c.now().Sub(e.fetchedAt) > c.ttl {
		if ok {
			delete(c.entries, convID)
		}
		metrics.WindowCacheTotal.WithLabelValues("miss").Inc()
		return nil, false, false
	}
	metrics.WindowCacheTotal.WithLabelValues("hit").Inc()
	return cloneWindow(e.window), e.hasMore, true
}

// Put 以当前时间存入窗口拷贝。
func (c *MessageCache) Put(convID string, window []*models.Message, hasMore bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[convID] = cacheEntry{window: cloneWindow(window), hasMore: hasMore, fetchedAt: c.now()}
}

// Invalidate 丢弃该会话的最新窗口条目（历史页不缓存，无需处理）。
func (c *MessageCache) Invalidate(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, convID)
}

func cloneWindow(window []*models.Message) []*models.Message {
	out := make([]*models.Message, len(window))
	for i, m := range window {
		out[i] = m.Clone()
	}
	return out
}
