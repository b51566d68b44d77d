// Package engine 实现两人会话的消息同步引擎：把本地乐观发送、存储端确认
// 与实时推送事件三路异步来源，调和为一份有序去重的可见消息列表，并提供
// 向前分页、最新窗口缓存与批量已读。
package engine

import (
	"context"
	"fmt"
	"time"

	"go-dm/internal/models"
	"go-dm/internal/store"
)

// Engine 是会话同步引擎的工厂：持有存储边界、共享的最新窗口缓存与
// 引擎参数。每个打开的会话视图对应一个 Session。
type Engine struct {
	store      store.MessageStoreInterface
	cache      *MessageCache
	pageSize   int
	echoWindow time.Duration
	now        func() time.Time
}

// Options 的零值各项取默认：页大小 50、缓存 TTL 5 分钟、回显兜底窗口 10 秒。
// Now 可注入假时钟供测试。
type Options struct {
	PageSize   int
	CacheTTL   time.Duration
	EchoWindow time.Duration
	Now        func() time.Time
}

func New(st store.MessageStoreInterface, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:      st,
		cache:      NewMessageCache(opts.CacheTTL, opts.Now),
		pageSize:   opts.PageSize,
		echoWindow: opts.EchoWindow,
		now:        opts.Now,
	}
}

// Cache 暴露共享缓存（网关在会话外部失效时使用）。
func (e *Engine) Cache() *MessageCache { return e.cache }

// Open 打开 selfID 与 peerID 之间的会话：
// 1) 命中未过期的最新窗口缓存则直接使用，否则回源拉最新一页并写缓存
// 2) 先订阅会话通道再拉取，订阅与拉取窗口期的重叠事件由去重逻辑消化
// 3) 返回的 Session 持有订阅，Close 负责退订
// 拉取失败时不留下任何部分状态（订阅同步回收，缓存不写入）。
func (e *Engine) Open(ctx context.Context, selfID, peerID string) (*Session, error) {
	if selfID == "" || peerID == "" || selfID == peerID {
		return nil, fmt.Errorf("invalid participants: self=%q peer=%q", selfID, peerID)
	}
	convID := models.ConvID(selfID, peerID)

	sub, err := e.store.Subscribe(ctx, convID)
	if err != nil {
		return nil, err
	}

	window, hasMore, ok := e.cache.Get(convID)
	if !ok {
		window, hasMore, err = e.loadLatest(ctx, selfID, peerID)
		if err != nil {
			_ = sub.Close()
			return nil, err
		}
		e.cache.Put(convID, window, hasMore)
	}

	s := newSession(e, convID, selfID, peerID, window, hasMore, sub)
	go s.runEvents()
	return s, nil
}

// loadLatest 拉取最新一页：多取一条探测是否还有更早历史，
// 截断后反转为时间升序。
func (e *Engine) loadLatest(ctx context.Context, selfID, peerID string) ([]*models.Message, bool, error) {
	page, err := e.store.QueryRange(ctx, selfID, peerID, nil, e.pageSize+1)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(page) > e.pageSize
	if hasMore {
		page = page[:e.pageSize]
	}
	reverse(page)
	return page, hasMore, nil
}

func reverse(msgs []*models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
