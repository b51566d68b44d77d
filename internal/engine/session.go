package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go-dm/internal/metrics"
	"go-dm/internal/models"
	"go-dm/internal/store"

	"github.com/google/uuid"
)

var (
	// ErrEmptyContent 表示发送内容去除首尾空白后为空。
	ErrEmptyContent = errors.New("empty content")
	// ErrClosed 表示会话已关闭，后续操作一律拒绝。
	ErrClosed = errors.New("session closed")
)

// SendError 携带发送失败时的原始内容，调用方据此回填输入框重试，
// 不会静默丢弃用户已输入的文本。
type SendError struct {
	Content string
	Err     error
}

func (e *SendError) Error() string { return fmt.Sprintf("send failed: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Session 是一个打开的会话视图的同步状态。
// 所有状态变更都在 mu 下串行执行；每个异步完成点（拉取返回、发送确认、
// 推送事件）重新加锁后先校验会话未关闭、id 未重复、顺序不被破坏，再落地
// 变更——异步完成之间的先后顺序不做任何假设。
type Session struct {
	eng    *Engine
	convID string
	selfID string
	peerID string
	sub    store.Subscription

	mu       sync.Mutex
	msgs     []*models.Message          // 可见列表，始终按 CreatedAt 升序
	byServer map[string]*models.Message // 已确认消息索引，可见列表的去重键
	pending  map[string]*models.Message // 乐观未确认集合，键为 clientMsgId
	hasMore  bool
	loading  bool // LoadMore 进行中
	visible  bool
	closed   bool
	updates  chan struct{}
}

func newSession(e *Engine, convID, selfID, peerID string, window []*models.Message, hasMore bool, sub store.Subscription) *Session {
	s := &Session{
		eng:      e,
		convID:   convID,
		selfID:   selfID,
		peerID:   peerID,
		sub:      sub,
		msgs:     window,
		byServer: make(map[string]*models.Message, len(window)),
		pending:  make(map[string]*models.Message),
		hasMore:  hasMore,
		updates:  make(chan struct{}, 1),
	}
	for _, m := range window {
		if !m.Pending() {
			s.byServer[m.ServerMsgID] = m
		}
	}
	return s
}

// Messages 返回可见列表快照（拷贝），按 CreatedAt 升序。
func (s *Session) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// HasMore 报告是否还有更早的历史可向前加载。
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Updates 返回合并后的变更信号通道：可见列表任何变化至少触发一次；
// 会话关闭时通道关闭。
func (s *Session) Updates() <-chan struct{} { return s.updates }

// LoadMore 向前加载一页更早的历史，返回最新的 hasMore。
// 已在加载中或没有更多历史时为受保护的空操作，不是错误。
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	if s.loading || !s.hasMore {
		hm := s.hasMore
		s.mu.Unlock()
		return hm, nil
	}
	cursor, ok := s.oldestConfirmedLocked()
	if !ok {
		hm := s.hasMore
		s.mu.Unlock()
		return hm, nil
	}
	s.loading = true
	s.mu.Unlock()

	page, err := s.eng.store.QueryRange(ctx, s.selfID, s.peerID, &cursor, s.eng.pageSize+1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if s.closed {
		// 迟到的响应：会话已关闭，丢弃而非改写状态
		return false, ErrClosed
	}
	if err != nil {
		return s.hasMore, err
	}
	s.hasMore = len(page) > s.eng.pageSize
	if len(page) > s.eng.pageSize {
		page = page[:s.eng.pageSize]
	}
	needRead := false
	for _, m := range page {
		s.insertIfAbsentLocked(m.Clone())
		if s.visible && m.ReceiverID == s.selfID && !m.IsRead {
			needRead = true
		}
	}
	s.notifyLocked()
	if needRead {
		// 可见视图加载出更早的未读入向消息，同样触发批量已读
		go s.MarkVisibleAsRead(context.Background())
	}
	return s.hasMore, nil
}

// Send 乐观发送：先以占位记录立即进入可见列表，确认后原位替换为
// 权威记录；失败则整体撤掉占位并通过 SendError 归还原始内容。
func (s *Session) Send(ctx context.Context, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	provisional := &models.Message{
		ClientMsgID: uuid.NewString(),
		SenderID:    s.selfID,
		ReceiverID:  s.peerID,
		Content:     content,
		CreatedAt:   s.eng.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[provisional.ClientMsgID] = provisional
	s.insertLocked(provisional)
	s.notifyLocked()
	s.mu.Unlock()

	start := time.Now()
	confirmed, err := s.eng.store.Insert(ctx, provisional.Clone())
	if err != nil {
		s.mu.Lock()
		delete(s.pending, provisional.ClientMsgID)
		s.removeProvisionalLocked(provisional.ClientMsgID)
		s.notifyLocked()
		s.mu.Unlock()
		metrics.SendTotal.WithLabelValues("error").Inc()
		log.Printf("Session.Send error: convId=%s clientMsgId=%s err=%v", s.convID, provisional.ClientMsgID, err)
		return nil, &SendError{Content: content, Err: err}
	}
	metrics.SendTotal.WithLabelValues("ok").Inc()
	metrics.SendLatency.Observe(float64(time.Since(start).Milliseconds()))

	s.mu.Lock()
	delete(s.pending, provisional.ClientMsgID)
	if !s.closed {
		if _, dup := s.byServer[confirmed.ServerMsgID]; dup {
			// 推送路径抢先落地了这条消息（回显未被识别的极端交错）：
			// 仅撤掉乐观占位，保持单条可见
			s.removeProvisionalLocked(provisional.ClientMsgID)
		} else {
			s.replaceLocked(provisional.ClientMsgID, confirmed.Clone())
		}
		s.eng.cache.Invalidate(s.convID)
		s.notifyLocked()
	}
	s.mu.Unlock()
	return confirmed, nil
}

// MarkVisibleAsRead 把当前已加载且未读的入向消息一次性批量置已读。
// 本地状态先行翻转；存储端失败仅记录日志，不回滚也不上抛——已读是
// 尽力而为的最终一致状态。
func (s *Session) MarkVisibleAsRead(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var ids []string
	now := s.eng.now()
	for _, m := range s.msgs {
		if m.ReceiverID == s.selfID && !m.IsRead && !m.Pending() {
			m.IsRead = true
			t := now
			m.ReadAt = &t
			ids = append(ids, m.ServerMsgID)
		}
	}
	if len(ids) == 0 {
		s.mu.Unlock()
		return
	}
	s.notifyLocked()
	s.mu.Unlock()

	metrics.ReadBatchSize.Observe(float64(len(ids)))
	if err := s.eng.store.UpdateReadStatus(ctx, ids, s.selfID); err != nil {
		log.Printf("Session.MarkRead error: convId=%s count=%d err=%v", s.convID, len(ids), err)
	}
}

// SetVisible 标记视图可见性；从隐藏转为可见时触发一次批量已读。
func (s *Session) SetVisible(v bool) {
	s.mu.Lock()
	was := s.visible
	s.visible = v
	closed := s.closed
	s.mu.Unlock()
	if v && !was && !closed {
		go s.MarkVisibleAsRead(context.Background())
	}
}

// Close 关闭会话：退订实时通道并拒绝一切后续变更。幂等。
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.updates)
	s.mu.Unlock()
	return s.sub.Close()
}

// runEvents 消费订阅事件直到退订；每个事件经 onEvent 去重合并。
func (s *Session) runEvents() {
	for m := range s.sub.Events() {
		s.onEvent(m)
	}
}

// onEvent 调和一条推送事件：
// 1) clientMsgId 命中乐观集合 → 本端刚发出的回显，丢弃（由确认路径收口）
// 2) serverMsgId 已在可见列表 → 重复投递，丢弃
// 3) 兜底关联：确认响应慢于推送且事件缺 clientMsgId 时，按
//    发送者+内容+时间邻近识别回显
// 4) 其余按 CreatedAt 升序插入，并失效最新窗口缓存
func (s *Session) onEvent(m *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if m.ClientMsgID != "" {
		if _, ok := s.pending[m.ClientMsgID]; ok {
			metrics.EventDiscardedTotal.WithLabelValues("echo").Inc()
			return
		}
	}
	if _, ok := s.byServer[m.ServerMsgID]; ok {
		metrics.EventDiscardedTotal.WithLabelValues("duplicate").Inc()
		return
	}
	for _, p := range s.pending {
		if p.SenderID == m.SenderID && p.Content == m.Content && absDuration(m.CreatedAt.Sub(p.CreatedAt)) <= s.eng.echoWindow {
			metrics.EventDiscardedTotal.WithLabelValues("echo_correlated").Inc()
			return
		}
	}
	s.insertLocked(m.Clone())
	s.eng.cache.Invalidate(s.convID)
	s.notifyLocked()
	if s.visible && m.ReceiverID == s.selfID {
		go s.MarkVisibleAsRead(context.Background())
	}
}

// insertLocked 按 CreatedAt 升序插入；时间相同则排在已有条目之后
// （并列按插入顺序）。已确认消息同时登记到 byServer 索引。
func (s *Session) insertLocked(m *models.Message) {
	s.insertAtPosLocked(m)
	if !m.Pending() {
		s.byServer[m.ServerMsgID] = m
	}
}

func (s *Session) insertAtPosLocked(m *models.Message) {
	idx := len(s.msgs)
	for idx > 0 && s.msgs[idx-1].CreatedAt.After(m.CreatedAt) {
		idx--
	}
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[idx+1:], s.msgs[idx:])
	s.msgs[idx] = m
}

func (s *Session) insertIfAbsentLocked(m *models.Message) {
	if _, ok := s.byServer[m.ServerMsgID]; ok {
		return
	}
	s.insertLocked(m)
}

// replaceLocked 将乐观占位原位替换为确认记录；若权威时间戳破坏了与
// 邻居的顺序，重新按序插入。
func (s *Session) replaceLocked(clientID string, confirmed *models.Message) {
	for i, m := range s.msgs {
		if m.Pending() && m.ClientMsgID == clientID {
			s.msgs[i] = confirmed
			s.byServer[confirmed.ServerMsgID] = confirmed
			s.restoreOrderLocked(i)
			return
		}
	}
	// 占位已不在列表（防御路径），退化为普通插入
	s.insertLocked(confirmed)
}

func (s *Session) restoreOrderLocked(i int) {
	m := s.msgs[i]
	if i > 0 && s.msgs[i-1].CreatedAt.After(m.CreatedAt) ||
		i < len(s.msgs)-1 && m.CreatedAt.After(s.msgs[i+1].CreatedAt) {
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		s.insertAtPosLocked(m)
	}
}

func (s *Session) removeProvisionalLocked(clientID string) {
	for i, m := range s.msgs {
		if m.Pending() && m.ClientMsgID == clientID {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return
		}
	}
}

// oldestConfirmedLocked 返回向前分页的游标：最早一条已确认消息的时间。
func (s *Session) oldestConfirmedLocked() (time.Time, bool) {
	for _, m := range s.msgs {
		if !m.Pending() {
			return m.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// notifyLocked 发出合并的变更信号；通道已满则跳过（信号只表达"有变化"）。
func (s *Session) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
