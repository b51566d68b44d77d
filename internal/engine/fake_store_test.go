package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-dm/internal/models"
	"go-dm/internal/store"
)

// fakeStore 为测试用的内存消息存储：查询计数、可注入失败、
// 阻塞 Insert 以便观察乐观中间态，事件由测试手工投递以控制交错。
type fakeStore struct {
	mu        sync.Mutex
	msgs      []*models.Message
	queries   int
	insertSeq int
	insertErr error
	readErr   error
	readCalls [][]string
	subs      []*fakeSub

	// 非空时 Insert 先向 blockInsert 发信号，再等待 releaseInsert
	blockInsert   chan struct{}
	releaseInsert chan struct{}
}

func newFakeStore() *fakeStore { return &fakeStore{} }

func (f *fakeStore) Insert(ctx context.Context, m *models.Message) (*models.Message, error) {
	if f.blockInsert != nil {
		f.blockInsert <- struct{}{}
		<-f.releaseInsert
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	sm := m.Clone()
	f.insertSeq++
	sm.ServerMsgID = fmt.Sprintf("srv-%d", f.insertSeq)
	f.msgs = append(f.msgs, sm.Clone())
	return sm, nil
}

func (f *fakeStore) QueryRange(ctx context.Context, a, b string, before *time.Time, limit int) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	convID := models.ConvID(a, b)
	var res []*models.Message
	for _, m := range f.msgs {
		if models.ConvID(m.SenderID, m.ReceiverID) != convID {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		res = append(res, m.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (f *fakeStore) UpdateReadStatus(ctx context.Context, ids []string, readerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, append([]string(nil), ids...))
	if f.readErr != nil {
		return f.readErr
	}
	byID := make(map[string]bool, len(ids))
	for _, id := range ids {
		byID[id] = true
	}
	now := time.Now()
	for _, m := range f.msgs {
		if byID[m.ServerMsgID] && m.ReceiverID == readerID {
			m.IsRead = true
			t := now
			m.ReadAt = &t
		}
	}
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, convID string) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSub{events: make(chan *models.Message, 16)}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeStore) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeStore) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func (f *fakeStore) seed(msgs ...*models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.msgs = append(f.msgs, m.Clone())
	}
}

// fakeSub 的 Close 只置标记不关通道，便于测试"关闭后迟到事件被丢弃"。
type fakeSub struct {
	mu     sync.Mutex
	events chan *models.Message
	closed bool
}

func (s *fakeSub) Events() <-chan *models.Message { return s.events }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) deliver(m *models.Message) { s.events <- m }
