package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-dm/internal/models"
)

var testBase = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func storedMsg(id, sender, receiver, content string, at time.Time) *models.Message {
	return &models.Message{
		ServerMsgID: id,
		ClientMsgID: "c-" + id,
		SenderID:    sender,
		ReceiverID:  receiver,
		Content:     content,
		CreatedAt:   at,
	}
}

func contents(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func sameContents(got []*models.Message, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].Content != want[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedThree(fs *fakeStore) {
	fs.seed(
		storedMsg("m1", "u2", "u1", "first", testBase),
		storedMsg("m2", "u1", "u2", "second", testBase.Add(time.Minute)),
		storedMsg("m3", "u2", "u1", "third", testBase.Add(2*time.Minute)),
	)
}

func TestOpenLoadsLatestPageAscending(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 2})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if got := s.Messages(); !sameContents(got, "second", "third") {
		t.Fatalf("unexpected window: %v", contents(got))
	}
	if !s.HasMore() {
		t.Fatalf("expected hasMore=true with older history present")
	}
}

func TestOpenRejectsInvalidParticipants(t *testing.T) {
	eng := New(newFakeStore(), Options{})
	if _, err := eng.Open(context.Background(), "u1", "u1"); err == nil {
		t.Fatalf("expected error for self conversation")
	}
	if _, err := eng.Open(context.Background(), "", "u2"); err == nil {
		t.Fatalf("expected error for empty participant")
	}
}

func TestLoadMorePrependsOlderHistory(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 2})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	hasMore, err := s.LoadMore(context.Background())
	if err != nil {
		t.Fatalf("loadMore failed: %v", err)
	}
	if hasMore {
		t.Fatalf("expected hasMore=false after draining history")
	}
	if got := s.Messages(); !sameContents(got, "first", "second", "third") {
		t.Fatalf("unexpected list after loadMore: %v", contents(got))
	}
}

func TestLoadMoreAfterExhaustionIsNoOp(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 2})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.LoadMore(context.Background()); err != nil {
		t.Fatalf("loadMore failed: %v", err)
	}
	before := fs.queryCount()
	listBefore := contents(s.Messages())

	hasMore, err := s.LoadMore(context.Background())
	if err != nil {
		t.Fatalf("terminal loadMore failed: %v", err)
	}
	if hasMore {
		t.Fatalf("expected terminal hasMore=false")
	}
	if fs.queryCount() != before {
		t.Fatalf("terminal loadMore must not query the store")
	}
	if got := contents(s.Messages()); len(got) != len(listBefore) {
		t.Fatalf("terminal loadMore changed the list: %v -> %v", listBefore, got)
	}
}

func TestExactPageBoundaryReportsNoMore(t *testing.T) {
	fs := newFakeStore()
	fs.seed(
		storedMsg("m1", "u2", "u1", "first", testBase),
		storedMsg("m2", "u1", "u2", "second", testBase.Add(time.Minute)),
	)
	eng := New(fs, Options{PageSize: 2})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if s.HasMore() {
		t.Fatalf("exactly one full page must report hasMore=false")
	}
}

func TestSendOptimisticThenConfirmReplacesInPlace(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	fs.blockInsert = make(chan struct{})
	fs.releaseInsert = make(chan struct{})
	eng := New(fs, Options{PageSize: 10})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	type sendResult struct {
		msg *models.Message
		err error
	}
	done := make(chan sendResult, 1)
	go func() {
		m, err := s.Send(context.Background(), "hello")
		done <- sendResult{m, err}
	}()

	<-fs.blockInsert // Insert 已开始：乐观占位应当已可见
	got := s.Messages()
	if !sameContents(got, "first", "second", "third", "hello") {
		t.Fatalf("optimistic entry missing: %v", contents(got))
	}
	if last := got[len(got)-1]; !last.Pending() {
		t.Fatalf("optimistic entry must be pending, got serverMsgId=%q", last.ServerMsgID)
	}

	fs.releaseInsert <- struct{}{}
	res := <-done
	if res.err != nil {
		t.Fatalf("send failed: %v", res.err)
	}
	if res.msg.ServerMsgID == "" {
		t.Fatalf("confirmed message must carry a server id")
	}

	got = s.Messages()
	if !sameContents(got, "first", "second", "third", "hello") {
		t.Fatalf("confirm must replace, not append: %v", contents(got))
	}
	if last := got[len(got)-1]; last.Pending() || last.ServerMsgID != res.msg.ServerMsgID {
		t.Fatalf("tail entry not replaced by confirmed record: %+v", last)
	}
}

func TestSendFailureRemovesOptimisticEntry(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	fs.insertErr = errors.New("store unavailable")
	eng := New(fs, Options{PageSize: 10})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	before := contents(s.Messages())
	_, err = s.Send(context.Background(), "  hello  ")
	if err == nil {
		t.Fatalf("expected send error")
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %T", err)
	}
	if sendErr.Content != "hello" {
		t.Fatalf("failed send must return trimmed original content, got %q", sendErr.Content)
	}
	after := contents(s.Messages())
	if len(after) != len(before) {
		t.Fatalf("failed send left residue: %v -> %v", before, after)
	}
}

func TestSendRejectsWhitespaceContent(t *testing.T) {
	fs := newFakeStore()
	eng := New(fs, Options{})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Send(context.Background(), "   \n\t"); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestPushEventInsertedAtSortedPosition(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 10})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	// 时间戳落在 m2 与 m3 之间的乱序到达事件
	fs.lastSub().deliver(storedMsg("m9", "u2", "u1", "between", testBase.Add(90*time.Second)))
	waitFor(t, "event insertion", func() bool { return len(s.Messages()) == 4 })

	if got := s.Messages(); !sameContents(got, "first", "second", "between", "third") {
		t.Fatalf("event not inserted in order: %v", contents(got))
	}
}

func TestDuplicateEventDiscarded(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 10})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	evt := storedMsg("m9", "u2", "u1", "fresh", testBase.Add(3*time.Minute))
	fs.lastSub().deliver(evt)
	fs.lastSub().deliver(evt.Clone())
	// 标记事件确保前两条都已被处理
	fs.lastSub().deliver(storedMsg("m10", "u2", "u1", "marker", testBase.Add(4*time.Minute)))
	waitFor(t, "marker event", func() bool {
		msgs := s.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1].Content == "marker"
	})

	if got := s.Messages(); !sameContents(got, "first", "second", "third", "fresh", "marker") {
		t.Fatalf("duplicate delivery produced extra entry: %v", contents(got))
	}
}

func TestOwnEchoSuppressedByClientID(t *testing.T) {
	fs := newFakeStore()
	fs.blockInsert = make(chan struct{})
	fs.releaseInsert = make(chan struct{})
	eng := New(fs, Options{PageSize: 10})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "hello")
		done <- err
	}()
	<-fs.blockInsert

	// 广播回显先于确认响应到达：携带相同 clientMsgId
	pendingID := s.Messages()[0].ClientMsgID
	echo := &models.Message{
		ServerMsgID: "srv-1",
		ClientMsgID: pendingID,
		SenderID:    "u1",
		ReceiverID:  "u2",
		Content:     "hello",
		CreatedAt:   time.Now(),
	}
	fs.lastSub().deliver(echo)
	fs.lastSub().deliver(storedMsg("m10", "u2", "u1", "marker", time.Now().Add(time.Second)))
	waitFor(t, "marker event", func() bool {
		msgs := s.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1].Content == "marker"
	})

	fs.releaseInsert <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}

	count := 0
	for _, m := range s.Messages() {
		if m.Content == "hello" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("echo produced %d visible entries for one send", count)
	}
}

func TestEchoSuppressedByContentCorrelation(t *testing.T) {
	fs := newFakeStore()
	fs.blockInsert = make(chan struct{})
	fs.releaseInsert = make(chan struct{})
	eng := New(fs, Options{PageSize: 10, EchoWindow: 30 * time.Second})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "hello")
		done <- err
	}()
	<-fs.blockInsert

	// 已知边界场景：事件带确认后的 id、不带可关联的 clientMsgId，
	// 而本地条目仍是乐观占位——按 发送者+内容+时间邻近 兜底识别
	echo := &models.Message{
		ServerMsgID: "srv-1",
		SenderID:    "u1",
		ReceiverID:  "u2",
		Content:     "hello",
		CreatedAt:   s.Messages()[0].CreatedAt.Add(2 * time.Second),
	}
	fs.lastSub().deliver(echo)
	fs.lastSub().deliver(storedMsg("m10", "u2", "u1", "marker", time.Now().Add(time.Minute)))
	waitFor(t, "marker event", func() bool {
		msgs := s.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1].Content == "marker"
	})

	fs.releaseInsert <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}

	count := 0
	for _, m := range s.Messages() {
		if m.Content == "hello" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("uncorrelated echo produced %d visible entries", count)
	}
}

func TestRacedEchoResolvedOnConfirm(t *testing.T) {
	fs := newFakeStore()
	fs.blockInsert = make(chan struct{})
	fs.releaseInsert = make(chan struct{})
	// 兜底窗口取极小值，迫使回显事件穿透关联检查先行入列
	eng := New(fs, Options{PageSize: 10, EchoWindow: time.Nanosecond})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "hello")
		done <- err
	}()
	<-fs.blockInsert

	echo := &models.Message{
		ServerMsgID: "srv-1", // fakeStore 即将为该次 Insert 分配的 id
		SenderID:    "u1",
		ReceiverID:  "u2",
		Content:     "hello",
		CreatedAt:   time.Now().Add(time.Hour),
	}
	fs.lastSub().deliver(echo)
	waitFor(t, "raced echo insertion", func() bool { return len(s.Messages()) == 2 })

	fs.releaseInsert <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, "provisional removal", func() bool { return len(s.Messages()) == 1 })
	if got := s.Messages(); got[0].ServerMsgID != "srv-1" {
		t.Fatalf("expected the confirmed record to survive, got %+v", got[0])
	}
}

func TestMarkVisibleAsReadBatchesSingleCall(t *testing.T) {
	fs := newFakeStore()
	at := func(i int) time.Time { return testBase.Add(time.Duration(i) * time.Minute) }
	read := storedMsg("r1", "u2", "u1", "already read", at(0))
	read.IsRead = true
	fs.seed(
		read,
		storedMsg("o1", "u1", "u2", "mine 1", at(1)),
		storedMsg("o2", "u1", "u2", "mine 2", at(2)),
		storedMsg("n1", "u2", "u1", "unread 1", at(3)),
		storedMsg("n2", "u2", "u1", "unread 2", at(4)),
		storedMsg("n3", "u2", "u1", "unread 3", at(5)),
		storedMsg("n4", "u2", "u1", "unread 4", at(6)),
		storedMsg("n5", "u2", "u1", "unread 5", at(7)),
	)
	eng := New(fs, Options{PageSize: 20})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	s.MarkVisibleAsRead(context.Background())

	if len(fs.readCalls) != 1 {
		t.Fatalf("expected exactly one batched update, got %d", len(fs.readCalls))
	}
	if len(fs.readCalls[0]) != 5 {
		t.Fatalf("expected 5 ids in the batch, got %v", fs.readCalls[0])
	}
	for _, m := range s.Messages() {
		if m.ReceiverID == "u1" && !m.IsRead {
			t.Fatalf("inbound message %q still unread locally", m.ServerMsgID)
		}
	}
}

func TestMarkReadFailureKeepsLocalReadState(t *testing.T) {
	fs := newFakeStore()
	fs.seed(storedMsg("n1", "u2", "u1", "unread", testBase))
	fs.readErr = errors.New("store unavailable")
	eng := New(fs, Options{PageSize: 10})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	s.MarkVisibleAsRead(context.Background())
	if got := s.Messages(); !got[0].IsRead {
		t.Fatalf("local read state must not roll back on store failure")
	}
	// 已读已本地翻转：再次调用不应再发起更新
	s.MarkVisibleAsRead(context.Background())
	if len(fs.readCalls) != 1 {
		t.Fatalf("expected no further batched updates, got %d", len(fs.readCalls))
	}
}

func TestReopenWithinTTLServedFromCache(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 2})

	s1, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	window := contents(s1.Messages())
	_ = s1.Close()
	before := fs.queryCount()

	s2, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if fs.queryCount() != before {
		t.Fatalf("reopen within TTL must not query the store")
	}
	if got := contents(s2.Messages()); len(got) != len(window) {
		t.Fatalf("cached window differs: %v vs %v", window, got)
	}
	if !s2.HasMore() {
		t.Fatalf("cached hasMore lost")
	}
}

func TestSendInvalidatesLatestWindowCache(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 10})

	s1, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := s1.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	_ = s1.Close()
	before := fs.queryCount()

	s2, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if fs.queryCount() != before+1 {
		t.Fatalf("send must drop the latest window cache entry")
	}
	if got := s2.Messages(); got[len(got)-1].Content != "hello" {
		t.Fatalf("fresh load missing the sent message: %v", contents(got))
	}
}

func TestCloseTearsDownSubscriptionAndIgnoresLateEvents(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 10})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	snapshot := contents(s.Messages())

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !fs.lastSub().isClosed() {
		t.Fatalf("close must unsubscribe the realtime channel")
	}

	// 关闭后的迟到事件必须被丢弃
	fs.lastSub().deliver(storedMsg("m9", "u2", "u1", "late", testBase.Add(time.Hour)))
	time.Sleep(50 * time.Millisecond)
	if got := contents(s.Messages()); len(got) != len(snapshot) {
		t.Fatalf("late event mutated a closed session: %v -> %v", snapshot, got)
	}

	// 变更信号通道随关闭而关闭
	waitFor(t, "updates channel close", func() bool {
		select {
		case _, ok := <-s.Updates():
			return !ok
		default:
			return false
		}
	})

	if _, err := s.Send(context.Background(), "hello"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close must be idempotent: %v", err)
	}
}

func TestLoadMoreWhileVisibleMarksOlderUnread(t *testing.T) {
	fs := newFakeStore()
	fs.seed(
		storedMsg("n1", "u2", "u1", "oldest", testBase),
		storedMsg("n2", "u2", "u1", "middle", testBase.Add(time.Minute)),
		storedMsg("n3", "u2", "u1", "newest", testBase.Add(2*time.Minute)),
	)
	eng := New(fs, Options{PageSize: 2})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	s.SetVisible(true)
	waitFor(t, "initial read batch", func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.readCalls) == 1
	})

	// 可见状态下向前翻页加载出的更早未读消息也要进入批量已读
	if _, err := s.LoadMore(context.Background()); err != nil {
		t.Fatalf("loadMore failed: %v", err)
	}
	waitFor(t, "read batch after loadMore", func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.readCalls) == 2
	})

	fs.mu.Lock()
	second := fs.readCalls[1]
	fs.mu.Unlock()
	if len(second) != 1 || second[0] != "n1" {
		t.Fatalf("expected the second batch to cover only the older message, got %v", second)
	}
	if got := s.Messages(); !got[0].IsRead {
		t.Fatalf("older message loaded while visible still unread locally")
	}
}

func TestVisibilityTransitionTriggersReadBatch(t *testing.T) {
	fs := newFakeStore()
	fs.seed(storedMsg("n1", "u2", "u1", "unread", testBase))
	eng := New(fs, Options{PageSize: 10})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	s.SetVisible(true)
	waitFor(t, "read batch on visibility", func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.readCalls) == 1
	})
}

// 规格化场景：u1/u2，页大小 2，完整走一遍 打开→翻页→发送→对端推送。
func TestTwoPartyScenarioEndToEnd(t *testing.T) {
	fs := newFakeStore()
	seedThree(fs)
	eng := New(fs, Options{PageSize: 2})

	s, err := eng.Open(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if got := s.Messages(); !sameContents(got, "second", "third") || !s.HasMore() {
		t.Fatalf("step 1 failed: %v hasMore=%v", contents(got), s.HasMore())
	}

	if hasMore, err := s.LoadMore(context.Background()); err != nil || hasMore {
		t.Fatalf("step 2 failed: hasMore=%v err=%v", hasMore, err)
	}
	if got := s.Messages(); !sameContents(got, "first", "second", "third") {
		t.Fatalf("step 2 list: %v", contents(got))
	}

	if _, err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("step 3 send failed: %v", err)
	}
	if got := s.Messages(); len(got) != 4 || got[3].Pending() {
		t.Fatalf("step 3 list: %v", contents(got))
	}

	fs.lastSub().deliver(storedMsg("m9", "u2", "u1", "hi back", time.Now().Add(time.Minute)))
	waitFor(t, "peer push", func() bool { return len(s.Messages()) == 5 })

	got := s.Messages()
	if got[4].Content != "hi back" {
		t.Fatalf("step 4 tail: %v", contents(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("list not ascending at %d: %v", i, contents(got))
		}
	}
}
