package store

import (
	"context"
	"time"

	"go-dm/internal/models"
)

// MessageStoreInterface 抽象消息存储，便于切换 MySQL/MongoDB。
// 同步引擎只依赖这一边界，不关心底层 schema 与投递实现：
// - Insert：写入消息并返回带权威 id/时间戳的存储记录（需具备幂等约束）
// - QueryRange：按会话双向拉取，最新在前，可带 created_at 游标
// - UpdateReadStatus：按接收方批量置已读
// - Subscribe：订阅会话的新消息广播（双方向，含发送方自己的回显）
type MessageStoreInterface interface {
	// Insert 写入消息；要求底层实现对 (conv_id, client_msg_id) 提供唯一约束以实现幂等。
	Insert(ctx context.Context, m *models.Message) (*models.Message, error)
	// QueryRange 拉取两名参与者之间的消息（两个方向），最新在前；
	// before 非空时仅返回 created_at 早于该时刻的记录。
	QueryRange(ctx context.Context, participantA, participantB string, before *time.Time, limit int) ([]*models.Message, error)
	// UpdateReadStatus 将 readerID 为接收方的一批消息批量置为已读。
	UpdateReadStatus(ctx context.Context, ids []string, readerID string) error
	// Subscribe 订阅会话通道的新消息插入事件。
	Subscribe(ctx context.Context, convID string) (Subscription, error)
}

// Subscription 为会话的实时事件流；Close 负责退订，由打开会话的一方持有并在关闭时调用。
type Subscription interface {
	Events() <-chan *models.Message
	Close() error
}
