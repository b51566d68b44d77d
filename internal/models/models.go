package models

import (
	"strings"
	"time"
)

// Message 表示两人会话中的一条消息。
// - ServerMsgID 由存储端分配；在本地乐观渲染阶段为空
// - ClientMsgID 由客户端生成（uuid），作为发送幂等键与回显去重键
// - CreatedAt 为权威排序键；乐观阶段先用本地时钟占位，确认后被替换
// - IsRead/ReadAt 仅由接收方的批量已读操作设置，发送方不会写入
type Message struct {
	ServerMsgID string     `json:"serverMsgId,omitempty"`
	ClientMsgID string     `json:"clientMsgId"`
	SenderID    string     `json:"senderId"`
	ReceiverID  string     `json:"receiverId"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"createdAt"`
	IsRead      bool       `json:"isRead"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// Pending 表示消息尚未获得存储端确认。
func (m *Message) Pending() bool { return m.ServerMsgID == "" }

// Clone 返回消息的拷贝（ReadAt 时间值单独复制，避免共享可变指针）。
func (m *Message) Clone() *Message {
	c := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// ConvID 计算两人会话的规范标识：参与者 ID 排序后以 "_" 连接。
// 双方客户端对同一会话计算出相同的键，用作缓存键与实时通道名。
func ConvID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "_" + b
}

// Conversation 为用户会话列表中的一行（由异步索引消费者维护）。
type Conversation struct {
	ConvID      string    `json:"convId"`
	PeerID      string    `json:"peerId"`
	LastContent string    `json:"lastContent"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
