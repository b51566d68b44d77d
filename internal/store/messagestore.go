package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go-dm/internal/models"
	"go-dm/internal/mq"

	"github.com/google/uuid"
)

// MessageStore 基于 SQL 的消息存储实现（MySQL/TiDB 兼容）。
// 约束：
// - messages 表需具备 (conv_id, client_msg_id) 唯一键保障幂等
// - idx_conv_created 支撑按会话时间倒序拉取
type MessageStore struct {
	DB       *sql.DB
	Producer *mq.KafkaProducer // 可选
}

func NewMessageStore(db *sql.DB) *MessageStore { return &MessageStore{DB: db} }

// Insert 分配权威 id 与时间戳后写入；使用 INSERT IGNORE 实现幂等。
// 写入成功后向会话通道广播（双方客户端各自合并，发送方收到的是回显）。
func (s *MessageStore) Insert(ctx context.Context, m *models.Message) (*models.Message, error) {
	sm := m.Clone()
	sm.ServerMsgID = uuid.NewString()
	sm.CreatedAt = time.Now()
	sm.IsRead = false
	sm.ReadAt = nil
	convID := models.ConvID(sm.SenderID, sm.ReceiverID)
	_, err := s.DB.ExecContext(ctx, `INSERT IGNORE INTO messages(server_msg_id, client_msg_id, conv_id, sender_id, receiver_id, content, created_at, is_read) VALUES(?,?,?,?,?,?,?,0)`,
		sm.ServerMsgID, sm.ClientMsgID, convID, sm.SenderID, sm.ReceiverID, sm.Content, sm.CreatedAt)
	if err != nil {
		return nil, err
	}
	publishInserted(ctx, sm, s.Producer)
	return sm, nil
}

// QueryRange 拉取两人之间的历史（A→B 与 B→A），最新在前。
func (s *MessageStore) QueryRange(ctx context.Context, participantA, participantB string, before *time.Time, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT server_msg_id, client_msg_id, sender_id, receiver_id, content, created_at, is_read, read_at FROM messages WHERE conv_id=?`
	args := []interface{}{models.ConvID(participantA, participantB)}
	if before != nil {
		q += ` AND created_at<?`
		args = append(args, *before)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var readAt sql.NullTime
		if err := rows.Scan(&m.ServerMsgID, &m.ClientMsgID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt, &m.IsRead, &readAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateReadStatus 按接收方批量置已读；ids 分段执行避免超长 IN 列表。
func (s *MessageStore) UpdateReadStatus(ctx context.Context, ids []string, readerID string) error {
	if len(ids) == 0 {
		return nil
	}
	const chunk = 200
	now := time.Now()
	for i := 0; i < len(ids); i += chunk {
		end := i + chunk
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[i:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]interface{}, 0, len(part)+2)
		args = append(args, now, readerID)
		for _, id := range part {
			args = append(args, id)
		}
		if _, err := s.DB.ExecContext(ctx, `UPDATE messages SET is_read=1, read_at=? WHERE receiver_id=? AND is_read=0 AND server_msg_id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe 订阅会话的新消息广播。
func (s *MessageStore) Subscribe(ctx context.Context, convID string) (Subscription, error) {
	return subscribeConv(ctx, convID)
}
