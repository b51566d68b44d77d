package store

import (
	"context"
	"database/sql"
	"time"

	"go-dm/internal/models"
)

// ConversationStore 维护用户会话列表索引（user_conversations 表）。
// 行由 Kafka 消费者（cmd/conv_consumer）在消息写入后异步 upsert，
// 网关的会话列表接口只读这张表，不回源 messages。
type ConversationStore struct{ DB *sql.DB }

func NewConversationStore(db *sql.DB) *ConversationStore { return &ConversationStore{DB: db} }

// UpsertUserConversation 更新某用户视角下的会话行；仅当消息更新时间更新时覆盖。
func (s *ConversationStore) UpsertUserConversation(ctx context.Context, userID, convID, peerID, lastContent string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO user_conversations(user_id, conv_id, peer_id, last_content, updated_at) VALUES(?,?,?,?,?) ON DUPLICATE KEY UPDATE last_content=IF(VALUES(updated_at)>updated_at, VALUES(last_content), last_content), updated_at=IF(VALUES(updated_at)>updated_at, VALUES(updated_at), updated_at)`,
		userID, convID, peerID, lastContent, at)
	return err
}

// ListByUser 按更新时间倒序返回用户的会话列表。
func (s *ConversationStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT conv_id, peer_id, last_content, updated_at FROM user_conversations WHERE user_id=? ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*models.Conversation
	for rows.Next() {
		c := &models.Conversation{}
		if err := rows.Scan(&c.ConvID, &c.PeerID, &c.LastContent, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
