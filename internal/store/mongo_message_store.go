package store

import (
	"context"
	"log"
	"time"

	"go-dm/internal/models"
	"go-dm/internal/mq"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMessageStore 基于 MongoDB 的消息存储实现。
// - 通过 (conv_id, client_msg_id) 唯一索引保障幂等
// - idx_conv_created 支撑按会话时间倒序拉取
type MongoMessageStore struct {
	DB       *mongo.Database
	Producer *mq.KafkaProducer // 可选
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	ms := &MongoMessageStore{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conv_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_conv_client"),
	})
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conv_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("idx_conv_created"),
	})
	return ms
}

// mongoMessage 为存储层内部结构，与 models.Message 字段一一映射。
type mongoMessage struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	ServerMsgID string             `bson:"server_msg_id"`
	ClientMsgID string             `bson:"client_msg_id"`
	ConvID      string             `bson:"conv_id"`
	SenderID    string             `bson:"sender_id"`
	ReceiverID  string             `bson:"receiver_id"`
	Content     string             `bson:"content"`
	CreatedAt   time.Time          `bson:"created_at"`
	IsRead      bool               `bson:"is_read"`
	ReadAt      *time.Time         `bson:"read_at,omitempty"`
}

func (d *mongoMessage) toModel() *models.Message {
	m := &models.Message{
		ServerMsgID: d.ServerMsgID,
		ClientMsgID: d.ClientMsgID,
		SenderID:    d.SenderID,
		ReceiverID:  d.ReceiverID,
		Content:     d.Content,
		CreatedAt:   d.CreatedAt,
		IsRead:      d.IsRead,
	}
	if d.ReadAt != nil {
		t := *d.ReadAt
		m.ReadAt = &t
	}
	return m
}

func (s *MongoMessageStore) collection() *mongo.Collection {
	return s.DB.Collection("messages")
}

// Insert 幂等写入消息（upsert + $setOnInsert），成功后广播。
func (s *MongoMessageStore) Insert(ctx context.Context, m *models.Message) (*models.Message, error) {
	sm := m.Clone()
	sm.ServerMsgID = uuid.NewString()
	sm.CreatedAt = time.Now()
	sm.IsRead = false
	sm.ReadAt = nil
	convID := models.ConvID(sm.SenderID, sm.ReceiverID)
	doc := &mongoMessage{
		ServerMsgID: sm.ServerMsgID,
		ClientMsgID: sm.ClientMsgID,
		ConvID:      convID,
		SenderID:    sm.SenderID,
		ReceiverID:  sm.ReceiverID,
		Content:     sm.Content,
		CreatedAt:   sm.CreatedAt,
	}
	filter := bson.D{
		{Key: "conv_id", Value: convID},
		{Key: "client_msg_id", Value: sm.ClientMsgID},
	}
	update := bson.D{{Key: "$setOnInsert", Value: doc}}
	opts := options.Update().SetUpsert(true)
	if _, err := s.collection().UpdateOne(ctx, filter, update, opts); err != nil {
		return nil, err
	}
	publishInserted(ctx, sm, s.Producer)
	return sm, nil
}

// QueryRange 拉取两人之间的历史，最新在前。
func (s *MongoMessageStore) QueryRange(ctx context.Context, participantA, participantB string, before *time.Time, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	convID := models.ConvID(participantA, participantB)
	filter := bson.D{{Key: "conv_id", Value: convID}}
	if before != nil {
		filter = append(filter, bson.E{Key: "created_at", Value: bson.D{{Key: "$lt", Value: *before}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var res []*models.Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			// 坏文档跳过不中断整页，但留下痕迹便于排查
			log.Printf("MongoStore.Query decode error: convId=%s err=%v", convID, err)
			continue
		}
		res = append(res, doc.toModel())
	}
	return res, cursor.Err()
}

// UpdateReadStatus 按接收方批量置已读。
func (s *MongoMessageStore) UpdateReadStatus(ctx context.Context, ids []string, readerID string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	filter := bson.D{
		{Key: "receiver_id", Value: readerID},
		{Key: "is_read", Value: false},
		{Key: "server_msg_id", Value: bson.D{{Key: "$in", Value: ids}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "is_read", Value: true}, {Key: "read_at", Value: now}}}}
	_, err := s.collection().UpdateMany(ctx, filter, update)
	return err
}

// Subscribe 订阅会话的新消息广播。
func (s *MongoMessageStore) Subscribe(ctx context.Context, convID string) (Subscription, error) {
	return subscribeConv(ctx, convID)
}
