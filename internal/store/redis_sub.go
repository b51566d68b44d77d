package store

import (
	"context"
	"encoding/json"
	"log"

	"go-dm/internal/cache"
	"go-dm/internal/models"
	"go-dm/internal/mq"

	"github.com/redis/go-redis/v9"
)

// redisSubscription 把会话投递通道（Redis Pub/Sub）包装为类型化事件流。
// 通道内除消息 JSON 外不承载其它载荷；无法解析或缺少 serverMsgId 的
// 帧直接跳过，不视为错误。
type redisSubscription struct {
	pubsub *redis.PubSub
	events chan *models.Message
	cancel context.CancelFunc
}

// subscribeConv 订阅会话通道。先 Receive 确认订阅建立，
// 避免错过紧随其后的写入广播。
func subscribeConv(ctx context.Context, convID string) (Subscription, error) {
	pubsub := cache.Client().Subscribe(ctx, cache.DeliverChannel(convID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &redisSubscription{pubsub: pubsub, events: make(chan *models.Message, 64), cancel: cancel}
	go s.run(runCtx, convID)
	return s, nil
}

func (s *redisSubscription) run(ctx context.Context, convID string) {
	defer close(s.events)
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			// 退订或连接断开：事件流静默结束，属于降级而非故障
			if ctx.Err() == nil {
				log.Printf("Sub.Receive error: convId=%s err=%v", convID, err)
			}
			return
		}
		var m models.Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil || m.ServerMsgID == "" {
			continue
		}
		select {
		case s.events <- &m:
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan *models.Message { return s.events }

func (s *redisSubscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// publishInserted 在写入成功后广播：Redis 通道供在线客户端实时合并，
// Kafka（可选）供会话索引消费者异步维护列表。
func publishInserted(ctx context.Context, m *models.Message, producer *mq.KafkaProducer) {
	convID := models.ConvID(m.SenderID, m.ReceiverID)
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := cache.Client().Publish(ctx, cache.DeliverChannel(convID), payload).Err(); err != nil {
		log.Printf("Store.Publish error: convId=%s err=%v", convID, err)
	}
	producer.Publish(payload, []byte(convID))
}
