package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go-dm/internal/config"
	"go-dm/internal/models"
	"go-dm/internal/store"
	"go-dm/internal/store/sqlstore"

	"github.com/IBM/sarama"
)

// conv_consumer 消费消息写入事件，异步维护双方用户的会话列表索引。
// 以会话键为分区键，同一会话的更新有序消费；消费失败不提交位点，
// 依赖重复消费 + upsert 幂等收敛。

type handler struct {
	ctx       context.Context
	convStore *store.ConversationStore
}

func (h *handler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }
func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var m models.Message
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			log.Printf("Consumer.Unmarshal error: err=%v", err)
			sess.MarkMessage(msg, "")
			continue
		}
		convID := models.ConvID(m.SenderID, m.ReceiverID)
		err1 := h.convStore.UpsertUserConversation(h.ctx, m.SenderID, convID, m.ReceiverID, m.Content, m.CreatedAt)
		err2 := h.convStore.UpsertUserConversation(h.ctx, m.ReceiverID, convID, m.SenderID, m.Content, m.CreatedAt)
		if err1 != nil || err2 != nil {
			log.Printf("Consumer.Upsert error: convId=%s err1=%v err2=%v", convID, err1, err2)
			continue
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func main() {
	cfg := config.Load()
	if cfg.KafkaBrokers == "" {
		log.Fatal("Consumer.Main: DM_KAFKA_BROKERS is required")
	}

	db, err := sqlstore.Open(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("Consumer.Main mysql open error: err=%v", err)
	}
	convStore := store.NewConversationStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scfg := sarama.NewConfig()
	scfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	group, err := sarama.NewConsumerGroup(strings.Split(cfg.KafkaBrokers, ","), "dm-conv-index", scfg)
	if err != nil {
		log.Fatalf("Consumer.Main kafka group error: err=%v", err)
	}
	defer group.Close()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	h := &handler{ctx: ctx, convStore: convStore}
	log.Printf("Consumer.Main start: topic=%s", cfg.KafkaConvTopic)
	for ctx.Err() == nil {
		if err := group.Consume(ctx, []string{cfg.KafkaConvTopic}, h); err != nil {
			log.Printf("Consumer.Consume error: err=%v", err)
		}
	}
}
