package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 本包封装了 Redis 客户端与会话级通道键：
// - 投递通道：dm:deliver:<convId>，存储端写入成功后在此广播消息
// - 输入提示通道：dm:typing:<convId>，网关直接转发不落库
// 通道以会话键（而非单个用户）为维度，双方客户端订阅同一通道即可
// 覆盖 A→B 与 B→A 两个方向，发送方也会收到自己消息的回显。
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

// DeliverChannel 返回会话的消息广播通道；TypingChannel 返回输入提示通道。
func DeliverChannel(convID string) string { return fmt.Sprintf("dm:deliver:%s", convID) }
func TypingChannel(convID string) string  { return fmt.Sprintf("dm:typing:%s", convID) }
