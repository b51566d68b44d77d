// Package ws 提供 WebSocket 接入网关：每个连接对应一个打开的会话视图，
// 处理认证、上行动作（发送/已读/翻页/输入提示）与下行快照推送。
// 同步语义全部在 engine 内；网关只做编解码与生命周期衔接。
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go-dm/internal/auth"
	"go-dm/internal/cache"
	"go-dm/internal/engine"
	"go-dm/internal/models"
	"go-dm/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server 是 WebSocket 网关服务。
// - 注入同步引擎 Engine，连接建立即 Open 会话，连接断开即 Close
// - 基于 Redis 令牌桶对上行发送做速率限制，防止滥用
// - 每个连接使用单独的写锁，避免并发写触发 gorilla/websocket 冲突
type Server struct {
	JWTSecret string
	Engine    *engine.Engine

	// 速率限制参数
	SendQPS   int
	SendBurst int
	Limiter   *ratelimit.TokenBucketLimiter
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage 统一封装上行的动作与数据载荷。
// action 示例：send、read、load_more、visible、typing
type WSMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type SendPayload struct {
	Content string `json:"content"`
}

type VisiblePayload struct {
	Visible bool `json:"visible"`
}

type TypingPayload struct {
	Typing bool `json:"typing"`
}

// Handle 处理 HTTP 升级为 WebSocket，以及该连接的读/写循环。
// - 认证：支持 URL 查询参数或 Authorization: Bearer 传递 JWT
// - peer 查询参数指明对端；切换对端由客户端重建连接完成，
//   旧连接关闭会同步关闭旧会话并退订
// - 下行：会话的变更信号到达后推送整份有序快照
func (s *Server) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	peerID := c.Query("peer")
	if peerID == "" || peerID == claims.UserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	userID := claims.UserID
	convID := models.ConvID(userID, peerID)
	log.Printf("WS connected: user=%s peer=%s convId=%s", userID, peerID, convID)

	session, err := s.Engine.Open(ctx, userID, peerID)
	if err != nil {
		log.Printf("WS open session error: convId=%s err=%v", convID, err)
		writeJSON(conn, &sync.Mutex{}, gin.H{"action": "error", "data": gin.H{"code": "OPEN_FAILED", "message": err.Error()}})
		return
	}
	defer func() {
		_ = session.Close()
		log.Printf("WS disconnected: user=%s convId=%s", userID, convID)
	}()
	session.SetVisible(true)

	// 每个连接的写锁，序列化所有写操作，避免 concurrent write
	writeMu := &sync.Mutex{}

	// 初始快照
	s.pushSnapshot(conn, writeMu, session)

	// 输入提示通道：旁路转发，不经过引擎
	typingSub := cache.Client().Subscribe(ctx, cache.TypingChannel(convID))
	defer typingSub.Close()
	go func() {
		for {
			msg, err := typingSub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			writeMu.Lock()
			werr := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
			writeMu.Unlock()
			if werr != nil {
				return
			}
		}
	}()

	// 读循环：处理客户端上行动作；读失败即关闭会话结束写循环
	go func() {
		defer session.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("WS read error: user=%s err=%v", userID, err)
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			var m WSMessage
			if err := json.Unmarshal(data, &m); err != nil {
				log.Printf("WS unmarshal error: user=%s err=%v data=%q", userID, err, string(data))
				continue
			}
			s.handleInbound(ctx, userID, peerID, convID, conn, writeMu, session, &m)
		}
	}()

	// 写循环：会话每次变更推送一份快照
	for range session.Updates() {
		if !s.pushSnapshot(conn, writeMu, session) {
			return
		}
	}
}

// rateLimitAllow 使用 Redis 令牌桶对用户维度的发送做限速。
// 默认 QPS=20，突发=40；出错时放行。
func (s *Server) rateLimitAllow(ctx context.Context, userID string) bool {
	qps := s.SendQPS
	burst := s.SendBurst
	if qps <= 0 {
		qps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	if s.Limiter == nil {
		return true
	}
	allowed, _, _ := s.Limiter.Allow(ctx, "dm:tb:ws:send:"+userID, qps, burst)
	return allowed
}

// handleInbound 处理上行动作：
// - send：限速 → Session.Send → ack；失败把原始内容随错误一并返回
// - read：批量已读当前可见的未读入向消息
// - load_more：向前翻一页，结果经变更信号以快照形式下发
// - visible/typing：可见性切换与输入提示转发
func (s *Server) handleInbound(ctx context.Context, userID, peerID, convID string, conn *websocket.Conn, writeMu *sync.Mutex, session *engine.Session, m *WSMessage) {
	switch m.Action {
	case "send":
		if !s.rateLimitAllow(ctx, userID) {
			writeJSON(conn, writeMu, gin.H{"action": "error", "data": gin.H{"code": "RATE_LIMIT"}})
			return
		}
		var p SendPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		confirmed, err := session.Send(ctx, p.Content)
		if err != nil {
			data := gin.H{"code": "SEND_FAILED", "message": err.Error()}
			var sendErr *engine.SendError
			if errors.As(err, &sendErr) {
				data["content"] = sendErr.Content // 供客户端回填输入框重试
			}
			writeJSON(conn, writeMu, gin.H{"action": "error", "data": data})
			log.Printf("WS send failed: user=%s convId=%s err=%v", userID, convID, err)
			return
		}
		writeJSON(conn, writeMu, gin.H{"action": "ack", "data": confirmed})
	case "read":
		session.MarkVisibleAsRead(ctx)
	case "load_more":
		hasMore, err := session.LoadMore(ctx)
		if err != nil {
			writeJSON(conn, writeMu, gin.H{"action": "error", "data": gin.H{"code": "LOAD_FAILED", "message": err.Error()}})
			return
		}
		writeJSON(conn, writeMu, gin.H{"action": "page", "data": gin.H{"hasMore": hasMore}})
	case "visible":
		var p VisiblePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		session.SetVisible(p.Visible)
	case "typing":
		var p TypingPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		notify := gin.H{"action": "typing", "data": gin.H{"convId": convID, "from": userID, "to": peerID, "typing": p.Typing, "ts": time.Now().UnixMilli()}}
		b, _ := json.Marshal(notify)
		if err := cache.Client().Publish(ctx, cache.TypingChannel(convID), b).Err(); err != nil {
			log.Printf("WS typing publish error: user=%s convId=%s err=%v", userID, convID, err)
		}
	}
}

func (s *Server) pushSnapshot(conn *websocket.Conn, writeMu *sync.Mutex, session *engine.Session) bool {
	return writeJSON(conn, writeMu, gin.H{"action": "messages", "data": gin.H{
		"messages": session.Messages(),
		"hasMore":  session.HasMore(),
	}})
}

// wsWriter 是 gorilla 连接的写侧子集。gorilla/websocket 要求写侧方法
// （含 SetWriteDeadline）同一时刻只有一个调用方，必须全部在写锁内执行。
type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
}

func writeJSON(conn wsWriter, writeMu *sync.Mutex, v interface{}) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = conn.WriteMessage(websocket.TextMessage, b)
	writeMu.Unlock()
	return err == nil
}
