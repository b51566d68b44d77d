package main

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"go-dm/internal/auth"
	"go-dm/internal/cache"
	"go-dm/internal/config"
	"go-dm/internal/engine"
	"go-dm/internal/metrics"
	"go-dm/internal/mq"
	"go-dm/internal/ratelimit"
	"go-dm/internal/store"
	"go-dm/internal/store/mongostore"
	"go-dm/internal/store/sqlstore"
	"go-dm/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	var producer *mq.KafkaProducer
	if cfg.KafkaBrokers != "" {
		p, err := mq.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaConvTopic)
		if err != nil {
			log.Printf("Main.Kafka producer init error: err=%v", err)
		} else {
			producer = p
			defer func() { _ = producer.Close() }()
		}
	}

	// 根据配置选择消息存储：mysql 或 mongodb
	var msgStore store.MessageStoreInterface
	switch cfg.MessageDB {
	case "mongodb":
		mongoDB, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			panic(fmt.Sprintf("MongoDB connection failed: %v", err))
		}
		ms := store.NewMongoMessageStore(mongoDB)
		ms.Producer = producer
		msgStore = ms
	default: // mysql
		messageDB, err := sqlstore.Open(cfg.MySQLDSN)
		if err != nil {
			panic(fmt.Sprintf("MySQL connection failed: %v", err))
		}
		ms := store.NewMessageStore(messageDB)
		ms.Producer = producer
		msgStore = ms
	}

	// 会话列表索引始终走 MySQL（由 conv_consumer 异步维护）
	primaryDB, err := sqlstore.Open(cfg.MySQLDSN)
	if err != nil {
		panic(fmt.Sprintf("MySQL connection failed: %v", err))
	}
	convStore := store.NewConversationStore(primaryDB)

	eng := engine.New(msgStore, engine.Options{
		PageSize:   cfg.PageSize,
		CacheTTL:   time.Duration(cfg.CacheTTLSeconds) * time.Second,
		EchoWindow: time.Duration(cfg.EchoWindowMS) * time.Millisecond,
	})

	wsServer := &ws.Server{
		JWTSecret: cfg.JWTSecret,
		Engine:    eng,
		SendQPS:   cfg.WSSendQPS,
		SendBurst: cfg.WSSendBurst,
		Limiter:   ratelimit.NewTokenBucketLimiter(cache.Client()),
	}

	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	r.GET("/ws", wsServer.Handle)
	r.GET("/conversations", func(c *gin.Context) {
		claims, err := bearerClaims(c, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		list, err := convStore.ListByUser(c.Request.Context(), claims.UserID, 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversations": list})
	})

	log.Printf("Main.Listen: addr=%s messageDB=%s", cfg.ListenAddr, cfg.MessageDB)
	if err := r.Run(cfg.ListenAddr); err != nil {
		panic(err)
	}
}

func bearerClaims(c *gin.Context, secret string) (*auth.Claims, error) {
	token := c.Query("token")
	if token == "" {
		h := c.GetHeader("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	return auth.ParseJWT(secret, token)
}
