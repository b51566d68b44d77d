package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 消息存储选择：mysql 或 mongodb（本地默认 mysql）
	MessageDB string `yaml:"messageDB"`

	// Kafka 配置（可选，用于会话索引异步维护）
	KafkaBrokers   string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaConvTopic string `yaml:"kafkaConvTopic"`

	// 同步引擎参数
	PageSize        int `yaml:"pageSize"`        // 每页拉取条数
	CacheTTLSeconds int `yaml:"cacheTTLSeconds"` // 最新窗口缓存 TTL
	EchoWindowMS    int `yaml:"echoWindowMS"`    // 回显兜底关联的时间窗口

	// 速率限制（WS 发送）
	WSSendQPS   int `yaml:"wsSendQPS"`
	WSSendBurst int `yaml:"wsSendBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/godm?parseTime=true&loc=Local&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/godm",
		JWTSecret:  "change-me-in-prod",

		MessageDB: "mysql",

		KafkaBrokers:   "",
		KafkaConvTopic: "dm-conv-index",

		PageSize:        50,
		CacheTTLSeconds: 300,
		EchoWindowMS:    10000,

		WSSendQPS:     20,
		WSSendBurst:   40,
		EnableMetrics: true,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("DM_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("DM_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("DM_REDIS_ADDR", &cfg.RedisAddr)
	setStr("DM_REDIS_PASS", &cfg.RedisPass)
	setInt("DM_REDIS_DB", &cfg.RedisDB)
	setStr("DM_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("DM_MONGO_URI", &cfg.MongoURI)
	setStr("DM_JWT_SECRET", &cfg.JWTSecret)

	setStr("DM_MESSAGE_DB", &cfg.MessageDB)

	setStr("DM_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("DM_KAFKA_CONV_TOPIC", &cfg.KafkaConvTopic)

	setInt("DM_PAGE_SIZE", &cfg.PageSize)
	setInt("DM_CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds)
	setInt("DM_ECHO_WINDOW_MS", &cfg.EchoWindowMS)

	setInt("DM_WS_SEND_QPS", &cfg.WSSendQPS)
	setInt("DM_WS_SEND_BURST", &cfg.WSSendBurst)
	setBool("DM_ENABLE_METRICS", &cfg.EnableMetrics)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
