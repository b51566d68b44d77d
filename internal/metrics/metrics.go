package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WindowCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dm_window_cache_total", Help: "最新窗口缓存命中/未命中数"},
		[]string{"result"},
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dm_send_total", Help: "发送结果数"},
		[]string{"result"},
	)
	EventDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dm_event_discarded_total", Help: "被调和器丢弃的推送事件数"},
		[]string{"reason"},
	)
	ReadBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dm_read_batch_size", Help: "单次批量已读覆盖的消息数", Buckets: prometheus.LinearBuckets(1, 5, 10)},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dm_send_latency_ms", Help: "发送确认延迟(近似)", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
)

func Init() {
	prometheus.MustRegister(WindowCacheTotal)
	prometheus.MustRegister(SendTotal)
	prometheus.MustRegister(EventDiscardedTotal)
	prometheus.MustRegister(ReadBatchSize)
	prometheus.MustRegister(SendLatency)
}
