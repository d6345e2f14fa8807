// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	ObserveOperation(op, outcome string)
	ObserveReconciliation(event string)
	ObserveUpload(kind string, bytes int)
	SetActiveSessions(n int)
	RecordHTTPStatus(statusCode int)
	RecordCleanup(purged int64, evicted int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	operations      *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	uploadBytes     *prometheus.HistogramVec
	activeSessions  prometheus.Gauge
	httpStatus      *prometheus.CounterVec
	sessionsPurged  prometheus.Counter
	sessionsEvicted prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_operations_total",
			Help: "セッション操作の結果別の合計数",
		}, []string{"operation", "outcome"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_reconciliations_total",
			Help: "認証状態変化イベントによる再同期の合計数",
		}, []string{"event"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_uploads_total",
			Help: "画像アップロード成功の合計数",
		}, []string{"kind"}),
		uploadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "account_upload_bytes",
			Help:    "アップロードした画像のサイズ（バイト）",
			Buckets: prometheus.ExponentialBuckets(16<<10, 2, 10),
		}, []string{"kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "account_active_sessions",
			Help: "メモリ上に存在するブラウザセッション数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "account_sessions_purged_total",
			Help: "期限切れで削除された永続セッションの合計数",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "account_sessions_evicted_total",
			Help: "アイドルでメモリから破棄されたセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.operations,
		c.reconciliations,
		c.uploads,
		c.uploadBytes,
		c.activeSessions,
		c.httpStatus,
		c.sessionsPurged,
		c.sessionsEvicted,
	)

	return c
}

// ObserveOperation は操作の結果を記録する。
func (c *Collector) ObserveOperation(op, outcome string) {
	c.operations.WithLabelValues(op, outcome).Inc()
}

// ObserveReconciliation は再同期を記録する。
func (c *Collector) ObserveReconciliation(event string) {
	c.reconciliations.WithLabelValues(event).Inc()
}

// ObserveUpload はアップロード成功とサイズを記録する。
func (c *Collector) ObserveUpload(kind string, bytes int) {
	c.uploads.WithLabelValues(kind).Inc()
	c.uploadBytes.WithLabelValues(kind).Observe(float64(bytes))
}

// SetActiveSessions はメモリ上のセッション数を設定する。
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanup はクリーンアップで削除・破棄したセッション数を記録する。
func (c *Collector) RecordCleanup(purged int64, evicted int) {
	c.sessionsPurged.Add(float64(purged))
	c.sessionsEvicted.Add(float64(evicted))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
