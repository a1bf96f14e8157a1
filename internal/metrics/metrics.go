// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordLeaseCreated(kind string)
	RecordLeaseExpired(kind string)
	RecordLeaseDeleted(kind string)
	RecordQuotaDenied(reason string)
	RecordSweepDuration(duration time.Duration)
	RecordTeardownFailure(kind string)
	RecordNeedsReview(kind string)
	RecordMessagesStored(count int)
	RecordBroadcastDelivered(count int)
	RecordBroadcastFailed(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	leaseCreated       *prometheus.CounterVec
	leaseExpired       *prometheus.CounterVec
	leaseDeleted       *prometheus.CounterVec
	quotaDenied        *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	teardownFailure    *prometheus.CounterVec
	needsReview        *prometheus.CounterVec
	messagesStored     prometheus.Counter
	broadcastDelivered prometheus.Counter
	broadcastFailed    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		leaseCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempro_lease_created_total",
			Help: "作成されたリースの種別ごとの合計数",
		}, []string{"kind"}),
		leaseExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempro_lease_expired_total",
			Help: "期限切れ処理されたリースの種別ごとの合計数",
		}, []string{"kind"}),
		leaseDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempro_lease_deleted_total",
			Help: "削除されたリースの種別ごとの合計数",
		}, []string{"kind"}),
		quotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempro_quota_denied_total",
			Help: "クォータ拒否の理由別の合計数",
		}, []string{"reason"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempro_sweep_duration_seconds",
			Help:    "期限スイープ1回の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		teardownFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempro_teardown_failure_total",
			Help: "ティアダウン失敗の種別ごとの合計数",
		}, []string{"kind"}),
		needsReview: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempro_needs_review_total",
			Help: "手動確認行きになったリースの種別ごとの合計数",
		}, []string{"kind"}),
		messagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempro_messages_stored_total",
			Help: "保存されたメールメッセージの合計数",
		}),
		broadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempro_broadcast_delivered_total",
			Help: "ブロードキャスト配信成功の合計数",
		}),
		broadcastFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempro_broadcast_failed_total",
			Help: "ブロードキャスト配信失敗の合計数",
		}),
	}

	reg.MustRegister(
		c.leaseCreated,
		c.leaseExpired,
		c.leaseDeleted,
		c.quotaDenied,
		c.sweepDuration,
		c.teardownFailure,
		c.needsReview,
		c.messagesStored,
		c.broadcastDelivered,
		c.broadcastFailed,
	)

	return c
}

// RecordLeaseCreated はリース作成を記録する。
func (c *Collector) RecordLeaseCreated(kind string) {
	c.leaseCreated.WithLabelValues(kind).Inc()
}

// RecordLeaseExpired はリースの期限切れ処理を記録する。
func (c *Collector) RecordLeaseExpired(kind string) {
	c.leaseExpired.WithLabelValues(kind).Inc()
}

// RecordLeaseDeleted はリース削除を記録する。
func (c *Collector) RecordLeaseDeleted(kind string) {
	c.leaseDeleted.WithLabelValues(kind).Inc()
}

// RecordQuotaDenied はクォータ拒否を理由付きで記録する。
func (c *Collector) RecordQuotaDenied(reason string) {
	c.quotaDenied.WithLabelValues(reason).Inc()
}

// RecordSweepDuration はスイープ1回の所要時間を記録する。
func (c *Collector) RecordSweepDuration(duration time.Duration) {
	c.sweepDuration.Observe(duration.Seconds())
}

// RecordTeardownFailure はティアダウン失敗を記録する。
func (c *Collector) RecordTeardownFailure(kind string) {
	c.teardownFailure.WithLabelValues(kind).Inc()
}

// RecordNeedsReview は手動確認行きを記録する。
func (c *Collector) RecordNeedsReview(kind string) {
	c.needsReview.WithLabelValues(kind).Inc()
}

// RecordMessagesStored は保存されたメッセージ数を記録する。
func (c *Collector) RecordMessagesStored(count int) {
	c.messagesStored.Add(float64(count))
}

// RecordBroadcastDelivered はブロードキャスト配信成功数を記録する。
func (c *Collector) RecordBroadcastDelivered(count int) {
	c.broadcastDelivered.Add(float64(count))
}

// RecordBroadcastFailed はブロードキャスト配信失敗数を記録する。
func (c *Collector) RecordBroadcastFailed(count int) {
	c.broadcastFailed.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないコレクター。テストおよびワーカー単体起動用。
type NopCollector struct{}

func (NopCollector) RecordLeaseCreated(kind string)          {}
func (NopCollector) RecordLeaseExpired(kind string)          {}
func (NopCollector) RecordLeaseDeleted(kind string)          {}
func (NopCollector) RecordQuotaDenied(reason string)         {}
func (NopCollector) RecordSweepDuration(d time.Duration)     {}
func (NopCollector) RecordTeardownFailure(kind string)       {}
func (NopCollector) RecordNeedsReview(kind string)           {}
func (NopCollector) RecordMessagesStored(count int)          {}
func (NopCollector) RecordBroadcastDelivered(count int)      {}
func (NopCollector) RecordBroadcastFailed(count int)         {}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
