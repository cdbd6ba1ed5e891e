// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン・登録の結果ラベル。
const (
	OutcomeSuccess       = "success"
	OutcomeCredential    = "credential_error"
	OutcomeAuthorization = "authorization_error"
	OutcomeValidation    = "validation_error"
	OutcomeDuplicate     = "duplicate"
	OutcomeTransient     = "transient_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証ゲートウェイ、ルートガード、ファイルサービスから利用する。
type MetricsCollector interface {
	RecordLogin(outcome string)
	RecordRegistration(outcome string)
	RecordGuardDecision(guard, decision string)
	RecordProviderLatency(operation string, duration time.Duration)
	RecordUpload(sizeBytes int64)
	RecordHTTPStatus(statusCode int)
	SetActiveContexts(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	guardDecisions  *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	uploads         prometheus.Counter
	uploadBytes     prometheus.Counter
	httpStatus      *prometheus.CounterVec
	activeContexts  prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileledger_login_total",
			Help: "結果別のログイン試行数",
		}, []string{"outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileledger_registration_total",
			Help: "結果別のユーザー登録試行数",
		}, []string{"outcome"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileledger_guard_decision_total",
			Help: "ルートガードの判定数",
		}, []string{"guard", "decision"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fileledger_provider_latency_seconds",
			Help:    "認証プロバイダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileledger_uploads_total",
			Help: "アップロードされたファイルの合計数",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileledger_upload_bytes_total",
			Help: "アップロードされたファイルの合計バイト数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileledger_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		activeContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fileledger_active_browsing_contexts",
			Help: "メモリ上に保持しているブラウジングコンテキスト数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.registrations,
		c.guardDecisions,
		c.providerLatency,
		c.uploads,
		c.uploadBytes,
		c.httpStatus,
		c.activeContexts,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordRegistration は登録結果を記録する。
func (c *Collector) RecordRegistration(outcome string) {
	c.registrations.WithLabelValues(outcome).Inc()
}

// RecordGuardDecision はルートガードの判定を記録する。
func (c *Collector) RecordGuardDecision(guard, decision string) {
	c.guardDecisions.WithLabelValues(guard, decision).Inc()
}

// RecordProviderLatency はプロバイダー呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordUpload はアップロード件数とバイト数を記録する。
func (c *Collector) RecordUpload(sizeBytes int64) {
	c.uploads.Inc()
	c.uploadBytes.Add(float64(sizeBytes))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetActiveContexts は保持中のブラウジングコンテキスト数を設定する。
func (c *Collector) SetActiveContexts(n int) {
	c.activeContexts.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string) {}
func (Nop) RecordRegistration(string) {}
func (Nop) RecordGuardDecision(string, string) {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordUpload(int64) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) SetActiveContexts(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
