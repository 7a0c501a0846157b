package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getcharzp/sam2-studio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 分割流水线的运行指标
type Metrics struct {
	// 当前存活的会话数
	ActiveSessions atomic.Int64

	passesStarted   prometheus.Counter
	passesCompleted prometheus.Counter
	passesFailed    *prometheus.CounterVec
	passesDiscarded prometheus.Counter
	passDuration    prometheus.Histogram
	imageEncodings  prometheus.Counter
	encodeDuration  prometheus.Histogram

	registry *prometheus.Registry
}

// New 创建指标并注册到独立的 Registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sam2_passes_started_total",
			Help: "Forward passes started",
		}),
		passesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sam2_passes_completed_total",
			Help: "Forward passes that produced a segmentation",
		}),
		passesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sam2_passes_failed_total",
			Help: "Forward passes that failed, by error kind",
		}, []string{"kind"}),
		passesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sam2_passes_discarded_total",
			Help: "Forward passes superseded by a newer interaction",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sam2_pass_duration_seconds",
			Help:    "Forward pass latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		imageEncodings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sam2_image_encodings_total",
			Help: "Image encoder runs",
		}),
		encodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sam2_image_encode_duration_seconds",
			Help:    "Image encoder latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	m.registry.MustRegister(
		m.passesStarted,
		m.passesCompleted,
		m.passesFailed,
		m.passesDiscarded,
		m.passDuration,
		m.imageEncodings,
		m.encodeDuration,
	)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sam2_active_sessions",
			Help: "Live segmentation sessions",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))

	return m
}

func (m *Metrics) PassStarted() {
	m.passesStarted.Inc()
}

// PassFinished 记录一次未被取代的推理结果
func (m *Metrics) PassFinished(d time.Duration, err error) {
	m.passDuration.Observe(d.Seconds())
	if err != nil {
		m.passesFailed.WithLabelValues(ErrorKind(err)).Inc()
		return
	}
	m.passesCompleted.Inc()
}

func (m *Metrics) PassDiscarded() {
	m.passesDiscarded.Inc()
}

func (m *Metrics) ImageEncoded(d time.Duration) {
	m.imageEncodings.Inc()
	m.encodeDuration.Observe(d.Seconds())
}

func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Add(1)
}

func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Add(-1)
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 的处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ErrorKind 将错误归类为指标标签
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, vision.ErrModelNotLoaded):
		return "model_not_loaded"
	case errors.Is(err, vision.ErrInvalidDimensions):
		return "invalid_dimensions"
	case errors.Is(err, vision.ErrImageResizingFailed):
		return "image_resizing_failed"
	case errors.Is(err, vision.ErrDecodingFailed):
		return "decoding_failed"
	case errors.Is(err, vision.ErrEncodingFailed):
		return "encoding_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
