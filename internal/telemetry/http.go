package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics 记录 HTTP 请求数、服务端错误数与耗时。
type HTTPMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewHTTPMetrics 在给定 MeterProvider 上创建指标，nil 表示使用全局 provider。
func NewHTTPMetrics(mp metric.MeterProvider) *HTTPMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("theta-agents/http")
	m := &HTTPMetrics{}
	m.requests, _ = meter.Int64Counter("http.server.requests",
		metric.WithDescription("Total number of HTTP requests processed"))
	m.errors, _ = meter.Int64Counter("http.server.errors",
		metric.WithDescription("HTTP requests that resulted in a server error"))
	m.latency, _ = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120))
	return m
}

// Wrap 以 handler 名称为标签包装 next。
func (m *HTTPMetrics) Wrap(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.Observe(r, handler, rec.status, time.Since(start))
	})
}

// Observe 记录一次请求。
func (m *HTTPMetrics) Observe(r *http.Request, handler string, status int, duration time.Duration) {
	ctx := r.Context()
	base := []attribute.KeyValue{
		attribute.String("handler", handler),
		attribute.String("method", r.Method),
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(append(base, attribute.String("code", strconv.Itoa(status)))...))
	if status >= http.StatusInternalServerError {
		m.errors.Add(ctx, 1, metric.WithAttributes(base...))
	}
	m.latency.Record(ctx, duration.Seconds(), metric.WithAttributes(base...))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
