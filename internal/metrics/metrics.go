// Package metrics exposes Prometheus collectors for ledger operations and the HTTP API.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace         = "questnet"
	operationConvert  = "convert"
	operationWithdraw = "withdraw"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry          *prometheus.Registry
	operations        *prometheus.CounterVec
	pointsConverted   prometheus.Counter
	centsCredited     prometheus.Counter
	centsWithdrawn    prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	realtimeConnected prometheus.Gauge
}

// New builds the collectors and registers them with a fresh registry.
func New() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by name and outcome.",
			},
			[]string{"operation", "status"},
		),
		pointsConverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_converted_total",
			Help:      "Points debited by successful conversions.",
		}),
		centsCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "wallet_credited_cents_total",
			Help:      "Wallet balance credited by successful conversions, in cents.",
		}),
		centsWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "withdrawn_cents_total",
			Help:      "Wallet balance paid out by successful withdrawals, in cents.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "route"},
		),
		realtimeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Currently connected realtime subscribers.",
		}),
	}
	metrics.registry.MustRegister(
		metrics.operations,
		metrics.pointsConverted,
		metrics.centsCredited,
		metrics.centsWithdrawn,
		metrics.httpRequests,
		metrics.httpDuration,
		metrics.realtimeConnected,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return metrics
}

// Handler exposes the registry in the Prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// LogOperation implements ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error != nil {
		return
	}
	switch entry.Operation {
	case operationConvert:
		metrics.pointsConverted.Add(float64(entry.Points))
		metrics.centsCredited.Add(float64(entry.Amount.Int64()))
	case operationWithdraw:
		metrics.centsWithdrawn.Add(float64(entry.Amount.Int64()))
	}
}

// SubscriberConnected tracks realtime connections.
func (metrics *Metrics) SubscriberConnected() {
	metrics.realtimeConnected.Inc()
}

// SubscriberDisconnected tracks realtime disconnections.
func (metrics *Metrics) SubscriberDisconnected() {
	metrics.realtimeConnected.Dec()
}

// GinMiddleware records request counts and latency per matched route.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ctx.Request.Method
		metrics.httpRequests.WithLabelValues(method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		metrics.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
