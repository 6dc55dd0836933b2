package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_http_requests_total",
			Help: "Total number of HTTP requests processed by the conversation service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversation_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_client_handled_total",
			Help: "Total number of gRPC calls completed by the client.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversation_ws_active_sessions",
			Help: "Number of active websocket sessions.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	publishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_publish_errors_total",
			Help: "Total number of broker publish errors.",
		},
	)
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_messages_sent_total",
			Help: "Total number of persisted messages by content type.",
		},
		[]string{"content_type"},
	)
	sendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_send_failures_total",
			Help: "Total number of failed sends by error kind.",
		},
		[]string{"kind"},
	)
	changeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_change_events_total",
			Help: "Total number of row change events received from the store.",
		},
		[]string{"table", "op"},
	)
	changeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversation_change_subscriptions",
			Help: "Number of live change feed subscriptions.",
		},
	)
	listenerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_change_listener_events_total",
			Help: "Connection state events of the store listener.",
		},
		[]string{"event"},
	)
	dedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_realtime_dedup_hits_total",
			Help: "Insert events dropped because the message was already displayed.",
		},
	)
	resyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_realtime_resyncs_total",
			Help: "Full refetches triggered by possibly missed events.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		wsActiveSessions,
		wsEventsTotal,
		publishErrorsTotal,
		messagesSentTotal,
		sendFailuresTotal,
		changeEventsTotal,
		changeSubscriptions,
		listenerEventsTotal,
		dedupHitsTotal,
		resyncsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		service, name := splitFullMethod(method)
		grpcClientHandledTotal.WithLabelValues(service, name, status.Code(err).String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveSessions.Inc()
}

func DecWSActive() {
	wsActiveSessions.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncPublishError() {
	publishErrorsTotal.Inc()
}

func IncMessageSent(contentType string) {
	messagesSentTotal.WithLabelValues(contentType).Inc()
}

func IncSendFailure(kind string) {
	sendFailuresTotal.WithLabelValues(kind).Inc()
}

func IncChangeEvent(table, op string) {
	changeEventsTotal.WithLabelValues(table, op).Inc()
}

func SetChangeSubscriptions(n int) {
	changeSubscriptions.Set(float64(n))
}

func IncListenerEvent(event string) {
	listenerEventsTotal.WithLabelValues(event).Inc()
}

func IncDedupHit() {
	dedupHitsTotal.Inc()
}

func IncResync() {
	resyncsTotal.Inc()
}
