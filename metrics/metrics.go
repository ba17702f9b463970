// Package metrics provides Prometheus metrics for ping sessions.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	namespace = "rawping"
)

// Metrics contains all Prometheus metrics of a ping session.
type Metrics struct {
	RequestsSent    prometheus.Counter
	BytesSent       prometheus.Counter
	RepliesReceived prometheus.Counter
	Timeouts        prometheus.Counter
	Discarded       *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	RTT             prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_requests_sent_total",
			Help:      "Total number of echo requests sent",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total ICMP bytes written to the socket",
		}),
		RepliesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_replies_received_total",
			Help:      "Total number of matching echo replies",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_timeouts_total",
			Help:      "Total number of echo requests without a reply in time",
		}),
		Discarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_discarded_total",
			Help:      "Received datagrams that did not match the pending request, by reason",
		}, []string{"reason"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Fatal session errors by operation",
		}, []string{"op"}),
		RTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Histogram of echo round-trip time in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
}

// RecordSend records one echo request of n bytes.
func (m *Metrics) RecordSend(n int) {
	m.RequestsSent.Inc()
	m.BytesSent.Add(float64(n))
}

// RecordReply records a matching reply.
func (m *Metrics) RecordReply(rtt time.Duration) {
	m.RepliesReceived.Inc()
	m.RTT.Observe(rtt.Seconds())
}

func (m *Metrics) RecordTimeout() {
	m.Timeouts.Inc()
}

func (m *Metrics) RecordDiscard(reason string) {
	m.Discarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordError(op string) {
	m.Errors.WithLabelValues(op).Inc()
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.Info("[ METRICS ] listening on ", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
