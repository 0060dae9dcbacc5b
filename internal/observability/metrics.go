package observability

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/dispatch-monitor/internal/reconcile"
)

// DashboardCollector bundles the Prometheus metrics of the dispatch monitor:
// per-collection reconciliation counters, cancellation outcomes, connected
// screens and HTTP traffic.
type DashboardCollector struct {
	gatherer prometheus.Gatherer

	VisibleEntities     *prometheus.GaugeVec
	SnapshotDocuments   *prometheus.GaugeVec
	ChangeEvents        *prometheus.CounterVec
	MalformedEntities   *prometheus.CounterVec
	InsertNotifications *prometheus.CounterVec
	BatchApplyDuration  *prometheus.HistogramVec

	Cancellations *prometheus.CounterVec
	WSClients     prometheus.Gauge

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// NewDashboardCollector registers the dashboard metrics against reg,
// defaulting to the global Prometheus registry when nil. Registering twice
// against the same registry returns the existing collectors.
func NewDashboardCollector(reg prometheus.Registerer) (*DashboardCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &DashboardCollector{gatherer: gatherer}
	var err error

	if c.VisibleEntities, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_visible_entities",
		Help: "Entities currently drawn on the map, by collection.",
	}, []string{"collection"}), "dispatch_visible_entities"); err != nil {
		return nil, err
	}
	if c.SnapshotDocuments, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_snapshot_documents",
		Help: "Documents in the latest snapshot, by collection, regardless of display.",
	}, []string{"collection"}), "dispatch_snapshot_documents"); err != nil {
		return nil, err
	}
	if c.ChangeEvents, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_change_events_total",
		Help: "Change events applied, by collection and kind.",
	}, []string{"collection", "kind"}), "dispatch_change_events_total"); err != nil {
		return nil, err
	}
	if c.MalformedEntities, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_malformed_entities_total",
		Help: "Changed entities skipped because they could not be rendered.",
	}, []string{"collection"}), "dispatch_malformed_entities_total"); err != nil {
		return nil, err
	}
	if c.InsertNotifications, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_insert_notifications_total",
		Help: "First-insert-after-load notifications fired, by collection.",
	}, []string{"collection"}), "dispatch_insert_notifications_total"); err != nil {
		return nil, err
	}
	if c.BatchApplyDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_batch_apply_duration_seconds",
		Help:    "Time spent applying one change batch.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"collection"}), "dispatch_batch_apply_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Cancellations, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_cancellations_total",
		Help: "Operator cancellation attempts, by outcome.",
	}, []string{"outcome"}), "dispatch_cancellations_total"); err != nil {
		return nil, err
	}
	if c.WSClients, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_ws_clients",
		Help: "Connected dashboard screens.",
	}), "dispatch_ws_clients"); err != nil {
		return nil, err
	}
	if c.HTTPRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_http_requests_total",
		Help: "Handled HTTP requests, by route, method and status code.",
	}, []string{"route", "method", "code"}), "dispatch_http_requests_total"); err != nil {
		return nil, err
	}
	if c.HTTPDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "method"}), "dispatch_http_request_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

var _ reconcile.Recorder = (*DashboardCollector)(nil)

// RecordBatch implements reconcile.Recorder.
func (c *DashboardCollector) RecordBatch(collection string, res reconcile.Result, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.VisibleEntities.WithLabelValues(collection).Set(float64(res.VisibleCount))
	c.SnapshotDocuments.WithLabelValues(collection).Set(float64(res.TotalSnapshotSize))
	if res.Added > 0 {
		c.ChangeEvents.WithLabelValues(collection, "added").Add(float64(res.Added))
	}
	if res.Modified > 0 {
		c.ChangeEvents.WithLabelValues(collection, "modified").Add(float64(res.Modified))
	}
	if res.Removed > 0 {
		c.ChangeEvents.WithLabelValues(collection, "removed").Add(float64(res.Removed))
	}
	if res.Skipped > 0 {
		c.MalformedEntities.WithLabelValues(collection).Add(float64(res.Skipped))
	}
	if res.FirstInsertFired {
		c.InsertNotifications.WithLabelValues(collection).Inc()
	}
	c.BatchApplyDuration.WithLabelValues(collection).Observe(elapsed.Seconds())
}

// RecordCancellation counts one cancellation outcome.
func (c *DashboardCollector) RecordCancellation(outcome string) {
	if c == nil {
		return
	}
	c.Cancellations.WithLabelValues(outcome).Inc()
}

// SetClients sets the connected screen gauge.
func (c *DashboardCollector) SetClients(n int) {
	if c == nil {
		return
	}
	c.WSClients.Set(float64(n))
}

// HTTPMiddleware records request counts and durations. route maps a request
// to its route pattern after the handler ran; an empty result is reported as
// "unmatched" to keep label cardinality bounded.
func (c *DashboardCollector) HTTPMiddleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			if c == nil {
				return
			}
			name := ""
			if route != nil {
				name = route(r)
			}
			if name == "" {
				name = "unmatched"
			}
			c.HTTPRequests.WithLabelValues(name, r.Method, strconv.Itoa(sw.code)).Inc()
			c.HTTPDurations.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *DashboardCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack passes connection takeover through for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
