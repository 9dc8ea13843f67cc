// Package metrics is a small Prometheus text-format collector for the relay.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const namespace = "sigrelay"

// Collector is the process-wide registry.
var Collector = NewCollector()

type Registry struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewCollector() *Registry {
	return &Registry{startTime: time.Now()}
}

func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks a distribution over fixed upper bounds.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns how many values were observed.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func metricKey(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns or creates the counter for name and labels.
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := metricKey(name, labels)
	if v, ok := r.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := r.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	key := metricKey(name, labels)
	if v, ok := r.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := r.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := metricKey(name, labels)
	if v, ok := r.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := r.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// WriteTo renders every metric, sorted by name and labels.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP %s_uptime_seconds Time since start in seconds\n", namespace)
	fmt.Fprintf(&sb, "# TYPE %s_uptime_seconds gauge\n", namespace)
	fmt.Fprintf(&sb, "%s_uptime_seconds %d\n", namespace, int64(r.Uptime().Seconds()))

	var counters []*Counter
	r.counters.Range(func(_, v any) bool {
		counters = append(counters, v.(*Counter))
		return true
	})
	sort.Slice(counters, func(i, j int) bool {
		return metricKey(counters[i].name, counters[i].labels) < metricKey(counters[j].name, counters[j].labels)
	})
	written := make(map[string]bool)
	for _, c := range counters {
		writeHeader(&sb, written, c.name, c.help, "counter")
		writeSample(&sb, c.name, c.labels, fmt.Sprint(c.Value()))
	}

	var gauges []*Gauge
	r.gauges.Range(func(_, v any) bool {
		gauges = append(gauges, v.(*Gauge))
		return true
	})
	sort.Slice(gauges, func(i, j int) bool {
		return metricKey(gauges[i].name, gauges[i].labels) < metricKey(gauges[j].name, gauges[j].labels)
	})
	for _, g := range gauges {
		writeHeader(&sb, written, g.name, g.help, "gauge")
		writeSample(&sb, g.name, g.labels, fmt.Sprint(g.Value()))
	}

	var histograms []*Histogram
	r.histograms.Range(func(_, v any) bool {
		histograms = append(histograms, v.(*Histogram))
		return true
	})
	sort.Slice(histograms, func(i, j int) bool {
		return metricKey(histograms[i].name, histograms[i].labels) < metricKey(histograms[j].name, histograms[j].labels)
	})
	for _, h := range histograms {
		h.mu.Lock()
		writeHeader(&sb, written, h.name, h.help, "histogram")
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			writeSample(&sb, h.name+"_bucket", joinLabels(h.labels, `le="`+le+`"`), fmt.Sprint(b.count))
		}
		writeSample(&sb, h.name+"_bucket", joinLabels(h.labels, `le="+Inf"`), fmt.Sprint(h.count))
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		writeSample(&sb, h.name+"_count", h.labels, fmt.Sprint(h.count))
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func writeHeader(sb *strings.Builder, written map[string]bool, name, help, kind string) {
	if written[name] {
		return
	}
	written[name] = true
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
}

func writeSample(sb *strings.Builder, name, labels, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
		return
	}
	fmt.Fprintf(sb, "%s %s\n", name, value)
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

var (
	RequestsQueued    = Collector.Counter(namespace+"_requests_queued_total", "Outbound requests accepted into the queue", "")
	RequestsRejected  = Collector.Counter(namespace+"_requests_rejected_total", "Outbound requests refused by the queue", "")
	RequestsProcessed = Collector.Counter(namespace+"_requests_processed_total", "Outbound requests sent", "")
	RequestsFailed    = Collector.Counter(namespace+"_requests_failed_total", "Outbound requests abandoned", "")
	EventsReceived    = Collector.Counter(namespace+"_events_total", "Classified events", `direction="received"`)
	EventsSent        = Collector.Counter(namespace+"_events_total", "Classified events", `direction="sent"`)
	EventsDropped     = Collector.Counter(namespace+"_events_dropped_total", "Inbound items that produced no event", "")
	AttachmentsSaved  = Collector.Counter(namespace+"_attachments_saved_total", "Attachments written to disk", "")
	AttachmentsFailed = Collector.Counter(namespace+"_attachments_failed_total", "Attachments that could not be fetched or written", "")
	NotifyFailures    = Collector.Counter(namespace+"_notify_failures_total", "Notification deliveries that failed", "")

	QueueDepth   = Collector.Gauge(namespace+"_queue_depth", "Outbound requests waiting in the queue", "")
	SessionsOpen = Collector.Gauge(namespace+"_sessions_open", "Open protocol sessions", "")

	SendLatency = Collector.Histogram(namespace+"_send_latency_seconds", "Outbound send latency in seconds", "", latencyBuckets)
	RequestTime = Collector.Histogram(namespace+"_request_duration_seconds", "Full request processing time in seconds", "",
		[]float64{1, 2, 4, 5, 6, 8, 10, 30, 60})
)
