// Package telemetry keeps in-process counters and histograms for the bridge
// and exposes them in Prometheus text format. It has no exporter dependency:
// the /metrics endpoint is scraped directly.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Bucket boundaries in seconds.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	deliveryDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are stored non-cumulative and summed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// family is a set of series sharing a metric name, keyed by rendered labels.
type family struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	histograms map[string]*histogram
	boundaries []float64
}

func newFamily(boundaries []float64) *family {
	return &family{
		counters:   make(map[string]*int64),
		histograms: make(map[string]*histogram),
		boundaries: boundaries,
	}
}

func (f *family) inc(labels string) {
	f.mu.RLock()
	p, ok := f.counters[labels]
	f.mu.RUnlock()
	if !ok {
		f.mu.Lock()
		if p, ok = f.counters[labels]; !ok {
			p = new(int64)
			f.counters[labels] = p
		}
		f.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (f *family) observe(labels string, v float64) {
	f.mu.RLock()
	h, ok := f.histograms[labels]
	f.mu.RUnlock()
	if !ok {
		f.mu.Lock()
		if h, ok = f.histograms[labels]; !ok {
			h = newHistogram(f.boundaries)
			f.histograms[labels] = h
		}
		f.mu.Unlock()
	}
	h.Observe(v)
}

func (f *family) counter(labels string) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if p, ok := f.counters[labels]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (f *family) sortedCounterKeys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.counters))
	for k := range f.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *family) sortedHistogramKeys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.histograms))
	for k := range f.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *family) histogram(labels string) *histogram {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.histograms[labels]
}

// Labels renders label pairs in Prometheus form: k1="v1",k2="v2".
func Labels(kv ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kv[i], kv[i+1])
	}
	return b.String()
}

// Metrics holds every series the bridge exports. The zero value is not
// usable; call NewMetrics.
type Metrics struct {
	messages       *family
	payloads       *family
	deliveryTime   *family
	httpRequests   *family
	activeRequests int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		messages:     newFamily(nil),
		payloads:     newFamily(nil),
		deliveryTime: newFamily(deliveryDurationBuckets),
		httpRequests: newFamily(httpDurationBuckets),
	}
}

// MessageHandled counts one inbound message by transport and the
// acknowledgment code returned (or "escalated").
func (m *Metrics) MessageHandled(transport, result string) {
	m.messages.inc(Labels("transport", transport, "result", result))
}

// PayloadDelivered records one downstream $process-message call.
func (m *Metrics) PayloadDelivered(messageType string, ok bool, d time.Duration) {
	result := "delivered"
	if !ok {
		result = "failed"
	}
	labels := Labels("message_type", messageType, "result", result)
	m.payloads.inc(labels)
	m.deliveryTime.observe(labels, d.Seconds())
}

// MessagesHandled returns the current count for one transport and result.
func (m *Metrics) MessagesHandled(transport, result string) int64 {
	return m.messages.counter(Labels("transport", transport, "result", result))
}

// PayloadsDelivered returns the current payload count for one message type.
func (m *Metrics) PayloadsDelivered(messageType string, ok bool) int64 {
	result := "delivered"
	if !ok {
		result = "failed"
	}
	return m.payloads.counter(Labels("message_type", messageType, "result", result))
}

// Middleware records request duration by method, route and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.activeRequests, 1)
			defer atomic.AddInt64(&m.activeRequests, -1)

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.httpRequests.observe(
				Labels("method", c.Request().Method, "route", route, "status_code", strconv.Itoa(status)),
				time.Since(start).Seconds(),
			)
			return err
		}
	}
}

// Handler serves every series in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeCounters(&b, "hl7bridge_messages_total", "Inbound HL7v2 messages by transport and acknowledgment.", m.messages)
		writeCounters(&b, "hl7bridge_payloads_total", "FHIR message bundles sent downstream by result.", m.payloads)
		writeHistograms(&b, "hl7bridge_delivery_duration_seconds", "Latency of $process-message calls.", m.deliveryTime)
		writeHistograms(&b, "http_server_request_duration_seconds", "Duration of HTTP requests in seconds.", m.httpRequests)

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n", atomic.LoadInt64(&m.activeRequests))

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeCounters(b *strings.Builder, name, help string, f *family) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, labels := range f.sortedCounterKeys() {
		fmt.Fprintf(b, "%s{%s} %d\n", name, labels, f.counter(labels))
	}
	b.WriteByte('\n')
}

func writeHistograms(b *strings.Builder, name, help string, f *family) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for _, labels := range f.sortedHistogramKeys() {
		h := f.histogram(labels)
		cum := h.cumulativeBuckets()
		for i, boundary := range f.boundaries {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
		fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
	}
	b.WriteByte('\n')
}
