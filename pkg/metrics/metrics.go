// Package metrics is a small hand-rolled metrics registry that renders the
// Prometheus text exposition format. It covers the counters, gauges and
// histograms the Quill services need without pulling in a client library.
// Labels are baked into the series name with WithLabels, so each label
// combination is its own series under a shared family header.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets cover request latencies from 5ms up to a minute.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter only goes up.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge moves in both directions.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.val.Store(n) }
func (g *Gauge) Inc()         { g.val.Add(1) }
func (g *Gauge) Dec()         { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// SetFloat stores f as raw float64 bits. Read it back with FloatValue,
// Render shows the integer form.
func (g *Gauge) SetFloat(f float64) { g.val.Store(int64(math.Float64bits(f))) }

// FloatValue reinterprets the gauge as float64 bits.
func (g *Gauge) FloatValue() float64 { return math.Float64frombits(uint64(g.val.Load())) }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64 // per bucket, Render accumulates
	sum    float64
	count  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := make([]float64, len(bounds))
	copy(b, bounds)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b))}
}

// Observe records v in the smallest bucket whose bound covers it.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed from t.
func (h *Histogram) Since(t time.Time) {
	h.Observe(time.Since(t).Seconds())
}

// snapshot copies the histogram state for rendering and tests.
func (h *Histogram) snapshot() ([]float64, []uint64, float64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make([]uint64, len(h.counts))
	copy(counts, h.counts)
	return h.bounds, counts, h.sum, h.count
}

// family groups every series sharing a base name, so labeled variants
// render under one HELP/TYPE header.
type family struct {
	typ    string
	help   string
	series map[string]any // *Counter, *Gauge or *Histogram, keyed by full name
}

// Registry hands out metrics and renders them. The zero value is not
// usable, call New.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	order    []string // family registration order
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// register finds or creates the family for name. Caller holds mu.
func (r *Registry) register(name, typ, help string) *family {
	base := familyName(name)
	fam := r.families[base]
	if fam == nil {
		fam = &family{typ: typ, series: make(map[string]any)}
		r.families[base] = fam
		r.order = append(r.order, base)
	}
	if fam.help == "" && help != "" {
		fam.help = help
	}
	return fam
}

// Counter returns the counter registered under name, creating it on first
// use. Pass a WithLabels name for a labeled series.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	fam := r.register(name, "counter", help)
	if c, ok := fam.series[name].(*Counter); ok {
		return c
	}
	c := &Counter{}
	fam.series[name] = c
	return c
}

// Gauge returns the gauge registered under name, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	fam := r.register(name, "gauge", help)
	if g, ok := fam.series[name].(*Gauge); ok {
		return g
	}
	g := &Gauge{}
	fam.series[name] = g
	return g
}

// Histogram returns the histogram registered under name, creating it with
// the given bucket bounds on first use. Nil buckets means DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fam := r.register(name, "histogram", help)
	if h, ok := fam.series[name].(*Histogram); ok {
		return h
	}
	h := newHistogram(buckets)
	fam.series[name] = h
	return h
}

// WithLabels bakes label pairs into a series name in the order given, so
// WithLabels("jobs_total", "stage", "parse") yields jobs_total{stage="parse"}.
// An odd number of values leaves the name untouched.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i < len(kvs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(kvs[i])
		b.WriteString(`="`)
		b.WriteString(kvs[i+1])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// familyName strips the label portion from a series name.
func familyName(name string) string {
	if i := strings.IndexByte(name, '{'); i != -1 {
		return name[:i]
	}
	return name
}

// Render writes every family in registration order using the Prometheus
// text exposition format, labeled series sorted within their family.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, base := range r.order {
		fam := r.families[base]
		if fam.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, fam.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", base, fam.typ)

		names := make([]string, 0, len(fam.series))
		for n := range fam.series {
			names = append(names, n)
		}
		sort.Strings(names)

		for _, n := range names {
			switch m := fam.series[n].(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s %d\n", n, m.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s %d\n", n, m.Value())
			case *Histogram:
				renderHistogram(&b, base, n, m)
			}
		}
	}
	return b.String()
}

// renderHistogram emits the cumulative bucket series plus sum and count.
func renderHistogram(b *strings.Builder, base, name string, h *Histogram) {
	bounds, counts, sum, count := h.snapshot()
	labels := labelSuffix(name)
	var cum uint64
	for i, bound := range bounds {
		cum += counts[i]
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"%s} %d\n", base, bound, labels, cum)
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"%s} %d\n", base, labels, count)
	fmt.Fprintf(b, "%s_sum%s %g\n", base, braced(labels), sum)
	fmt.Fprintf(b, "%s_count%s %d\n", base, braced(labels), count)
}

// labelSuffix pulls the labels out of a series name as `,k="v"` for
// splicing in after the le bound.
func labelSuffix(name string) string {
	i := strings.IndexByte(name, '{')
	if i == -1 {
		return ""
	}
	inner := name[i+1 : len(name)-1]
	if inner == "" {
		return ""
	}
	return "," + inner
}

// braced turns a labelSuffix back into a standalone `{k="v"}` block.
func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels[1:] + "}"
}

// CollectRuntime samples Go runtime stats into gauges named
// <prefix>_goroutines, <prefix>_heap_alloc_bytes, <prefix>_heap_objects
// and <prefix>_gc_cycles. One sample is taken immediately, then every
// interval for the life of the process.
func (r *Registry) CollectRuntime(prefix string, interval time.Duration) {
	goroutines := r.Gauge(prefix+"_goroutines", "Number of goroutines")
	heapAlloc := r.Gauge(prefix+"_heap_alloc_bytes", "Bytes of allocated heap objects")
	heapObjects := r.Gauge(prefix+"_heap_objects", "Number of allocated heap objects")
	gcCycles := r.Gauge(prefix+"_gc_cycles", "Completed GC cycles")

	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		goroutines.Set(int64(runtime.NumGoroutine()))
		heapAlloc.Set(int64(ms.HeapAlloc))
		heapObjects.Set(int64(ms.HeapObjects))
		gcCycles.Set(int64(ms.NumGC))
	}
	sample()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			sample()
		}
	}()
}

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}

// Serve blocks serving /metrics on the given port. The root path answers
// "ok" for liveness probes.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync runs Serve in a goroutine and reports errors on stderr.
func (r *Registry) ServeAsync(port int) {
	go func() {
		if err := r.Serve(port); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server on port %d: %v\n", port, err)
		}
	}()
}
