package observability

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Metric names emitted by this service. Keeping the whole scrape surface in
// one block makes it reviewable at a glance; emitters reference these
// constants instead of retyping strings.
const (
	MetricJobsEnqueued     = "jobs_enqueued_total"
	MetricJobsLeased       = "jobs_leased_total"
	MetricJobsCompleted    = "jobs_completed_total"
	MetricJobsFailed       = "jobs_failed_total"
	MetricJobsRetried      = "jobs_retried_total"
	MetricJobsPromoted     = "jobs_promoted_total"
	MetricJobsStalled      = "jobs_stalled_requeued_total"
	MetricJobsCleaned      = "jobs_cleaned_total"
	MetricQueueWaiting     = "queue_waiting_count"
	MetricQueueActive      = "queue_active_count"
	MetricQueueDelayed     = "queue_delayed_count"
	MetricViewsFetched     = "views_fetched_total"
	MetricViewsFailed      = "views_failed_total"
	MetricReportsDelivered = "reports_delivered_total"
	MetricFailureNotices   = "failure_notifications_total"
)

// MetricPoint is one labelled series value, as exposed on the JSON
// snapshot.
type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type point struct {
	name    string
	labels  map[string]string
	value   float64
	counter bool
}

// Registry collects the fixed set of counters and gauges above. Counters
// accumulate per label set; gauges keep the last written value. The
// registry is scraped as Prometheus text and mirrored on the JSON
// snapshot.
type Registry struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewRegistry() *Registry {
	return &Registry{points: make(map[string]*point)}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.point(name, labels)
	p.counter = true
	p.value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.point(name, labels)
	p.counter = false
	p.value = value
}

// point returns the series for (name, labels), creating it on first use.
// Callers hold r.mu.
func (r *Registry) point(name string, labels map[string]string) *point {
	key := seriesKey(name, labels)
	p, ok := r.points[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		if len(copied) == 0 {
			copied = nil
		}
		p = &point{name: name, labels: copied}
		r.points[key] = p
	}
	return p
}

// Snapshot lists every series, sorted by name then label values, so the
// JSON endpoint and tests see a stable order.
func (r *Registry) Snapshot() []MetricPoint {
	r.mu.Lock()
	keys := make([]string, 0, len(r.points))
	for k := range r.points {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]MetricPoint, 0, len(keys))
	for _, k := range keys {
		p := r.points[k]
		labels := make(map[string]string, len(p.labels))
		for lk, lv := range p.labels {
			labels[lk] = lv
		}
		if len(labels) == 0 {
			labels = nil
		}
		out = append(out, MetricPoint{Name: p.name, Labels: labels, Value: p.value})
	}
	r.mu.Unlock()
	return out
}

// RenderPrometheus writes the text exposition format, one line per series.
func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	for _, p := range r.Snapshot() {
		b.WriteString(p.Name)
		if len(p.Labels) > 0 {
			b.WriteByte('{')
			keys := make([]string, 0, len(p.Labels))
			for k := range p.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i, k := range keys {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(k)
				b.WriteString("=\"")
				b.WriteString(p.Labels[k])
				b.WriteString("\"")
			}
			b.WriteByte('}')
		}
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))
		b.WriteByte('\n')
	}
	return b.String()
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
