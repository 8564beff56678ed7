package obs

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is a fire-and-forget sink for named counters. Implementations
// must never block the caller; emission failures are dropped silently.
type Recorder interface {
	Record(name string, value float64, tags map[string]string)
}

// NopRecorder discards every observation.
type NopRecorder struct{}

func (NopRecorder) Record(string, float64, map[string]string) {}

// PromRecorder materialises observations as Prometheus counters registered
// lazily on first use. The tag key set of the first observation for a name
// fixes the label schema; later observations with extra tags drop them.
type PromRecorder struct {
	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	labels   map[string][]string
	reg      prometheus.Registerer
}

// NewPromRecorder builds a recorder backed by the given registerer
// (pass prometheus.DefaultRegisterer in production).
func NewPromRecorder(reg prometheus.Registerer) *PromRecorder {
	return &PromRecorder{
		counters: make(map[string]*prometheus.CounterVec),
		labels:   make(map[string][]string),
		reg:      reg,
	}
}

func (r *PromRecorder) Record(name string, value float64, tags map[string]string) {
	if name == "" || value < 0 {
		return
	}
	r.mu.Lock()
	vec, ok := r.counters[name]
	if !ok {
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: "Gateway counter " + name + ".",
		}, keys)
		if err := r.reg.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		r.counters[name] = vec
		r.labels[name] = keys
	}
	keys := r.labels[name]
	r.mu.Unlock()

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	c, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	c.Add(value)
}
