// Package expvarom publishes expvar-backed counters that also know how to
// render themselves as Prometheus text exposition format, so the same
// counters can be scraped by a Prometheus-style collector as well as
// inspected via the standard /debug/vars handler.
package expvarom

import (
	"bytes"
	"expvar"
	"fmt"
	"sort"
	"sync"
)

// Int is a monotonic counter, exported under expvar and renderable as a
// Prometheus "# TYPE ... counter" metric.
type Int struct {
	name, help string
	v          expvar.Int
}

// NewInt creates, publishes (via expvar.Publish) and returns a new counter
// named name, with the given help text.
func NewInt(name, help string) *Int {
	i := &Int{name: name, help: help}
	expvar.Publish(name, i)
	return i
}

// Add increments the counter by delta.
func (i *Int) Add(delta int64) {
	i.v.Add(delta)
}

// Value returns the counter's current value.
func (i *Int) Value() int64 {
	return i.v.Value()
}

// String implements expvar.Var, so Int can be embedded directly in the
// expvar variable set.
func (i *Int) String() string {
	return i.v.String()
}

// WritePrometheus renders the counter in Prometheus text exposition format.
func (i *Int) WritePrometheus(w *bytes.Buffer) {
	name := metricName(i.name)
	fmt.Fprintf(w, "# HELP %s %s\n", name, i.help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, i.Value())
}

// Map is a counter broken down by a single label, e.g. a command name or a
// response code: a set of independent named counters sharing one metric
// name and one label key, in the way Prometheus summarizes a label
// dimension.
type Map struct {
	name, label, help string

	mu     sync.Mutex
	values map[string]int64
}

// NewMap creates, publishes and returns a new labeled counter set. label is
// the Prometheus label name attached to every value recorded via Add.
func NewMap(name, label, help string) *Map {
	m := &Map{name: name, label: label, help: help, values: map[string]int64{}}
	expvar.Publish(name, m)
	return m
}

// Add increments the counter keyed by labelValue by delta, creating it if
// this is the first time labelValue is seen.
func (m *Map) Add(labelValue string, delta int64) {
	m.mu.Lock()
	m.values[labelValue] += delta
	m.mu.Unlock()
}

// Get returns the current value for labelValue.
func (m *Map) Get(labelValue string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[labelValue]
}

// String implements expvar.Var, rendering as a JSON object of labelValue ->
// count, matching expvar.Map's own format.
func (m *Map) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %d", k, m.values[k])
	}
	b.WriteByte('}')
	return b.String()
}

// WritePrometheus renders the full label set in Prometheus text exposition
// format, one sample line per distinct label value.
func (m *Map) WritePrometheus(w *bytes.Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := metricName(m.name)
	fmt.Fprintf(w, "# HELP %s %s\n", name, m.help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, m.label, k, m.values[k])
	}
}

// metricName turns a "pkg/subpkg/metricName"-style expvar name (the
// convention this package's callers use) into a Prometheus-friendly
// underscore-separated identifier.
func metricName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// prometheusVar is implemented by Int and Map.
type prometheusVar interface {
	WritePrometheus(w *bytes.Buffer)
}

// WriteAllPrometheus renders every expvar.Var that also implements
// prometheusVar (i.e. every Int/Map published through this package) in
// Prometheus text exposition format. Intended to back a "/metrics" handler.
func WriteAllPrometheus(w *bytes.Buffer) {
	expvar.Do(func(kv expvar.KeyValue) {
		if pv, ok := kv.Value.(prometheusVar); ok {
			pv.WritePrometheus(w)
		}
	})
}
