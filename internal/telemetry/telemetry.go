// Package telemetry keeps in-memory labeled counters fed by pipeline metric
// intents. Counters back the bridge health payload and tests; there is no
// external export.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry is a labeled counter registry. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
}

var (
	instance *Registry
	once     sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	once.Do(func() {
		instance = NewRegistry()
	})
	return instance
}

// NewRegistry creates an empty registry. Tests use private registries.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]int64)}
}

// Incr adds delta to the counter identified by name and labels.
func (r *Registry) Incr(name string, labels map[string]string, delta int64) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.counters[key] += delta
	r.mu.Unlock()
}

// Count returns the current value of a series, 0 when never written.
func (r *Registry) Count(name string, labels map[string]string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[seriesKey(name, labels)]
}

// Snapshot returns a copy of all series, keyed by canonical series name.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// seriesKey builds a canonical key: name{k1=v1,k2=v2} with sorted labels.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%s", k, labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}
