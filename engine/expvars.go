package engine

import (
	"expvar"
	"fmt"
	"time"
)

// Upper bounds of the latency histogram buckets.
var latencyBuckets = []time.Duration{
	time.Millisecond, 5 * time.Millisecond, 10 * time.Millisecond, 25 * time.Millisecond,
	50 * time.Millisecond, 100 * time.Millisecond, 250 * time.Millisecond, 500 * time.Millisecond,
	time.Second, 5 * time.Second,
}

func bucketKey(b time.Duration) string {
	return fmt.Sprintf("le_%.3f", b.Seconds())
}

// initHistogram resets m to an empty cumulative histogram.
func initHistogram(m *expvar.Map) {
	m.Set("count", new(expvar.Int))
	m.Set("sum", new(expvar.Float))
	for _, b := range latencyBuckets {
		m.Set(bucketKey(b), new(expvar.Int))
	}
	m.Set("le_inf", new(expvar.Int))
}

// observeLatency adds d to every bucket whose bound it does not exceed.
func observeLatency(m *expvar.Map, d time.Duration) {
	if m == nil {
		return
	}
	m.Add("count", 1)
	m.AddFloat("sum", d.Seconds())
	for _, b := range latencyBuckets {
		if d <= b {
			m.Add(bucketKey(b), 1)
		}
	}
	m.Add("le_inf", 1)
}

// published returns the global variable called name, creating it on first
// use. Engines reopened in one process share their counters.
func published[T expvar.Var](name string, create func(string) T) T {
	v := expvar.Get(name)
	if v == nil {
		return create(name)
	}
	existing, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("expvar %s already published as %T", name, v))
	}
	return existing
}

// publishFunc exposes f under name unless something already holds it.
func publishFunc(name string, f func() interface{}) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, expvar.Func(f))
	}
}
