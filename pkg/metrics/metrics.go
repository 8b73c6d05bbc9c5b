// Package metrics provides operational metrics for the circuit swarm proxy.
// This package tracks circuit lifecycle, dialer and proxy-level metrics
// for observability and monitoring.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics provides a comprehensive metrics collection for the swarm
type Metrics struct {
	// Circuit lifecycle metrics
	CircuitStarts        *Counter
	CircuitRestarts      *Counter
	CircuitResurrections *Counter
	CircuitTerminations  *Counter
	CircuitBootTime      *Histogram
	ConnectedCircuits    *Gauge

	// Dialer metrics
	DialersIssued  *Counter
	DialerRefusals *Counter // circuit mid-restart or socket budget spent
	DialerErrors   *Counter
	DialerTime     *Histogram
	ActiveDialers  *Gauge

	// Drain metrics
	Drains        *Counter
	DrainTimeouts *Counter

	// Proxy metrics
	ProxyRequests *Counter
	ProxyTunnels  *Counter
	ProxyErrors   *Counter
	ProxyData     *Counter // bytes piped

	// System metrics
	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a new metrics instance
func New() *Metrics {
	now := time.Now()
	return &Metrics{
		CircuitStarts:        NewCounter(),
		CircuitRestarts:      NewCounter(),
		CircuitResurrections: NewCounter(),
		CircuitTerminations:  NewCounter(),
		CircuitBootTime:      NewHistogram(),
		ConnectedCircuits:    NewGauge(),

		DialersIssued:  NewCounter(),
		DialerRefusals: NewCounter(),
		DialerErrors:   NewCounter(),
		DialerTime:     NewHistogram(),
		ActiveDialers:  NewGauge(),

		Drains:        NewCounter(),
		DrainTimeouts: NewCounter(),

		ProxyRequests: NewCounter(),
		ProxyTunnels:  NewCounter(),
		ProxyErrors:   NewCounter(),
		ProxyData:     NewCounter(),

		Uptime:    NewGauge(),
		startTime: now,
	}
}

// RecordBoot records a circuit reaching readiness and how long it took
func (m *Metrics) RecordBoot(duration time.Duration) {
	m.CircuitStarts.Inc()
	m.CircuitBootTime.Observe(duration)
	m.ConnectedCircuits.Inc()
}

// RecordDialer records a dialer end-of-life report
func (m *Metrics) RecordDialer(duration time.Duration, errors int64) {
	m.DialerTime.Observe(duration)
	m.DialerErrors.Add(errors)
	m.ActiveDialers.Dec()
}

// UpdateUptime updates the uptime metric
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		CircuitStarts:        m.CircuitStarts.Value(),
		CircuitRestarts:      m.CircuitRestarts.Value(),
		CircuitResurrections: m.CircuitResurrections.Value(),
		CircuitTerminations:  m.CircuitTerminations.Value(),
		CircuitBootTimeAvg:   m.CircuitBootTime.Mean(),
		CircuitBootTimeP95:   m.CircuitBootTime.Percentile(0.95),
		ConnectedCircuits:    m.ConnectedCircuits.Value(),

		DialersIssued:  m.DialersIssued.Value(),
		DialerRefusals: m.DialerRefusals.Value(),
		DialerErrors:   m.DialerErrors.Value(),
		DialerTimeAvg:  m.DialerTime.Mean(),
		DialerTimeP95:  m.DialerTime.Percentile(0.95),
		ActiveDialers:  m.ActiveDialers.Value(),

		Drains:        m.Drains.Value(),
		DrainTimeouts: m.DrainTimeouts.Value(),

		ProxyRequests: m.ProxyRequests.Value(),
		ProxyTunnels:  m.ProxyTunnels.Value(),
		ProxyErrors:   m.ProxyErrors.Value(),
		ProxyData:     m.ProxyData.Value(),

		UptimeSeconds: m.Uptime.Value(),
	}
}

// Snapshot represents a point-in-time snapshot of metrics
type Snapshot struct {
	CircuitStarts        int64
	CircuitRestarts      int64
	CircuitResurrections int64
	CircuitTerminations  int64
	CircuitBootTimeAvg   time.Duration
	CircuitBootTimeP95   time.Duration
	ConnectedCircuits    int64

	DialersIssued  int64
	DialerRefusals int64
	DialerErrors   int64
	DialerTimeAvg  time.Duration
	DialerTimeP95  time.Duration
	ActiveDialers  int64

	Drains        int64
	DrainTimeouts int64

	ProxyRequests int64
	ProxyTunnels  int64
	ProxyErrors   int64
	ProxyData     int64 // bytes

	UptimeSeconds int64
}

// Counter is a monotonically increasing counter
type Counter struct {
	value int64
}

// NewCounter creates a new counter
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds n to the counter
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a value that can go up or down
type Gauge struct {
	value int64
}

// NewGauge creates a new gauge
func NewGauge() *Gauge {
	return &Gauge{}
}

// Set sets the gauge to a specific value
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds n to the gauge
func (g *Gauge) Add(n int64) {
	atomic.AddInt64(&g.value, n)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// Histogram tracks distribution of durations
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

// NewHistogram creates a new histogram
func NewHistogram() *Histogram {
	return &Histogram{
		observations: make([]time.Duration, 0, 1000),
	}
}

// Observe adds a new observation to the histogram
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Keep last 1000 observations to prevent unbounded memory growth
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Mean returns the mean of all observations
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0)
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// Count returns the number of observations
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
