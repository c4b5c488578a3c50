package procdisp

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Counters
	RequestsTotal   int `json:"requests_total"`
	RequestsSuccess int `json:"requests_success"`
	RequestsFailed  int `json:"requests_failed"`

	// Latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	// Calls waiting for a reply
	InFlight    int `json:"in_flight"`
	InFlightMax int `json:"in_flight_max"`

	// Worker lifecycle
	WorkersSpawned int `json:"workers_spawned"`
	WorkersStopped int `json:"workers_stopped"`
	WorkersLost    int `json:"workers_lost"`
	PoolSize       int `json:"pool_size"`

	Timestamp time.Time `json:"timestamp"`
}

// latency is recorded in microseconds, up to one hour.
const (
	latencyMinUs   = 1
	latencyMaxUs   = int64(time.Hour / time.Microsecond)
	latencySigFigs = 3
)

// Metrics is a thread-safe metrics collector for a Dispatcher
type Metrics struct {
	mu sync.RWMutex

	requestsTotal   int
	requestsSuccess int
	requestsFailed  int

	inFlight    int
	inFlightMax int

	workersSpawned int
	workersStopped int
	workersLost    int
	poolSize       int

	latencies *hdrhistogram.Histogram
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		latencies: hdrhistogram.New(latencyMinUs, latencyMaxUs, latencySigFigs),
	}
}

// StartRequest starts tracking a request
// Returns start timestamp for later EndRequest() call
func (m *Metrics) StartRequest() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal++
	m.inFlight++
	if m.inFlight > m.inFlightMax {
		m.inFlightMax = m.inFlight
	}

	return time.Now()
}

// EndRequest ends tracking a request
// Returns latency in milliseconds
func (m *Metrics) EndRequest(startTime time.Time, success bool) float64 {
	elapsed := time.Since(startTime)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--
	if success {
		m.requestsSuccess++
	} else {
		m.requestsFailed++
	}
	m.recordLatency(elapsed)

	return float64(elapsed) / float64(time.Millisecond)
}

func (m *Metrics) recordLatency(d time.Duration) {
	us := d.Microseconds()
	if us < latencyMinUs {
		us = latencyMinUs
	}
	if us > latencyMaxUs {
		us = latencyMaxUs
	}
	// in range by construction
	_ = m.latencies.RecordValue(us)
}

// RecordSpawn records a worker that completed its handshake
func (m *Metrics) RecordSpawn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workersSpawned++
}

// RecordStop records a worker that reached the stopped state
func (m *Metrics) RecordStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workersStopped++
}

// RecordLost records a worker process that exited without being stopped
func (m *Metrics) RecordLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workersLost++
}

// SetPoolSize records the current pool size
func (m *Metrics) SetPoolSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolSize = n
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		RequestsTotal:   m.requestsTotal,
		RequestsSuccess: m.requestsSuccess,
		RequestsFailed:  m.requestsFailed,
		InFlight:        m.inFlight,
		InFlightMax:     m.inFlightMax,
		WorkersSpawned:  m.workersSpawned,
		WorkersStopped:  m.workersStopped,
		WorkersLost:     m.workersLost,
		PoolSize:        m.poolSize,
		Timestamp:       time.Now(),
	}

	if m.latencies.TotalCount() > 0 {
		snapshot.LatencyAvgMs = m.latencies.Mean() / 1000
		snapshot.LatencyMinMs = usToMs(m.latencies.Min())
		snapshot.LatencyMaxMs = usToMs(m.latencies.Max())
		snapshot.LatencyP50Ms = usToMs(m.latencies.ValueAtQuantile(50))
		snapshot.LatencyP95Ms = usToMs(m.latencies.ValueAtQuantile(95))
		snapshot.LatencyP99Ms = usToMs(m.latencies.ValueAtQuantile(99))
	}

	return snapshot
}

func usToMs(us int64) float64 {
	return float64(us) / 1000
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal = 0
	m.requestsSuccess = 0
	m.requestsFailed = 0
	m.inFlight = 0
	m.inFlightMax = 0
	m.workersSpawned = 0
	m.workersStopped = 0
	m.workersLost = 0
	m.poolSize = 0
	m.latencies.Reset()
}
