package dispatch

import (
	"sync"
	"sync/atomic"
)

// In-process gateway counters. Mutated by the dispatcher only, read by the
// health and metrics endpoints.
type Metrics struct {
	totalRequests       atomic.Int64
	successfulRequests  atomic.Int64
	failedRequests      atomic.Int64
	circuitBreakerTrips atomic.Int64
	activeConnections   atomic.Int64

	avgMu          sync.Mutex
	avgResponseMs  float64
	avgSampleCount int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Counts one finished request and folds its latency into the running mean
func (m *Metrics) Record(success bool, latencyMs float64) {
	m.totalRequests.Add(1)
	if success {
		m.successfulRequests.Add(1)
	} else {
		m.failedRequests.Add(1)
	}

	m.avgMu.Lock()
	m.avgSampleCount++
	m.avgResponseMs += (latencyMs - m.avgResponseMs) / float64(m.avgSampleCount)
	m.avgMu.Unlock()
}

func (m *Metrics) RecordTrip() {
	m.circuitBreakerTrips.Add(1)
}

func (m *Metrics) ConnOpened() {
	m.activeConnections.Add(1)
}

func (m *Metrics) ConnClosed() {
	m.activeConnections.Add(-1)
}

type MetricsSnapshot struct {
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	CircuitBreakerTrips int64   `json:"circuit_breaker_trips"`
	AverageResponseMs   float64 `json:"average_response_time_ms"`
	ActiveConnections   int64   `json:"active_connections"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.avgMu.Lock()
	avg := m.avgResponseMs
	m.avgMu.Unlock()

	return MetricsSnapshot{
		TotalRequests:       m.totalRequests.Load(),
		SuccessfulRequests:  m.successfulRequests.Load(),
		FailedRequests:      m.failedRequests.Load(),
		CircuitBreakerTrips: m.circuitBreakerTrips.Load(),
		AverageResponseMs:   avg,
		ActiveConnections:   m.activeConnections.Load(),
	}
}
