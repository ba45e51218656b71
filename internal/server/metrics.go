package server

import (
	"sync/atomic"
	"time"
)

// Metrics holds server runtime metrics
type Metrics struct {
	RequestsTotal       atomic.Int64
	ConnectionsAccepted atomic.Int64
	ActiveConnections   atomic.Int64
	ErrorsTotal         atomic.Int64
	Errors4xx           atomic.Int64
	Errors5xx           atomic.Int64
	BytesSent           atomic.Int64

	// Latency tracking (simplified - use histogram in production)
	TotalLatencyNs atomic.Int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records a completed request
func (m *Metrics) RecordRequest(statusCode int, bodyBytes int64, duration time.Duration) {
	m.RequestsTotal.Add(1)
	m.BytesSent.Add(bodyBytes)
	m.TotalLatencyNs.Add(duration.Nanoseconds())

	if statusCode >= 400 && statusCode < 500 {
		m.Errors4xx.Add(1)
	} else if statusCode >= 500 {
		m.Errors5xx.Add(1)
		m.ErrorsTotal.Add(1)
	}
}

func (m *Metrics) connOpened() {
	m.ConnectionsAccepted.Add(1)
	m.ActiveConnections.Add(1)
}

func (m *Metrics) connClosed() {
	m.ActiveConnections.Add(-1)
}

// AverageLatency returns average request latency
func (m *Metrics) AverageLatency() time.Duration {
	totalReqs := m.RequestsTotal.Load()
	if totalReqs == 0 {
		return 0
	}

	avgNs := m.TotalLatencyNs.Load() / totalReqs
	return time.Duration(avgNs)
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	RequestsTotal       int64
	ConnectionsAccepted int64
	ActiveConnections   int64
	ErrorsTotal         int64
	Errors4xx           int64
	Errors5xx           int64
	BytesSent           int64
	AverageLatency      time.Duration
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		RequestsTotal:       m.RequestsTotal.Load(),
		ConnectionsAccepted: m.ConnectionsAccepted.Load(),
		ActiveConnections:   m.ActiveConnections.Load(),
		ErrorsTotal:         m.ErrorsTotal.Load(),
		Errors4xx:           m.Errors4xx.Load(),
		Errors5xx:           m.Errors5xx.Load(),
		BytesSent:           m.BytesSent.Load(),
		AverageLatency:      m.AverageLatency(),
	}
}
