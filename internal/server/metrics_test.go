package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordRequest(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest(200, 100, 10*time.Millisecond)
	m.RecordRequest(404, 50, 20*time.Millisecond)
	m.RecordRequest(500, 0, 30*time.Millisecond)

	s := m.Snapshot()
	assert.Equal(t, int64(3), s.RequestsTotal)
	assert.Equal(t, int64(1), s.Errors4xx)
	assert.Equal(t, int64(1), s.Errors5xx)
	assert.Equal(t, int64(1), s.ErrorsTotal)
	assert.Equal(t, int64(150), s.BytesSent)
	assert.Equal(t, 20*time.Millisecond, s.AverageLatency)
}

func TestMetricsConnections(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.connOpened()
			m.connClosed()
		}()
	}
	wg.Wait()
	m.connOpened()

	s := m.Snapshot()
	assert.Equal(t, int64(51), s.ConnectionsAccepted)
	assert.Equal(t, int64(1), s.ActiveConnections)
}

func TestAverageLatencyWithoutRequests(t *testing.T) {
	assert.Zero(t, NewMetrics().AverageLatency())
}
