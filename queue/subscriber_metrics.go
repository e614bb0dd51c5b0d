package queue

import (
	"sync/atomic"
	"time"
)

// subscriberMetrics tracks operational metrics for a subscriber.
type subscriberMetrics struct {
	ActiveMessages *atomic.Int64 // Messages received but not yet acked or nacked
	LastActivity   *atomic.Int64 // Last activity timestamp in UnixNano
	ProcessingTime *atomic.Int64 // Total batch processing time in nanoseconds
	BatchCount     *atomic.Int64
	MessageCount   *atomic.Int64
	FailedCount    *atomic.Int64
	ErrorCount     *atomic.Int64 // Receive and transport errors
}

func newSubscriberMetrics() *subscriberMetrics {
	return &subscriberMetrics{
		ActiveMessages: &atomic.Int64{},
		LastActivity:   &atomic.Int64{},
		ProcessingTime: &atomic.Int64{},
		BatchCount:     &atomic.Int64{},
		MessageCount:   &atomic.Int64{},
		FailedCount:    &atomic.Int64{},
		ErrorCount:     &atomic.Int64{},
	}
}

// IsIdle reports a waiting subscriber with nothing in flight.
func (m *subscriberMetrics) IsIdle(state SubscriberState) bool {
	return state == SubscriberStateWaiting && m.ActiveMessages.Load() <= 0
}

// IdleTime returns the duration since last activity if the subscriber is idle.
func (m *subscriberMetrics) IdleTime(state SubscriberState) time.Duration {
	if !m.IsIdle(state) {
		return 0
	}

	lastActivity := m.LastActivity.Load()
	if lastActivity == 0 {
		return 0
	}

	return time.Since(time.Unix(0, lastActivity))
}

// AverageProcessingTime returns the average time spent processing one batch.
func (m *subscriberMetrics) AverageProcessingTime() time.Duration {
	count := m.BatchCount.Load()
	if count == 0 {
		return 0
	}

	return time.Duration(m.ProcessingTime.Load() / count)
}

func (m *subscriberMetrics) Batches() int64 {
	return m.BatchCount.Load()
}

func (m *subscriberMetrics) Processed() int64 {
	return m.MessageCount.Load()
}

func (m *subscriberMetrics) Failed() int64 {
	return m.FailedCount.Load()
}

func (m *subscriberMetrics) Errors() int64 {
	return m.ErrorCount.Load()
}

func (m *subscriberMetrics) closeBatch(startTime time.Time, size int, failed int) {
	m.ProcessingTime.Add(time.Since(startTime).Nanoseconds())
	m.BatchCount.Add(1)
	m.MessageCount.Add(int64(size))
	m.FailedCount.Add(int64(failed))
	m.ActiveMessages.Add(-int64(size))
	m.LastActivity.Store(time.Now().UnixNano())
}
