// internal/utils/metrics/metrics.go
package metrics

import (
	"time"
)

// QueueSnapshot mirrors the broker counters exported as gauges.
type QueueSnapshot struct {
	Waiting   int
	Delayed   int
	Active    int
	Completed int
	Failed    int
}

// RecordTransaction считает транзакции, дошедшие до терминального состояния
func (c *Collector) RecordTransaction(status, dex string) {
	if c == nil {
		return
	}
	if dex == "" {
		dex = "none"
	}
	c.transactions.WithLabelValues(status, dex).Inc()
}

// ObserveAttempt записывает длительность попытки обработки
func (c *Collector) ObserveAttempt(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStoreFallback counts an operation served by the memory tier.
func (c *Collector) RecordStoreFallback(operation string) {
	if c == nil {
		return
	}
	c.storeFallbacks.WithLabelValues(operation).Inc()
}

// SetQueue updates the queue gauges.
func (c *Collector) SetQueue(s QueueSnapshot) {
	if c == nil {
		return
	}
	c.queueJobs.WithLabelValues("waiting").Set(float64(s.Waiting))
	c.queueJobs.WithLabelValues("delayed").Set(float64(s.Delayed))
	c.queueJobs.WithLabelValues("active").Set(float64(s.Active))
	c.queueJobs.WithLabelValues("completed").Set(float64(s.Completed))
	c.queueJobs.WithLabelValues("failed").Set(float64(s.Failed))
}

// UpdateWebsocketConnections обновляет метрики веб-сокет соединений
func (c *Collector) UpdateWebsocketConnections(delta int) {
	if c == nil {
		return
	}
	c.websocketConnections.Add(float64(delta))
}

// ObserveQuote records a venue quote outcome.
func (c *Collector) ObserveQuote(venue string, ok bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "omitted"
	}
	c.quotes.WithLabelValues(venue, outcome).Inc()
	c.quoteLatency.WithLabelValues(venue).Observe(elapsed.Seconds())
}
