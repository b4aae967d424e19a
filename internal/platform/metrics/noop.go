package metrics

import "time"

// NoopSink is used when metrics are disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (NoopSink) DeliveryOutcome(outcome string)                                            {}
func (NoopSink) RetryAttempt(retryable bool)                                               {}
func (NoopSink) EventsInFlightIncr()                                                       {}
func (NoopSink) EventsInFlightDecr()                                                       {}
