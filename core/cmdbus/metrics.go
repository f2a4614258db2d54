package cmdbus

import "github.com/codewandler/esrc-go/core/metrics"

// BusMetrics is the instrumentation surface of the command bus.
type BusMetrics interface {
	CommandReceived(cmdType string)
	CommandCompleted(cmdType string)
	// CommandFailed records a terminal failure; reason is one of
	// "validation", "unauthorized", "execution".
	CommandFailed(cmdType, reason string)
	CommandRetried(cmdType string)
	CommandDeadLettered(cmdType string)
	DispatchDuration(cmdType string) metrics.Timer
	AsyncQueueDepth() metrics.Gauge
}

type nopBusMetrics struct{}

func (nopBusMetrics) CommandReceived(string)                 {}
func (nopBusMetrics) CommandCompleted(string)                {}
func (nopBusMetrics) CommandFailed(string, string)           {}
func (nopBusMetrics) CommandRetried(string)                  {}
func (nopBusMetrics) CommandDeadLettered(string)             {}
func (nopBusMetrics) DispatchDuration(string) metrics.Timer  { return metrics.NopTimer() }
func (nopBusMetrics) AsyncQueueDepth() metrics.Gauge         { return metrics.NopGauge() }

// NopBusMetrics returns a no-op BusMetrics implementation.
func NopBusMetrics() BusMetrics { return nopBusMetrics{} }
