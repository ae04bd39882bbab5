package engine

import "time"

// Tracer receives step lifecycle notifications. Hooks are fire-and-forget:
// the engine never lets a tracer panic or error alter control flow.
type Tracer interface {
	StepStarted(runID, flow, step string)
	StepFinished(runID, flow, step string, err error, elapsed time.Duration)
}

// Metrics receives aggregate counters. Like Tracer, implementations must not
// be required for correctness.
type Metrics interface {
	StepExecuted(flow, step string, success bool)
	ProviderRetried(provider string, attempt int)
	CircuitOpened(provider string)
}

// NopTracer ignores all notifications.
type NopTracer struct{}

func (NopTracer) StepStarted(runID, flow, step string)                                    {}
func (NopTracer) StepFinished(runID, flow, step string, err error, elapsed time.Duration) {}

// NopMetrics ignores all counters.
type NopMetrics struct{}

func (NopMetrics) StepExecuted(flow, step string, success bool) {}
func (NopMetrics) ProviderRetried(provider string, attempt int) {}
func (NopMetrics) CircuitOpened(provider string)                {}

// notify runs a hook with panic isolation.
func notify(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
