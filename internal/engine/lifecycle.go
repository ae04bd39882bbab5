package engine

import "github.com/loomlang/loom/pkg/ir"

// RunStatus is the lifecycle state of one flow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	// StepRecovered marks a step whose failure was absorbed by its on_error
	// branch or the flow-level error steps.
	StepRecovered StepStatus = "recovered"
	StepSkipped   StepStatus = "skipped"
)

// ValidRunTransitions is the transition table for run statuses.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunPending:   {RunActive, RunCancelled},
	RunActive:    {RunCompleted, RunFailed, RunCancelled},
	RunCompleted: {},
	RunFailed:    {},
	RunCancelled: {},
}

// ValidStepTransitions is the transition table for step statuses.
var ValidStepTransitions = map[StepStatus][]StepStatus{
	StepPending:   {StepActive, StepSkipped},
	StepActive:    {StepCompleted, StepFailed, StepRecovered},
	StepFailed:    {StepRecovered},
	StepCompleted: {},
	StepRecovered: {},
	StepSkipped:   {},
}

// TransitionRun validates a run status change.
func TransitionRun(from, to RunStatus) (RunStatus, error) {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, ir.NewErrorf(ir.ErrCodeExecution,
		"invalid run transition: %s -> %s", from, to)
}

// TransitionStep validates a step status change.
func TransitionStep(from, to StepStatus) (StepStatus, error) {
	for _, allowed := range ValidStepTransitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, ir.NewErrorf(ir.ErrCodeExecution,
		"invalid step transition: %s -> %s", from, to)
}
