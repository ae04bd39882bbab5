package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionRun(t *testing.T) {
	valid := []struct{ from, to RunStatus }{
		{RunPending, RunActive},
		{RunPending, RunCancelled},
		{RunActive, RunCompleted},
		{RunActive, RunFailed},
		{RunActive, RunCancelled},
	}
	for _, tc := range valid {
		got, err := TransitionRun(tc.from, tc.to)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.to, got)
	}

	invalid := []struct{ from, to RunStatus }{
		{RunCompleted, RunActive},
		{RunFailed, RunCompleted},
		{RunCancelled, RunActive},
		{RunPending, RunCompleted},
	}
	for _, tc := range invalid {
		got, err := TransitionRun(tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.from, got, "a rejected transition keeps the prior status")
	}
}

func TestTransitionStep(t *testing.T) {
	valid := []struct{ from, to StepStatus }{
		{StepPending, StepActive},
		{StepPending, StepSkipped},
		{StepActive, StepCompleted},
		{StepActive, StepFailed},
		{StepActive, StepRecovered},
		{StepFailed, StepRecovered},
	}
	for _, tc := range valid {
		got, err := TransitionStep(tc.from, tc.to)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.to, got)
	}

	invalid := []struct{ from, to StepStatus }{
		{StepCompleted, StepFailed},
		{StepRecovered, StepActive},
		{StepSkipped, StepActive},
		{StepPending, StepCompleted},
	}
	for _, tc := range invalid {
		got, err := TransitionStep(tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.from, got)
	}
}
