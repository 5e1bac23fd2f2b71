package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutionStateMergesContextOverTrigger(t *testing.T) {
	state := NewExecutionState(
		map[string]interface{}{"severity": "critical"},
		map[string]interface{}{"severity": "high", "entityId": float64(7)},
	)

	assert.Equal(t, "critical", state.Variables["severity"])
	assert.Equal(t, float64(7), state.Variables["entityId"])
	assert.Contains(t, state.Variables, "steps")
}

func TestPushCheckpointRetention(t *testing.T) {
	state := NewExecutionState(nil, nil)
	for i := 0; i < 15; i++ {
		state.Variables["i"] = i
		state.PushCheckpoint("step", 10)
	}
	require.Len(t, state.Checkpoints, 10)
	assert.Equal(t, 5, state.Checkpoints[0].VariablesSnapshot["i"])
	assert.Equal(t, 14, state.Checkpoints[9].VariablesSnapshot["i"])
}

func TestCheckpointSnapshotIsDeepCopy(t *testing.T) {
	state := NewExecutionState(nil, nil)
	state.Variables["nested"] = map[string]interface{}{"x": 1}
	cp := state.PushCheckpoint("s1", 10)

	nested := state.Variables["nested"].(map[string]interface{})
	nested["x"] = 2

	assert.Equal(t, 1, cp.VariablesSnapshot["nested"].(map[string]interface{})["x"])
}

func TestRollbackRestoresVariablesAndResetsLaterSteps(t *testing.T) {
	state := NewExecutionState(nil, nil)
	cp := state.PushCheckpoint("step2", 10)

	state.Variables["x"] = 1
	state.Steps["step2"] = &StepState{Status: StepCompleted, StartTime: cp.Timestamp.Add(time.Millisecond)}
	state.Steps["step1"] = &StepState{Status: StepCompleted, StartTime: cp.Timestamp.Add(-time.Hour)}

	state.Rollback(cp)

	assert.NotContains(t, state.Variables, "x")
	assert.Equal(t, StepPending, state.Steps["step2"].Status)
	assert.Equal(t, StepCompleted, state.Steps["step1"].Status)
}

func TestSetStepOutputMergesDataAndRecordsSuccess(t *testing.T) {
	state := NewExecutionState(nil, nil)
	state.SetStepOutput("s1", map[string]interface{}{
		"data": map[string]interface{}{"ticketId": "T-1"},
	})

	steps := state.Variables["steps"].(map[string]interface{})
	entry := steps["s1"].(map[string]interface{})
	assert.Equal(t, true, entry["success"])
	assert.Equal(t, "T-1", state.Variables["ticketId"])
}

func TestFilterValueMatchesScalarAndArray(t *testing.T) {
	fv := FilterValue{Values: []interface{}{"high", "critical"}}
	assert.True(t, fv.Matches("high"))
	assert.False(t, fv.Matches("low"))
}

func TestStepNormalizeLegacyShape(t *testing.T) {
	s := Step{
		ID:        "s1",
		Uses:      "log_message",
		With:      map[string]interface{}{"message": "hi"},
		Condition: "severity == 'high'",
	}.Normalize()

	assert.Equal(t, "log_message", s.ActionID)
	assert.Equal(t, "hi", s.Params["message"])
	assert.Equal(t, "severity == 'high'", s.If)
	assert.Equal(t, OnErrorAbort, s.OnError)
	assert.Equal(t, DefaultStepTimeoutMs, s.TimeoutMs)
}
