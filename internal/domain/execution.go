package domain

import "time"

// ExecutionStatus is the terminal or in-flight status of a PlaybookExecution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionAborted   ExecutionStatus = "aborted"
)

// PlaybookExecution is the persistent record of a single playbook run.
type PlaybookExecution struct {
	ID             int64           `json:"id"`
	PlaybookID     int64           `json:"playbookId"`
	OrganizationID int64           `json:"organizationId"`
	UserID         *int64          `json:"userId,omitempty"`
	TriggerData    map[string]interface{} `json:"triggerData"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	DurationMs     *int64          `json:"durationMs,omitempty"`
	Results        *ExecutionState `json:"results,omitempty"`
	Error          string          `json:"error,omitempty"`
	DryRun         bool            `json:"dryRun,omitempty"`
}

// StepStatus is the lifecycle status of one step within an ExecutionState.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepRetrying  StepStatus = "retrying"
)

// StepState records one step's progress inside an ExecutionState.
type StepState struct {
	Status    StepStatus             `json:"status"`
	Attempts  int                    `json:"attempts"`
	StartTime time.Time              `json:"startTime"`
	EndTime   *time.Time             `json:"endTime,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Checkpoint is a snapshot of variables taken just before a step begins.
type Checkpoint struct {
	StepID            string                 `json:"stepId"`
	Timestamp         time.Time              `json:"timestamp"`
	VariablesSnapshot map[string]interface{} `json:"variablesSnapshot"`
}

// LogEntry is a free-form line appended to ExecutionState.Logs during a run.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	StepID    string    `json:"stepId,omitempty"`
}

// ExecutionState is the live, in-memory state of a running execution,
// snapshotted into PlaybookExecution.Results at every status transition.
// It is owned exclusively by the worker holding the job; no other goroutine
// may mutate it.
type ExecutionState struct {
	Variables     map[string]interface{} `json:"variables"`
	Steps         map[string]*StepState  `json:"steps"`
	Checkpoints   []Checkpoint           `json:"checkpoints"`
	CurrentStepID string                 `json:"currentStepId,omitempty"`
	Logs          []LogEntry             `json:"logs"`
}

// NewExecutionState builds an empty state with variables seeded from
// context merged with the triggering event's data (context wins on conflict,
// matching "context ⨁ triggerEvent.data").
func NewExecutionState(context, triggerData map[string]interface{}) *ExecutionState {
	variables := make(map[string]interface{}, len(context)+len(triggerData)+1)
	for k, v := range triggerData {
		variables[k] = v
	}
	for k, v := range context {
		variables[k] = v
	}
	variables["steps"] = map[string]interface{}{}

	return &ExecutionState{
		Variables: variables,
		Steps:     make(map[string]*StepState),
	}
}

// PushCheckpoint appends a checkpoint and trims the list to the newest
// retention entries (default CHECKPOINT_RETENTION).
func (s *ExecutionState) PushCheckpoint(stepID string, retention int) Checkpoint {
	cp := Checkpoint{
		StepID:            stepID,
		Timestamp:         time.Now().UTC(),
		VariablesSnapshot: deepCopyMap(s.Variables),
	}
	s.Checkpoints = append(s.Checkpoints, cp)
	if retention > 0 && len(s.Checkpoints) > retention {
		s.Checkpoints = s.Checkpoints[len(s.Checkpoints)-retention:]
	}
	return cp
}

// LastCheckpoint returns the most recently pushed checkpoint, if any.
func (s *ExecutionState) LastCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// Rollback restores Variables from checkpoint and resets every step whose
// StartTime is after checkpoint.Timestamp back to pending, clearing its
// Output/Error — the onError:rollback recovery path.
func (s *ExecutionState) Rollback(checkpoint Checkpoint) {
	s.Variables = deepCopyMap(checkpoint.VariablesSnapshot)
	for _, step := range s.Steps {
		if step.StartTime.After(checkpoint.Timestamp) {
			step.Status = StepPending
			step.Output = nil
			step.Error = ""
			step.EndTime = nil
		}
	}
}

// SetStepOutput records a completed step's result under
// variables.steps.<stepId> and shallow-merges result.data into variables.
func (s *ExecutionState) SetStepOutput(stepID string, output map[string]interface{}) {
	stepsMap, _ := s.Variables["steps"].(map[string]interface{})
	if stepsMap == nil {
		stepsMap = map[string]interface{}{}
	}
	entry := map[string]interface{}{"success": true}
	for k, v := range output {
		entry[k] = v
	}
	stepsMap[stepID] = entry
	s.Variables["steps"] = stepsMap

	if data, ok := output["data"].(map[string]interface{}); ok {
		for k, v := range data {
			s.Variables[k] = v
		}
	}
}

// SetStepFailureMarker records {success:false} under variables.steps.<stepId>
// so condition expressions like "steps.<id>.success" can branch on it.
func (s *ExecutionState) SetStepFailureMarker(stepID, errMsg string) {
	stepsMap, _ := s.Variables["steps"].(map[string]interface{})
	if stepsMap == nil {
		stepsMap = map[string]interface{}{}
	}
	stepsMap[stepID] = map[string]interface{}{"success": false, "error": errMsg}
	s.Variables["steps"] = stepsMap
}

// AppendLog records a free-form line for the execution's transcript.
func (s *ExecutionState) AppendLog(level, message, stepID string) {
	s.Logs = append(s.Logs, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		StepID:    stepID,
	})
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
