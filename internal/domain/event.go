// Package domain holds the data model shared by the event stream, trigger
// engine, playbook executor, and stores: events, bindings, playbooks, and
// executions.
package domain

import "time"

// EntityType identifies the kind of record an Event or AuditEntry refers to.
type EntityType string

const (
	EntityAlert    EntityType = "alert"
	EntityIncident EntityType = "incident"
	EntityPlaybook EntityType = "playbook"
)

// Event is an immutable security event produced by upstream collaborators
// and appended once to the durable stream.
type Event struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	EntityID       int64                  `json:"entityId"`
	EntityType     EntityType             `json:"entityType"`
	OrganizationID int64                  `json:"organizationId"`
	Timestamp      time.Time              `json:"timestamp"`
	Data           map[string]interface{} `json:"data"`

	// StreamID is the durable stream's append position, assigned by the
	// StreamStore on Append; zero until then.
	StreamID int64 `json:"-"`
}

// PlaybookBinding links an event pattern to a playbook.
type PlaybookBinding struct {
	ID             int64  `json:"id"`
	OrganizationID int64  `json:"organizationId"`
	EventType      string `json:"eventType"`
	PlaybookID     int64  `json:"playbookId"`
	Predicate      string `json:"predicate,omitempty"`
	Priority       int    `json:"priority"`
	IsActive       bool   `json:"isActive"`
}

// Playbook is an organization-scoped, declarative response plan.
type Playbook struct {
	ID             int64              `json:"id"`
	OrganizationID int64              `json:"organizationId"`
	Name           string             `json:"name"`
	TriggerType    string             `json:"triggerType"`
	IsActive       bool               `json:"isActive"`
	Definition     PlaybookDefinition `json:"definition"`
}

// PlaybookDefinition is a versioned, embedded directed sequence of steps.
type PlaybookDefinition struct {
	Trigger TriggerDescriptor `json:"trigger"`
	Steps   []Step            `json:"steps"`
}

// TriggerDescriptor describes the event shape a playbook responds to.
type TriggerDescriptor struct {
	Type   string                   `json:"type"`
	Filter map[string]FilterValue   `json:"filter,omitempty"`
	Where  string                   `json:"where,omitempty"`
}

// FilterValue is either a single scalar or a set of scalars ("any of").
// It normalizes the `field → value|value[]` shorthand accepted on the wire.
type FilterValue struct {
	Values []interface{}
}

// ErrorPolicy names what happens once a step's retries are exhausted.
type ErrorPolicy string

const (
	OnErrorAbort    ErrorPolicy = "abort"
	OnErrorContinue ErrorPolicy = "continue"
	OnErrorRollback ErrorPolicy = "rollback"
	OnErrorRetry    ErrorPolicy = "retry"
)

// Step is one node of a playbook's directed sequence. Legacy definitions use
// Uses/With in place of ActionID/Params; loaders normalize both to this shape.
type Step struct {
	ID        string                 `json:"id"`
	ActionID  string                 `json:"actionId"`
	Params    map[string]interface{} `json:"params,omitempty"`
	If        string                 `json:"if,omitempty"`
	Then      []Step                 `json:"then,omitempty"`
	Else      []Step                 `json:"else,omitempty"`
	TimeoutMs int                    `json:"timeoutMs,omitempty"`
	Retries   int                    `json:"retries,omitempty"`
	OnError   ErrorPolicy            `json:"onError,omitempty"`

	// Legacy shape, normalized away by the loader.
	Uses      string                 `json:"uses,omitempty"`
	With      map[string]interface{} `json:"with,omitempty"`
	Condition string                 `json:"condition,omitempty"`
}

// Normalize maps the legacy {uses, with, condition} shape onto the current
// {actionId, params, if} shape and applies the documented defaults. It is
// idempotent and recurses into Then/Else.
func (s Step) Normalize() Step {
	if s.ActionID == "" && s.Uses != "" {
		s.ActionID = s.Uses
	}
	if s.Params == nil && s.With != nil {
		s.Params = s.With
	}
	if s.If == "" && s.Condition != "" {
		s.If = s.Condition
	}
	s.Uses, s.With, s.Condition = "", nil, ""

	if s.TimeoutMs <= 0 {
		s.TimeoutMs = DefaultStepTimeoutMs
	}
	if s.OnError == "" {
		s.OnError = OnErrorAbort
	}

	if len(s.Then) > 0 {
		normalized := make([]Step, len(s.Then))
		for i, child := range s.Then {
			normalized[i] = child.Normalize()
		}
		s.Then = normalized
	}
	if len(s.Else) > 0 {
		normalized := make([]Step, len(s.Else))
		for i, child := range s.Else {
			normalized[i] = child.Normalize()
		}
		s.Else = normalized
	}
	return s
}

// DefaultStepTimeoutMs is used when a step omits timeoutMs.
const DefaultStepTimeoutMs = 30_000

// Normalize applies Step.Normalize across the whole definition.
func (d PlaybookDefinition) Normalize() PlaybookDefinition {
	steps := make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		steps[i] = s.Normalize()
	}
	d.Steps = steps
	return d
}
