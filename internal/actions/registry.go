// Package actions implements the action registry: the catalog of named,
// pluggable action implementations the playbook executor dispatches
// against, using a handler-registration-map pattern adapted from
// contract-event dispatch to playbook actions, with JSON-schema parameter
// validation in place of a hand-rolled filter.
package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Category classifies an action for discovery (byCategory).
type Category string

const (
	CategoryNotification  Category = "notification"
	CategoryRemediation   Category = "remediation"
	CategoryInvestigation Category = "investigation"
	CategoryCloud         Category = "cloud"
	CategoryAgent         Category = "agent"
)

// Logger is the narrow logging surface an action's Context exposes so
// actions can emit progress without depending on the logging package
// directly.
type Logger func(msg string, level string)

// Context is passed to every action invocation.
type Context struct {
	PlaybookID     int64
	ExecutionID    int64
	OrganizationID int64
	UserID         *int64
	Variables      map[string]interface{}
	Log            Logger
}

// Result is the contract every action's Execute must return.
type Result struct {
	Success bool
	Data    map[string]interface{}
	Message string
	Error   string
	// Denied is set by Registry.Execute, never by an Action, when the
	// failure is a permission denial rather than an ordinary action
	// failure, so callers can apply an abort-regardless-of-onError policy
	// without string-matching Error.
	Denied bool
}

// PermissionFunc, when declared on an Action, gates execution. A denial
// short-circuits to a step failure with reason "insufficient_permissions".
type PermissionFunc func(ctx Context) error

// Action is one named, pluggable unit of work the executor can invoke.
type Action interface {
	Name() string
	Description() string
	Category() Category
	// ParamSchema returns the JSON Schema (as a map, unmarshalable by
	// santhosh-tekuri/jsonschema) resolved params are validated against
	// before Execute is invoked. A nil schema skips validation.
	ParamSchema() map[string]interface{}
	Permission() PermissionFunc
	Execute(ctx context.Context, params map[string]interface{}, actionCtx Context) Result
}

// ErrAlreadyRegistered is returned by Register when name is already taken.
type ErrAlreadyRegistered struct{ Name string }

func (e ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("actions: %q is already registered", e.Name)
}

// ErrNotFound is returned by Get/Execute when name has no registration.
type ErrNotFound struct{ Name string }

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("actions: %q is not registered", e.Name)
}

// ErrPermissionDenied is returned by Execute when an action's permission
// predicate rejects the call.
type ErrPermissionDenied struct {
	Name   string
	Reason string
}

func (e ErrPermissionDenied) Error() string {
	return fmt.Sprintf("actions: %q denied: %s", e.Name, e.Reason)
}

// ErrValidation is returned by Execute when resolved params fail the
// action's parameter schema.
type ErrValidation struct {
	Name string
	Err  error
}

func (e ErrValidation) Error() string {
	return fmt.Sprintf("actions: %q params invalid: %v", e.Name, e.Err)
}

func (e ErrValidation) Unwrap() error { return e.Err }

// registration pairs an action with its compiled schema, cached once at
// Register time so Execute never recompiles it on the hot path.
type registration struct {
	action Action
	schema *jsonschema.Schema
}

// Registry is the read-mostly action catalog. Registration is guarded
// against concurrent Execute calls by a single RWMutex, matching the
// documented "copy-on-write or equivalent" requirement.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*registration
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*registration)}
}

// Register adds action under its own Name(), compiling its parameter
// schema once. Registering a name that already exists fails.
func (r *Registry) Register(action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := action.Name()
	if _, exists := r.byID[name]; exists {
		return ErrAlreadyRegistered{Name: name}
	}

	var compiled *jsonschema.Schema
	if raw := action.ParamSchema(); raw != nil {
		c, err := compileInlineSchema(name, raw)
		if err != nil {
			return fmt.Errorf("actions: compile schema for %q: %w", name, err)
		}
		compiled = c
	}

	r.byID[name] = &registration{action: action, schema: compiled}
	return nil
}

// Unregister removes name from the catalog, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, name)
}

// Get returns the action registered under name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[name]
	if !ok {
		return nil, ErrNotFound{Name: name}
	}
	return reg.action, nil
}

// All returns every registered action, in no particular order.
func (r *Registry) All() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg.action)
	}
	return out
}

// ByCategory returns every registered action in category c.
func (r *Registry) ByCategory(c Category) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Action
	for _, reg := range r.byID {
		if reg.action.Category() == c {
			out = append(out, reg.action)
		}
	}
	return out
}

// Execute runs permission checks then schema validation before dispatching
// to name's Execute, matching the documented order.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, actionCtx Context) Result {
	r.mu.RLock()
	reg, ok := r.byID[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Success: false, Error: ErrNotFound{Name: name}.Error()}
	}

	if perm := reg.action.Permission(); perm != nil {
		if err := perm(actionCtx); err != nil {
			return Result{Success: false, Denied: true, Error: ErrPermissionDenied{Name: name, Reason: "insufficient_permissions"}.Error(), Message: err.Error()}
		}
	}

	if reg.schema != nil {
		if err := reg.schema.Validate(toJSONValue(params)); err != nil {
			return Result{Success: false, Error: ErrValidation{Name: name, Err: err}.Error()}
		}
	}

	return reg.action.Execute(ctx, params, actionCtx)
}

// compileInlineSchema compiles a JSON-Schema-as-map via an in-memory
// resource so actions can declare their schema as a Go literal instead of
// a file on disk.
func compileInlineSchema(name string, raw map[string]interface{}) (*jsonschema.Schema, error) {
	uri := "mem://actions/" + name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(uri, raw); err != nil {
		return nil, err
	}
	return compiler.Compile(uri)
}

// toJSONValue normalizes a map[string]interface{} to the
// map[string]interface{}/[]interface{}/scalar tree jsonschema.Validate
// expects; our resolved params are already in that shape so this is the
// identity transform kept for symmetry with ParamSchema's documented
// input type.
func toJSONValue(params map[string]interface{}) interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	return params
}
