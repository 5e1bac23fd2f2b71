package actions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAction struct {
	name       string
	category   Category
	schema     map[string]interface{}
	permission PermissionFunc
	result     Result
}

func (s stubAction) Name() string                          { return s.name }
func (s stubAction) Description() string                   { return "stub" }
func (s stubAction) Category() Category                     { return s.category }
func (s stubAction) ParamSchema() map[string]interface{}    { return s.schema }
func (s stubAction) Permission() PermissionFunc             { return s.permission }
func (s stubAction) Execute(context.Context, map[string]interface{}, Context) Result {
	return s.result
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(stubAction{name: "isolate_host"}))
	err := r.Register(stubAction{name: "isolate_host"})
	assert.Error(t, err)
	var dup ErrAlreadyRegistered
	assert.ErrorAs(t, err, &dup)
}

func TestGetUnregisteredReturnsNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("missing")
	var notFound ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestByCategoryFiltersRegisteredActions(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(stubAction{name: "notify", category: CategoryNotification}))
	require.NoError(t, r.Register(stubAction{name: "isolate", category: CategoryRemediation}))

	notifications := r.ByCategory(CategoryNotification)
	require.Len(t, notifications, 1)
	assert.Equal(t, "notify", notifications[0].Name())
}

func TestExecuteDeniesWhenPermissionFails(t *testing.T) {
	r := New()
	denied := stubAction{
		name: "isolate_host",
		permission: func(Context) error {
			return errors.New("user lacks remediation scope")
		},
		result: Result{Success: true},
	}
	require.NoError(t, r.Register(denied))

	result := r.Execute(context.Background(), "isolate_host", nil, Context{})
	assert.False(t, result.Success)
	assert.True(t, strings.Contains(result.Error, "insufficient_permissions"))
}

func TestExecuteValidatesParamsAgainstSchema(t *testing.T) {
	r := New()
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"host"},
		"properties": map[string]interface{}{
			"host": map[string]interface{}{"type": "string"},
		},
	}
	require.NoError(t, r.Register(stubAction{name: "isolate_host", schema: schema, result: Result{Success: true}}))

	result := r.Execute(context.Background(), "isolate_host", map[string]interface{}{}, Context{})
	assert.False(t, result.Success, "missing required param must fail schema validation")

	result = r.Execute(context.Background(), "isolate_host", map[string]interface{}{"host": "web-01"}, Context{})
	assert.True(t, result.Success)
}

func TestExecuteUnregisteredReturnsFailureResult(t *testing.T) {
	r := New()
	result := r.Execute(context.Background(), "missing", nil, Context{})
	assert.False(t, result.Success)
}

func TestRegisterBuiltinsAndLogMessage(t *testing.T) {
	r := New()
	require.NoError(t, RegisterBuiltins(r))

	var logged string
	result := r.Execute(context.Background(), "log_message", map[string]interface{}{"message": "contained host web-01"}, Context{
		Log: func(msg, level string) { logged = msg },
	})
	require.True(t, result.Success)
	assert.Equal(t, "contained host web-01", logged)
}

func TestBuiltinConditionalReportsSelectedBranch(t *testing.T) {
	r := New()
	require.NoError(t, RegisterBuiltins(r))

	result := r.Execute(context.Background(), "conditional", map[string]interface{}{"condition": true}, Context{})
	require.True(t, result.Success)
	assert.Equal(t, "then", result.Data["branch"])
}

func TestBuiltinDelayHonorsContextCancellation(t *testing.T) {
	r := New()
	require.NoError(t, RegisterBuiltins(r))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := r.Execute(ctx, "delay", map[string]interface{}{"milliseconds": float64(5000)}, Context{})
	assert.False(t, result.Success)
}
