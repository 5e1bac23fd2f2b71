package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetPlaybookDecodesDefinition(t *testing.T) {
	s, mock := newMockStore(t)

	definition := domain.PlaybookDefinition{Steps: []domain.Step{{ID: "s1", ActionID: "http.request"}}}
	definitionRaw, err := json.Marshal(definition)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, organization_id, name, trigger_type, is_active, definition`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name", "trigger_type", "is_active", "definition"}).
			AddRow(int64(7), int64(1), "contain-host", "alert", true, definitionRaw))

	got, err := s.GetPlaybook(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "contain-host", got.Name)
	assert.Len(t, got.Definition.Steps, 1)
	assert.Equal(t, "http.request", got.Definition.Steps[0].ActionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPlaybookNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, organization_id, name, trigger_type, is_active, definition`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name", "trigger_type", "is_active", "definition"}))

	_, err := s.GetPlaybook(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertExecutionReturnsGeneratedID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO playbook_executions`).
		WithArgs(int64(1), int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), domain.ExecutionRunning, sqlmock.AnyArg(), false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.InsertExecution(context.Background(), domain.PlaybookExecution{
		PlaybookID:     1,
		OrganizationID: 1,
		Status:         domain.ExecutionRunning,
		StartedAt:      time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExecutionStatusNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE playbook_executions`).
		WithArgs(int64(5), domain.ExecutionCompleted, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateExecutionStatus(context.Background(), store.ExecutionStatusUpdate{
		ID:     5,
		Status: domain.ExecutionCompleted,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAuditLogEncodesDetails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(domain.AuditEntityExecution, "42", "playbook.started", (*int64)(nil), int64(1),
			sqlmock.AnyArg(), domain.SeverityInfo, domain.SourceSystem).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendAuditLog(context.Background(), domain.AuditEntry{
		EntityType:     domain.AuditEntityExecution,
		EntityID:       "42",
		Action:         "playbook.started",
		OrganizationID: 1,
		Details:        map[string]interface{}{"playbookId": int64(7)},
		Severity:       domain.SeverityInfo,
		Source:         domain.SourceSystem,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveBindingsOrdersByPriority(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT b.id, b.organization_id, b.event_type, b.playbook_id, b.predicate, b.priority, b.is_active`).
		WithArgs(int64(1), "alert.created").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "event_type", "playbook_id", "predicate", "priority", "is_active"}).
			AddRow(int64(2), int64(1), "alert.created", int64(9), "", 10, true).
			AddRow(int64(1), int64(1), "alert.created", int64(8), "severity == 'high'", 5, true))

	bindings, err := s.ListActiveBindings(context.Background(), 1, "alert.created")
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, int64(9), bindings[0].PlaybookID)
	require.NoError(t, mock.ExpectationsWereMet())
}
