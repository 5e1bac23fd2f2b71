// Package store defines the relational-store contract required as an
// external collaborator, plus the durable stream and job queue persistence
// the domain stack layers on top of the same backing store.
package store

import (
	"context"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
)

// PlaybookStore exposes the operations the execution core needs against
// the durable relational store.
type PlaybookStore interface {
	GetPlaybook(ctx context.Context, id int64) (domain.Playbook, error)
	InsertExecution(ctx context.Context, exec domain.PlaybookExecution) (int64, error)
	UpdateExecutionStatus(ctx context.Context, update ExecutionStatusUpdate) error
	GetExecution(ctx context.Context, id int64) (domain.PlaybookExecution, error)
	ListExecutions(ctx context.Context, organizationID int64, limit int) ([]domain.PlaybookExecution, error)
	ListActiveBindings(ctx context.Context, organizationID int64, eventType string) ([]domain.PlaybookBinding, error)
	AppendAuditLog(ctx context.Context, entry domain.AuditEntry) error
	QueryExecutionAuditLogs(ctx context.Context, executionID, organizationID int64) ([]domain.AuditEntry, error)
}

// ExecutionStatusUpdate carries the fields updateExecutionStatus may set;
// zero-value pointer fields are left unchanged.
type ExecutionStatusUpdate struct {
	ID          int64
	Status      domain.ExecutionStatus
	CompletedAt *time.Time
	DurationMs  *int64
	Results     *domain.ExecutionState
	Error       string
}

// ErrNotFound is returned by GetPlaybook/GetExecution when no row matches.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }
