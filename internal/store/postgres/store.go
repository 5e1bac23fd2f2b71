// Package postgres implements store.PlaybookStore, store.JobStore, and
// store.StreamStore against a single PostgreSQL database, using the
// pkg/storage/postgres BaseStore transaction-context helper across the
// execution core's full relational schema.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/soar-core/pkg/pgnotify"
	basestore "github.com/r3e-network/soar-core/pkg/storage/postgres"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
)

// Store implements store.PlaybookStore, store.JobStore, and
// store.StreamStore against Postgres.
type Store struct {
	playbooks  *basestore.BaseStore
	executions *basestore.BaseStore
	bindings   *basestore.BaseStore
	audit      *basestore.BaseStore
	jobs       *basestore.BaseStore
	events     *basestore.BaseStore
	db         *sql.DB
	sqlxDB     *sqlx.DB
	notifier   *pgnotify.Bus
}

// SetNotifier wires a pgnotify.Bus so Append and Enqueue fire a LISTEN/NOTIFY
// wake-up after a successful write, letting blocked consumers re-poll
// immediately instead of waiting out their ticker interval. Optional: a nil
// or never-set notifier leaves the store exactly poll-driven.
func (s *Store) SetNotifier(b *pgnotify.Bus) {
	s.notifier = b
}

func (s *Store) notify(ctx context.Context, channel string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Notify(ctx, channel)
}

// New returns a Store backed by db. Callers should run Migrate(db) once
// before first use.
func New(db *sql.DB) *Store {
	return &Store{
		playbooks:  basestore.NewBaseStore(db, "playbooks"),
		executions: basestore.NewBaseStore(db, "playbook_executions"),
		bindings:   basestore.NewBaseStore(db, "playbook_bindings"),
		audit:      basestore.NewBaseStore(db, "audit_log"),
		jobs:       basestore.NewBaseStore(db, "soar_jobs"),
		events:     basestore.NewBaseStore(db, "soar_events"),
		db:         db,
		sqlxDB:     sqlx.NewDb(db, "postgres"),
	}
}

// --- PlaybookStore ---

func (s *Store) GetPlaybook(ctx context.Context, id int64) (domain.Playbook, error) {
	row := s.playbooks.QueryRowContext(ctx, `
		SELECT id, organization_id, name, trigger_type, is_active, definition
		FROM playbooks WHERE id = $1`, id)

	var p domain.Playbook
	var definitionRaw []byte
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.TriggerType, &p.IsActive, &definitionRaw); err != nil {
		if err == sql.ErrNoRows {
			return domain.Playbook{}, store.ErrNotFound
		}
		return domain.Playbook{}, fmt.Errorf("postgres: get playbook %d: %w", id, err)
	}
	if err := json.Unmarshal(definitionRaw, &p.Definition); err != nil {
		return domain.Playbook{}, fmt.Errorf("postgres: decode playbook %d definition: %w", id, err)
	}
	return p, nil
}

func (s *Store) InsertExecution(ctx context.Context, exec domain.PlaybookExecution) (int64, error) {
	triggerData, err := json.Marshal(exec.TriggerData)
	if err != nil {
		return 0, fmt.Errorf("postgres: encode trigger data: %w", err)
	}

	var id int64
	err = s.executions.QueryRowContext(ctx, `
		INSERT INTO playbook_executions
			(playbook_id, organization_id, user_id, trigger_data, status, started_at, dry_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		exec.PlaybookID, exec.OrganizationID, exec.UserID, triggerData, exec.Status, exec.StartedAt, exec.DryRun,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert execution: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, update store.ExecutionStatusUpdate) error {
	var resultsRaw []byte
	if update.Results != nil {
		encoded, err := json.Marshal(update.Results)
		if err != nil {
			return fmt.Errorf("postgres: encode execution results: %w", err)
		}
		resultsRaw = encoded
	}

	result, err := s.executions.ExecContext(ctx, `
		UPDATE playbook_executions
		SET status = $2, completed_at = $3, duration_ms = $4, results = $5, error = $6
		WHERE id = $1`,
		update.ID, update.Status, update.CompletedAt, update.DurationMs, resultsRaw, update.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: update execution %d: %w", update.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update execution %d rows affected: %w", update.ID, err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (domain.PlaybookExecution, error) {
	row := s.executions.QueryRowContext(ctx, `
		SELECT id, playbook_id, organization_id, user_id, trigger_data, status,
			started_at, completed_at, duration_ms, results, error, dry_run
		FROM playbook_executions WHERE id = $1`, id)
	return scanExecution(row)
}

// executionRow is the sqlx struct-scan target for bulk execution listing;
// domain.PlaybookExecution itself carries json tags and an embedded pointer
// ExecutionState that StructScan cannot populate directly.
type executionRow struct {
	ID             int64          `db:"id"`
	PlaybookID     int64          `db:"playbook_id"`
	OrganizationID int64          `db:"organization_id"`
	UserID         sql.NullInt64  `db:"user_id"`
	TriggerData    []byte         `db:"trigger_data"`
	Status         string         `db:"status"`
	StartedAt      time.Time      `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	DurationMs     sql.NullInt64  `db:"duration_ms"`
	Results        []byte         `db:"results"`
	Error          string         `db:"error"`
	DryRun         bool           `db:"dry_run"`
}

func (r executionRow) toDomain() (domain.PlaybookExecution, error) {
	exec := domain.PlaybookExecution{
		ID:             r.ID,
		PlaybookID:     r.PlaybookID,
		OrganizationID: r.OrganizationID,
		Status:         domain.ExecutionStatus(r.Status),
		StartedAt:      r.StartedAt,
		Error:          r.Error,
		DryRun:         r.DryRun,
	}
	if r.UserID.Valid {
		exec.UserID = &r.UserID.Int64
	}
	if r.CompletedAt.Valid {
		exec.CompletedAt = &r.CompletedAt.Time
	}
	if r.DurationMs.Valid {
		exec.DurationMs = &r.DurationMs.Int64
	}
	if len(r.TriggerData) > 0 {
		if err := json.Unmarshal(r.TriggerData, &exec.TriggerData); err != nil {
			return domain.PlaybookExecution{}, fmt.Errorf("postgres: decode trigger data: %w", err)
		}
	}
	if len(r.Results) > 0 {
		exec.Results = &domain.ExecutionState{}
		if err := json.Unmarshal(r.Results, exec.Results); err != nil {
			return domain.PlaybookExecution{}, fmt.Errorf("postgres: decode execution results: %w", err)
		}
	}
	return exec, nil
}

// ListExecutions is the one bulk-listing query backed directly by sqlx
// rather than the BaseStore/Querier seam, since struct-scanning a row of
// this width by hand invites column-order bugs.
func (s *Store) ListExecutions(ctx context.Context, organizationID int64, limit int) ([]domain.PlaybookExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlxDB.QueryxContext(ctx, `
		SELECT id, playbook_id, organization_id, user_id, trigger_data, status,
			started_at, completed_at, duration_ms, results, error, dry_run
		FROM playbook_executions
		WHERE organization_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.PlaybookExecution
	for rows.Next() {
		var row executionRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("postgres: scan execution row: %w", err)
		}
		exec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.PlaybookExecution, error) {
	var exec domain.PlaybookExecution
	var triggerDataRaw, resultsRaw []byte
	err := row.Scan(
		&exec.ID, &exec.PlaybookID, &exec.OrganizationID, &exec.UserID, &triggerDataRaw, &exec.Status,
		&exec.StartedAt, &exec.CompletedAt, &exec.DurationMs, &resultsRaw, &exec.Error, &exec.DryRun,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.PlaybookExecution{}, store.ErrNotFound
		}
		return domain.PlaybookExecution{}, fmt.Errorf("postgres: scan execution: %w", err)
	}
	if len(triggerDataRaw) > 0 {
		if err := json.Unmarshal(triggerDataRaw, &exec.TriggerData); err != nil {
			return domain.PlaybookExecution{}, fmt.Errorf("postgres: decode trigger data: %w", err)
		}
	}
	if len(resultsRaw) > 0 {
		exec.Results = &domain.ExecutionState{}
		if err := json.Unmarshal(resultsRaw, exec.Results); err != nil {
			return domain.PlaybookExecution{}, fmt.Errorf("postgres: decode execution results: %w", err)
		}
	}
	return exec, nil
}

func (s *Store) ListActiveBindings(ctx context.Context, organizationID int64, eventType string) ([]domain.PlaybookBinding, error) {
	rows, err := s.bindings.QueryContext(ctx, `
		SELECT b.id, b.organization_id, b.event_type, b.playbook_id, b.predicate, b.priority, b.is_active
		FROM playbook_bindings b
		JOIN playbooks p ON p.id = b.playbook_id
		WHERE b.organization_id = $1 AND b.event_type = $2 AND b.is_active AND p.is_active
		ORDER BY b.priority DESC, b.id ASC`, organizationID, eventType)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active bindings: %w", err)
	}
	defer rows.Close()

	var out []domain.PlaybookBinding
	for rows.Next() {
		var b domain.PlaybookBinding
		if err := rows.Scan(&b.ID, &b.OrganizationID, &b.EventType, &b.PlaybookID, &b.Predicate, &b.Priority, &b.IsActive); err != nil {
			return nil, fmt.Errorf("postgres: scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) AppendAuditLog(ctx context.Context, entry domain.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("postgres: encode audit details: %w", err)
	}
	_, err = s.audit.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, action, user_id, organization_id, details, severity, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.EntityType, entry.EntityID, entry.Action, entry.UserID, entry.OrganizationID, details, entry.Severity, entry.Source,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit log: %w", err)
	}
	return nil
}

func (s *Store) QueryExecutionAuditLogs(ctx context.Context, executionID, organizationID int64) ([]domain.AuditEntry, error) {
	rows, err := s.audit.QueryContext(ctx, `
		SELECT id, "timestamp", entity_type, entity_id, action, user_id, organization_id, details, severity, source
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2 AND organization_id = $3
		ORDER BY "timestamp" ASC`, domain.AuditEntityExecution, fmt.Sprint(executionID), organizationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query execution audit logs: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		var detailsRaw []byte
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.EntityType, &entry.EntityID, &entry.Action,
			&entry.UserID, &entry.OrganizationID, &detailsRaw, &entry.Severity, &entry.Source); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &entry.Details); err != nil {
				return nil, fmt.Errorf("postgres: decode audit details: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
