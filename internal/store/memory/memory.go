// Package memory provides an in-process implementation of the store
// interfaces for tests and local development: one mutex-guarded struct of
// maps.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
)

// Store is an in-memory, mutex-guarded implementation of
// store.PlaybookStore, store.JobStore, and store.StreamStore.
type Store struct {
	mu sync.Mutex

	playbooks  map[int64]domain.Playbook
	bindings   map[int64]domain.PlaybookBinding
	executions map[int64]domain.PlaybookExecution
	audit      []domain.AuditEntry
	nextExecID int64
	nextAudit  int64

	jobs        map[int64]domain.Job
	nextJobID   int64
	deadLetters []domain.Job

	events        []domain.Event
	cursors       map[string]int64
	pending       map[string]map[int64]time.Time
	nextMessageID int64
}

var (
	_ store.PlaybookStore = (*Store)(nil)
	_ store.JobStore      = (*Store)(nil)
	_ store.StreamStore   = (*Store)(nil)
)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		playbooks:  make(map[int64]domain.Playbook),
		bindings:   make(map[int64]domain.PlaybookBinding),
		executions: make(map[int64]domain.PlaybookExecution),
		jobs:       make(map[int64]domain.Job),
		cursors:    make(map[string]int64),
		pending:    make(map[string]map[int64]time.Time),
	}
}

// SeedPlaybook inserts or replaces a playbook for tests.
func (s *Store) SeedPlaybook(p domain.Playbook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbooks[p.ID] = p
}

// SeedBinding inserts or replaces a binding for tests.
func (s *Store) SeedBinding(b domain.PlaybookBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.ID] = b
}

// --- PlaybookStore ---

func (s *Store) GetPlaybook(_ context.Context, id int64) (domain.Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.playbooks[id]
	if !ok {
		return domain.Playbook{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) InsertExecution(_ context.Context, exec domain.PlaybookExecution) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExecID++
	exec.ID = s.nextExecID
	s.executions[exec.ID] = exec
	return exec.ID, nil
}

func (s *Store) UpdateExecutionStatus(_ context.Context, update store.ExecutionStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[update.ID]
	if !ok {
		return store.ErrNotFound
	}
	exec.Status = update.Status
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	if update.DurationMs != nil {
		exec.DurationMs = update.DurationMs
	}
	if update.Results != nil {
		exec.Results = update.Results
	}
	if update.Error != "" {
		exec.Error = update.Error
	}
	s.executions[update.ID] = exec
	return nil
}

func (s *Store) GetExecution(_ context.Context, id int64) (domain.PlaybookExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return domain.PlaybookExecution{}, store.ErrNotFound
	}
	return exec, nil
}

func (s *Store) ListExecutions(_ context.Context, organizationID int64, limit int) ([]domain.PlaybookExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PlaybookExecution
	for _, exec := range s.executions {
		if exec.OrganizationID == organizationID {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListActiveBindings(_ context.Context, organizationID int64, eventType string) ([]domain.PlaybookBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PlaybookBinding
	for _, b := range s.bindings {
		if b.IsActive && b.OrganizationID == organizationID && b.EventType == eventType {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) AppendAuditLog(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAudit++
	entry.ID = s.nextAudit
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) QueryExecutionAuditLogs(_ context.Context, executionID, organizationID int64) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	executionIDStr := formatID(executionID)
	for _, e := range s.audit {
		if e.OrganizationID == organizationID && e.EntityType == domain.AuditEntityExecution && e.EntityID == executionIDStr {
			out = append(out, e)
		}
	}
	return out, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
