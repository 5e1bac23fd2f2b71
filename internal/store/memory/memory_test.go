package memory

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaybookStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedPlaybook(domain.Playbook{ID: 1, OrganizationID: 9, Name: "contain-host", IsActive: true})

	p, err := s.GetPlaybook(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "contain-host", p.Name)

	_, err = s.GetPlaybook(ctx, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.InsertExecution(ctx, domain.PlaybookExecution{OrganizationID: 9, Status: domain.ExecutionRunning})
	require.NoError(t, err)

	completedAt := time.Now().UTC()
	duration := int64(1500)
	err = s.UpdateExecutionStatus(ctx, store.ExecutionStatusUpdate{
		ID:          id,
		Status:      domain.ExecutionCompleted,
		CompletedAt: &completedAt,
		DurationMs:  &duration,
	})
	require.NoError(t, err)

	exec, err := s.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, &duration, exec.DurationMs)

	list, err := s.ListExecutions(ctx, 9, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListActiveBindingsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedBinding(domain.PlaybookBinding{ID: 1, OrganizationID: 9, EventType: "alert.created", IsActive: true, Priority: 1})
	s.SeedBinding(domain.PlaybookBinding{ID: 2, OrganizationID: 9, EventType: "alert.created", IsActive: true, Priority: 5})
	s.SeedBinding(domain.PlaybookBinding{ID: 3, OrganizationID: 9, EventType: "alert.created", IsActive: false, Priority: 9})
	s.SeedBinding(domain.PlaybookBinding{ID: 4, OrganizationID: 1, EventType: "alert.created", IsActive: true, Priority: 9})

	bindings, err := s.ListActiveBindings(ctx, 9, "alert.created")
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, int64(2), bindings[0].ID)
	assert.Equal(t, int64(1), bindings[1].ID)
}

func TestAuditLogQueryScopesByExecutionAndOrg(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendAuditLog(ctx, domain.AuditEntry{
		OrganizationID: 9, EntityType: domain.AuditEntityExecution, EntityID: "1", Action: "step.completed",
	}))
	require.NoError(t, s.AppendAuditLog(ctx, domain.AuditEntry{
		OrganizationID: 9, EntityType: domain.AuditEntityExecution, EntityID: "2", Action: "step.completed",
	}))
	require.NoError(t, s.AppendAuditLog(ctx, domain.AuditEntry{
		OrganizationID: 1, EntityType: domain.AuditEntityExecution, EntityID: "1", Action: "step.completed",
	}))

	entries, err := s.QueryExecutionAuditLogs(ctx, 1, 9)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ID)
}

func TestJobQueueClaimOrdersByPriorityThenID(t *testing.T) {
	ctx := context.Background()
	s := New()
	low, _ := s.Enqueue(ctx, domain.Job{OrganizationID: 9, Priority: 1, MaxAttempts: 3})
	high, _ := s.Enqueue(ctx, domain.Job{OrganizationID: 9, Priority: 5, MaxAttempts: 3})
	_, _ = low, high

	claimed, err := s.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high, claimed[0].ID)
	assert.Equal(t, domain.JobRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
}

func TestJobFailRequeuesUntilDeadLettered(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, _ := s.Enqueue(ctx, domain.Job{OrganizationID: 9, MaxAttempts: 2})

	claimed, err := s.Claim(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.Fail(ctx, id, "action timed out", time.Now().UTC().Add(-time.Second)))

	reclaimed, err := s.Claim(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "action timed out", reclaimed[0].LastError)
	assert.Equal(t, 2, reclaimed[0].Attempts)

	require.NoError(t, s.DeadLetter(ctx, id, "max attempts exceeded"))
	letters, err := s.ListDeadLetters(ctx, 9, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, domain.JobDeadLetter, letters[0].Status)
}

func TestJobCancellationFlag(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, _ := s.Enqueue(ctx, domain.Job{OrganizationID: 9, MaxAttempts: 1})

	cancelled, err := s.IsCancelRequested(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, s.RequestCancel(ctx, id))
	cancelled, err = s.IsCancelRequested(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestQueueDepthCountsNonTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.Enqueue(ctx, domain.Job{OrganizationID: 9, MaxAttempts: 1})
	id2, _ := s.Enqueue(ctx, domain.Job{OrganizationID: 9, MaxAttempts: 1})
	_, err := s.Claim(ctx, "worker-1", 1)
	require.NoError(t, err)

	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	require.NoError(t, s.Complete(ctx, id2))
}

func TestStreamAppendConsumeAck(t *testing.T) {
	ctx := context.Background()
	s := New()
	id1, err := s.Append(ctx, domain.Event{ID: "evt-1", Type: "alert.created", OrganizationID: 9})
	require.NoError(t, err)
	id2, err := s.Append(ctx, domain.Event{ID: "evt-2", Type: "alert.created", OrganizationID: 9})
	require.NoError(t, err)

	msgs, err := s.Consume(ctx, "trigger-engine", "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id1, msgs[0].MessageID)
	assert.Equal(t, id2, msgs[1].MessageID)

	again, err := s.Consume(ctx, "trigger-engine", "consumer-2", 10)
	require.NoError(t, err)
	assert.Empty(t, again, "pending deliveries must not be handed to a second consumer")

	require.NoError(t, s.Ack(ctx, "trigger-engine", id1))
	require.NoError(t, s.Ack(ctx, "trigger-engine", id2))

	ev, err := s.GetEvent(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", ev.ID)
}

func TestStreamReclaimExpiredReturnsStaleClaimsToThePool(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.Append(ctx, domain.Event{ID: "evt-1", Type: "alert.created", OrganizationID: 9})
	require.NoError(t, err)

	_, err = s.Consume(ctx, "trigger-engine", "consumer-1", 10)
	require.NoError(t, err)

	reclaimed, err := s.ReclaimExpired(ctx, "trigger-engine", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	msgs, err := s.Consume(ctx, "trigger-engine", "consumer-2", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].MessageID)
}

func TestStreamGetEventMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.GetEvent(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
