package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/stream"
	"github.com/r3e-network/soar-core/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *stream.Stream) {
	t.Helper()
	st := memory.New()
	s := stream.New(st, nil, nil)
	e, err := New("test-consumer", s, st, st, nil, DefaultConfig())
	require.NoError(t, err)
	return e, st, s
}

func TestDrainOnceEnqueuesJobForMatchingBinding(t *testing.T) {
	e, st, s := newTestEngine(t)
	st.SeedPlaybook(domain.Playbook{ID: 1, OrganizationID: 9, Name: "contain-host", IsActive: true})
	st.SeedBinding(domain.PlaybookBinding{
		ID: 1, OrganizationID: 9, EventType: "alert.created", PlaybookID: 1,
		Predicate: "severity == 'high'", Priority: 5, IsActive: true,
	})

	ctx := context.Background()
	_, err := s.Publish(ctx, domain.Event{
		Type: "alert.created", OrganizationID: 9,
		Data: map[string]interface{}{"severity": "high"},
	})
	require.NoError(t, err)

	e.drainOnce(ctx, 0)

	depth, err := st.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDrainOnceSkipsNonMatchingPredicateButAcks(t *testing.T) {
	e, st, s := newTestEngine(t)
	st.SeedPlaybook(domain.Playbook{ID: 1, OrganizationID: 9, Name: "contain-host", IsActive: true})
	st.SeedBinding(domain.PlaybookBinding{
		ID: 1, OrganizationID: 9, EventType: "alert.created", PlaybookID: 1,
		Predicate: "severity == 'high'", Priority: 5, IsActive: true,
	})

	ctx := context.Background()
	_, err := s.Publish(ctx, domain.Event{
		Type: "alert.created", OrganizationID: 9,
		Data: map[string]interface{}{"severity": "low"},
	})
	require.NoError(t, err)

	e.drainOnce(ctx, 0)

	depth, err := st.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	// A second drain should see nothing new: the event must have been acked
	// even though no binding matched.
	msgs, err := s.Consume(ctx, ConsumerGroup, "another-consumer", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDrainOnceIgnoresInactivePlaybook(t *testing.T) {
	e, st, s := newTestEngine(t)
	st.SeedPlaybook(domain.Playbook{ID: 1, OrganizationID: 9, Name: "contain-host", IsActive: false})
	st.SeedBinding(domain.PlaybookBinding{
		ID: 1, OrganizationID: 9, EventType: "alert.created", PlaybookID: 1, IsActive: true,
	})

	ctx := context.Background()
	_, err := s.Publish(ctx, domain.Event{Type: "alert.created", OrganizationID: 9, Data: map[string]interface{}{}})
	require.NoError(t, err)

	e.drainOnce(ctx, 0)

	depth, err := st.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestDrainOnceHonorsBindingPriorityOrderViaOrgIsolation(t *testing.T) {
	e, st, s := newTestEngine(t)
	st.SeedPlaybook(domain.Playbook{ID: 1, OrganizationID: 9, Name: "p9", IsActive: true})
	st.SeedPlaybook(domain.Playbook{ID: 2, OrganizationID: 1, Name: "p1", IsActive: true})
	st.SeedBinding(domain.PlaybookBinding{ID: 1, OrganizationID: 9, EventType: "alert.created", PlaybookID: 1, IsActive: true})
	st.SeedBinding(domain.PlaybookBinding{ID: 2, OrganizationID: 1, EventType: "alert.created", PlaybookID: 2, IsActive: true})

	ctx := context.Background()
	_, err := s.Publish(ctx, domain.Event{Type: "alert.created", OrganizationID: 9, Data: map[string]interface{}{}})
	require.NoError(t, err)

	e.drainOnce(ctx, 0)

	letters, err := st.ListDeadLetters(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, letters, "org 1's binding must never fire for org 9's event")

	depth, err := st.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRunReclaimsExpiredDeliveriesOnAnUnackedCrash(t *testing.T) {
	st := memory.New()
	s := stream.New(st, nil, nil)
	cfg := DefaultConfig()
	cfg.PendingTimeout = 0 // any claim is immediately stale
	cfg.ReclaimInterval = 10 * time.Millisecond
	e, err := New("crashed-consumer", s, st, st, nil, cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Publish(ctx, domain.Event{Type: "alert.created", OrganizationID: 9, Data: map[string]interface{}{}})
	require.NoError(t, err)

	// Simulate a consumer that claimed the delivery and crashed before
	// acking it.
	msgs, err := s.Consume(ctx, ConsumerGroup, "crashed-consumer", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.reclaimLoop(runCtx)

	require.Eventually(t, func() bool {
		redelivered, err := s.Consume(ctx, ConsumerGroup, "recovering-consumer", 10)
		return err == nil && len(redelivered) == 1
	}, time.Second, 5*time.Millisecond, "reclaimLoop must return the stale claim to the deliverable pool")
}

func TestInvalidateBindingsForcesReload(t *testing.T) {
	e, st, s := newTestEngine(t)
	st.SeedPlaybook(domain.Playbook{ID: 1, OrganizationID: 9, Name: "p9", IsActive: true})
	st.SeedBinding(domain.PlaybookBinding{ID: 1, OrganizationID: 9, EventType: "alert.created", PlaybookID: 1, IsActive: true})

	ctx := context.Background()
	_, err := s.Publish(ctx, domain.Event{Type: "alert.created", OrganizationID: 9, Data: map[string]interface{}{}})
	require.NoError(t, err)
	e.drainOnce(ctx, 0)

	depth, err := st.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	st.SeedBinding(domain.PlaybookBinding{ID: 1, OrganizationID: 9, EventType: "alert.created", PlaybookID: 1, IsActive: false})
	e.InvalidateBindings()

	_, err = s.Publish(ctx, domain.Event{Type: "alert.created", OrganizationID: 9, Data: map[string]interface{}{}})
	require.NoError(t, err)
	e.drainOnce(ctx, 0)

	depth, err = st.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "deactivated binding must no longer enqueue after cache invalidation")
}
