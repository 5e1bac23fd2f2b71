package stream

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/soar-core/internal/bus"
	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
	"github.com/r3e-network/soar-core/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsIDAndMirrorsToBus(t *testing.T) {
	b := bus.New(nil)
	mirrored := &capturingHandler{}
	b.Register("capture", mirrored)

	s := New(memory.New(), b, nil)
	id, err := s.Publish(context.Background(), domain.Event{Type: "alert.created", OrganizationID: 9})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
	require.Len(t, mirrored.received, 1)
	assert.NotEmpty(t, mirrored.received[0].ID, "publish should assign an id when the caller omits one")
}

func TestConsumeThenAckAdvancesCursor(t *testing.T) {
	s := New(memory.New(), nil, nil)
	ctx := context.Background()
	_, err := s.Publish(ctx, domain.Event{Type: "alert.created", OrganizationID: 9})
	require.NoError(t, err)

	msgs, err := s.Consume(ctx, "trigger-engine", "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.Ack(ctx, "trigger-engine", msgs[0].ID))

	again, err := s.Consume(ctx, "trigger-engine", "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestReclaimExpiredMakesPendingDeliveryAvailableAgain(t *testing.T) {
	s := New(memory.New(), nil, nil)
	ctx := context.Background()
	_, err := s.Publish(ctx, domain.Event{Type: "alert.created", OrganizationID: 9})
	require.NoError(t, err)

	_, err = s.Consume(ctx, "trigger-engine", "worker-1", 10)
	require.NoError(t, err)

	n, err := s.ReclaimExpired(ctx, "trigger-engine", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := s.Consume(ctx, "trigger-engine", "worker-2", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPublishFailurePropagatesAndSkipsMirroring(t *testing.T) {
	b := bus.New(nil)
	mirrored := &capturingHandler{}
	b.Register("capture", mirrored)

	s := New(failingStreamStore{}, b, nil)
	_, err := s.Publish(context.Background(), domain.Event{Type: "alert.created"})
	assert.Error(t, err)
	assert.Empty(t, mirrored.received, "a failed persist must not be mirrored to the bus")
}

type capturingHandler struct {
	received []domain.Event
}

func (h *capturingHandler) EventTypes() []string { return nil }
func (h *capturingHandler) Handle(_ context.Context, event domain.Event) error {
	h.received = append(h.received, event)
	return nil
}

type failingStreamStore struct{}

func (failingStreamStore) Append(context.Context, domain.Event) (int64, error) {
	return 0, assertErr
}
func (failingStreamStore) Consume(context.Context, string, string, int) ([]store.StreamMessage, error) {
	return nil, nil
}
func (failingStreamStore) Ack(context.Context, string, int64) error { return nil }
func (failingStreamStore) ReclaimExpired(context.Context, string, time.Duration) (int, error) {
	return 0, nil
}
func (failingStreamStore) GetEvent(context.Context, int64) (domain.Event, error) {
	return domain.Event{}, nil
}

var assertErr = assertError{}

type assertError struct{}

func (assertError) Error() string { return "append failed" }
