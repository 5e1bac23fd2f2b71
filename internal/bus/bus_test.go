package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	types    []string
	received []domain.Event
	err      error
}

func (h *recordingHandler) EventTypes() []string { return h.types }

func (h *recordingHandler) Handle(_ context.Context, event domain.Event) error {
	h.received = append(h.received, event)
	return h.err
}

func TestPublishDeliversOnlyToMatchingHandlers(t *testing.T) {
	b := New(nil)
	alerts := &recordingHandler{types: []string{"alert.created"}}
	all := &recordingHandler{}
	b.Register("alerts", alerts)
	b.Register("all", all)

	errs := b.Publish(context.Background(), domain.Event{Type: "alert.created"})
	require.Empty(t, errs)
	assert.Len(t, alerts.received, 1)
	assert.Len(t, all.received, 1)

	errs = b.Publish(context.Background(), domain.Event{Type: "incident.updated"})
	require.Empty(t, errs)
	assert.Len(t, alerts.received, 1, "non-matching handler must not receive the second event")
	assert.Len(t, all.received, 2)
}

func TestPublishAggregatesHandlerErrorsWithoutStoppingDelivery(t *testing.T) {
	b := New(nil)
	failing := &recordingHandler{err: errors.New("sink unavailable")}
	succeeding := &recordingHandler{}
	b.Register("failing", failing)
	b.Register("succeeding", succeeding)

	errs := b.Publish(context.Background(), domain.Event{Type: "alert.created"})
	require.Len(t, errs, 1)
	assert.Len(t, succeeding.received, 1)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.HandlerErrors)
	assert.Equal(t, int64(1), stats.Delivered)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := New(nil)
	h := &recordingHandler{}
	b.Register("h", h)
	b.Unregister("h")

	b.Publish(context.Background(), domain.Event{Type: "alert.created"})
	assert.Empty(t, h.received)
}
