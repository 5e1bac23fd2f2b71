// Package stream implements the durable event stream: an append-only log
// with per-consumer-group read cursors and explicit acknowledgement,
// backed by a store.StreamStore. It is the trigger engine's source of
// truth; the in-process bus (internal/bus) is a best-effort mirror, not a
// substitute.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/soar-core/internal/bus"
	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
	"github.com/r3e-network/soar-core/pkg/logger"
	"github.com/r3e-network/soar-core/pkg/pgnotify"
)

// Message pairs a stream position with the event stored there, exported so
// callers don't reach into internal/store directly.
type Message struct {
	ID    int64
	Event domain.Event
}

// Stream is the durable event stream collaborator the trigger engine reads
// from: Publish persists first and mirrors to the in-process bus only on
// success.
type Stream struct {
	store    store.StreamStore
	bus      *bus.Bus
	log      *logger.Logger
	notifier *pgnotify.Bus
}

// New returns a Stream backed by s. bus may be nil to skip in-process
// mirroring entirely.
func New(s store.StreamStore, b *bus.Bus, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewDefault("stream")
	}
	return &Stream{store: s, bus: b, log: log}
}

// SetNotifier wires a pgnotify.Bus so Wake can return a channel that fires
// as soon as any process appends a new event, instead of only at the next
// poll tick. Optional: a Stream with no notifier behaves exactly as before.
func (s *Stream) SetNotifier(b *pgnotify.Bus) {
	s.notifier = b
}

// Wake returns a channel that receives a hint every time a new event is
// appended anywhere in the cluster, or nil if no notifier is wired (a nil
// channel is a valid, permanently-non-firing select case). Consumers should
// still keep their own poll ticker: Wake is a latency optimization, not a
// delivery guarantee.
func (s *Stream) Wake() (<-chan struct{}, error) {
	if s.notifier == nil {
		return nil, nil
	}
	return s.notifier.Wake(pgnotify.ChannelStreamEvents)
}

// Publish persists event to the durable stream, assigning it an id and
// monotonic stream position, then best-effort mirrors it to in-process
// subscribers. A durable persist failure is returned to the caller;
// mirroring failures are logged but never returned, matching the bus's own
// best-effort contract.
func (s *Stream) Publish(ctx context.Context, event domain.Event) (int64, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	id, err := s.store.Append(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("stream: persist event: %w", err)
	}
	event.StreamID = id

	if s.bus != nil {
		if errs := s.bus.Publish(ctx, event); len(errs) > 0 {
			s.log.WithField("event_id", event.ID).WithField("errors", len(errs)).Warn("in-process mirror had handler failures")
		}
	}
	return id, nil
}

// Consume returns up to n undelivered messages for group, marking them
// pending-for-ack. A group's cursor is created at the start of the log on
// first use (not at the stream tail), so a new group sees every stored event.
func (s *Stream) Consume(ctx context.Context, group, consumerID string, n int) ([]Message, error) {
	raw, err := s.store.Consume(ctx, group, consumerID, n)
	if err != nil {
		return nil, fmt.Errorf("stream: consume: %w", err)
	}
	out := make([]Message, len(raw))
	for i, m := range raw {
		out[i] = Message{ID: m.MessageID, Event: m.Event}
	}
	return out, nil
}

// Ack acknowledges messageID as fully processed under group.
func (s *Stream) Ack(ctx context.Context, group string, messageID int64) error {
	if err := s.store.Ack(ctx, group, messageID); err != nil {
		return fmt.Errorf("stream: ack: %w", err)
	}
	return nil
}

// ReclaimExpired returns deliveries whose claim under group has exceeded
// pendingTimeout back to the deliverable pool, giving at-least-once
// delivery across consumer crashes.
func (s *Stream) ReclaimExpired(ctx context.Context, group string, pendingTimeout time.Duration) (int, error) {
	n, err := s.store.ReclaimExpired(ctx, group, pendingTimeout)
	if err != nil {
		return 0, fmt.Errorf("stream: reclaim expired: %w", err)
	}
	return n, nil
}
