package memory

import (
	"context"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
)

// --- StreamStore ---

func (s *Store) Append(_ context.Context, event domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMessageID++
	event.StreamID = s.nextMessageID
	s.events = append(s.events, event)
	return s.nextMessageID, nil
}

func (s *Store) Consume(_ context.Context, group, _ string, n int) ([]store.StreamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := s.cursors[group]
	if s.pending[group] == nil {
		s.pending[group] = make(map[int64]time.Time)
	}

	var out []store.StreamMessage
	now := time.Now().UTC()
	for _, ev := range s.events {
		if ev.StreamID <= cursor {
			continue
		}
		if _, claimed := s.pending[group][ev.StreamID]; claimed {
			continue
		}
		out = append(out, store.StreamMessage{MessageID: ev.StreamID, Event: ev})
		s.pending[group][ev.StreamID] = now
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, nil
}

func (s *Store) Ack(_ context.Context, group string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending[group], messageID)

	// Advance the cursor while the lowest outstanding/claimed id is
	// contiguous with the acknowledged tail, so Consume doesn't rescan the
	// whole log on every call.
	cursor := s.cursors[group]
	for {
		next := cursor + 1
		idx := s.indexOf(next)
		if idx < 0 {
			break
		}
		if _, pending := s.pending[group][next]; pending {
			break
		}
		cursor = next
	}
	s.cursors[group] = cursor
	return nil
}

func (s *Store) indexOf(messageID int64) int {
	for i, ev := range s.events {
		if ev.StreamID == messageID {
			return i
		}
	}
	return -1
}

func (s *Store) ReclaimExpired(_ context.Context, group string, pendingTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := s.pending[group]
	if claimed == nil {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-pendingTimeout)
	reclaimed := 0
	for id, claimedAt := range claimed {
		if claimedAt.Before(cutoff) {
			delete(claimed, id)
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *Store) GetEvent(_ context.Context, messageID int64) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(messageID)
	if idx < 0 {
		return domain.Event{}, store.ErrNotFound
	}
	return s.events[idx], nil
}
