package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/store"
	"github.com/r3e-network/soar-core/pkg/pgnotify"
)

// --- StreamStore ---

func (s *Store) Append(ctx context.Context, event domain.Event) (int64, error) {
	dataRaw, err := json.Marshal(event.Data)
	if err != nil {
		return 0, fmt.Errorf("postgres: encode event data: %w", err)
	}

	var streamID int64
	err = s.events.QueryRowContext(ctx, `
		INSERT INTO soar_events (event_id, event_type, organization_id, "timestamp", data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		event.ID, event.Type, event.OrganizationID, event.Timestamp, dataRaw,
	).Scan(&streamID)
	if err != nil {
		return 0, fmt.Errorf("postgres: append event: %w", err)
	}
	s.notify(ctx, pgnotify.ChannelStreamEvents)
	return streamID, nil
}

// Consume fills up to n slots for group first from messages a prior
// ReclaimExpired returned to the "available" pool, then from events never
// delivered to this group before (id past its cursor). Either path marks
// the message pending again before it is handed back.
func (s *Store) Consume(ctx context.Context, group, consumerID string, n int) ([]store.StreamMessage, error) {
	var messages []store.StreamMessage
	err := s.events.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.events.ExecContext(ctx, `
			INSERT INTO soar_stream_cursors (group_name, position) VALUES ($1, 0)
			ON CONFLICT (group_name) DO NOTHING`, group); err != nil {
			return fmt.Errorf("postgres: create stream cursor %q: %w", group, err)
		}

		var cursor int64
		if err := s.events.QueryRowContext(ctx, `
			SELECT position FROM soar_stream_cursors WHERE group_name = $1 FOR UPDATE`, group,
		).Scan(&cursor); err != nil {
			return fmt.Errorf("postgres: read stream cursor %q: %w", group, err)
		}

		reclaimed, err := s.selectReclaimed(ctx, group, n)
		if err != nil {
			return err
		}
		messages = append(messages, reclaimed...)

		remaining := n - len(messages)
		if remaining > 0 {
			fresh, maxID, err := s.selectFresh(ctx, group, cursor, remaining)
			if err != nil {
				return err
			}
			messages = append(messages, fresh...)
			if maxID > cursor {
				if _, err := s.events.ExecContext(ctx, `
					UPDATE soar_stream_cursors SET position = $2 WHERE group_name = $1`, group, maxID); err != nil {
					return fmt.Errorf("postgres: advance stream cursor %q: %w", group, err)
				}
			}
		}
		_ = consumerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) selectReclaimed(ctx context.Context, group string, limit int) ([]store.StreamMessage, error) {
	rows, err := s.events.QueryContext(ctx, `
		SELECT e.id, e.event_id, e.event_type, e.organization_id, e."timestamp", e.data
		FROM soar_stream_pending p
		JOIN soar_events e ON e.id = p.message_id
		WHERE p.group_name = $1 AND p.status = 'available'
		ORDER BY e.id ASC
		LIMIT $2
		FOR UPDATE OF p SKIP LOCKED`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: select reclaimed %q: %w", group, err)
	}
	messages, err := scanStreamMessages(rows)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if _, err := s.events.ExecContext(ctx, `
			UPDATE soar_stream_pending SET status = 'pending', claimed_at = now()
			WHERE group_name = $1 AND message_id = $2`, group, msg.MessageID); err != nil {
			return nil, fmt.Errorf("postgres: re-mark pending %d: %w", msg.MessageID, err)
		}
	}
	return messages, nil
}

func (s *Store) selectFresh(ctx context.Context, group string, cursor int64, limit int) ([]store.StreamMessage, int64, error) {
	rows, err := s.events.QueryContext(ctx, `
		SELECT id, event_id, event_type, organization_id, "timestamp", data
		FROM soar_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("postgres: select fresh %q: %w", group, err)
	}
	messages, err := scanStreamMessages(rows)
	if err != nil {
		return nil, cursor, err
	}

	maxID := cursor
	for _, msg := range messages {
		if _, err := s.events.ExecContext(ctx, `
			INSERT INTO soar_stream_pending (group_name, message_id, status)
			VALUES ($1, $2, 'pending')
			ON CONFLICT (group_name, message_id) DO UPDATE SET status = 'pending', claimed_at = now()`,
			group, msg.MessageID,
		); err != nil {
			return nil, cursor, fmt.Errorf("postgres: mark pending %d: %w", msg.MessageID, err)
		}
		if msg.MessageID > maxID {
			maxID = msg.MessageID
		}
	}
	return messages, maxID, nil
}

func scanStreamMessages(rows *sql.Rows) ([]store.StreamMessage, error) {
	defer rows.Close()
	var out []store.StreamMessage
	for rows.Next() {
		var id int64
		var event domain.Event
		var dataRaw []byte
		if err := rows.Scan(&id, &event.ID, &event.Type, &event.OrganizationID, &event.Timestamp, &dataRaw); err != nil {
			return nil, fmt.Errorf("postgres: scan stream event: %w", err)
		}
		if len(dataRaw) > 0 {
			if err := json.Unmarshal(dataRaw, &event.Data); err != nil {
				return nil, fmt.Errorf("postgres: decode stream event data: %w", err)
			}
		}
		event.StreamID = id
		out = append(out, store.StreamMessage{MessageID: id, Event: event})
	}
	return out, rows.Err()
}

func (s *Store) Ack(ctx context.Context, group string, messageID int64) error {
	_, err := s.events.ExecContext(ctx, `
		DELETE FROM soar_stream_pending WHERE group_name = $1 AND message_id = $2`, group, messageID)
	if err != nil {
		return fmt.Errorf("postgres: ack %d: %w", messageID, err)
	}
	return nil
}

// ReclaimExpired flips pending deliveries whose claim has exceeded
// pendingTimeout back to "available" so the next Consume redelivers them.
func (s *Store) ReclaimExpired(ctx context.Context, group string, pendingTimeout time.Duration) (int, error) {
	result, err := s.events.ExecContext(ctx, `
		UPDATE soar_stream_pending
		SET status = 'available'
		WHERE group_name = $1 AND status = 'pending' AND claimed_at < $2`,
		group, time.Now().Add(-pendingTimeout))
	if err != nil {
		return 0, fmt.Errorf("postgres: reclaim expired %q: %w", group, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: reclaim expired rows affected %q: %w", group, err)
	}
	return int(rows), nil
}

func (s *Store) GetEvent(ctx context.Context, messageID int64) (domain.Event, error) {
	row := s.events.QueryRowContext(ctx, `
		SELECT id, event_id, event_type, organization_id, "timestamp", data
		FROM soar_events WHERE id = $1`, messageID)

	var event domain.Event
	var id int64
	var dataRaw []byte
	if err := row.Scan(&id, &event.ID, &event.Type, &event.OrganizationID, &event.Timestamp, &dataRaw); err != nil {
		if err == sql.ErrNoRows {
			return domain.Event{}, store.ErrNotFound
		}
		return domain.Event{}, fmt.Errorf("postgres: get event %d: %w", messageID, err)
	}
	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &event.Data); err != nil {
			return domain.Event{}, fmt.Errorf("postgres: decode event data: %w", err)
		}
	}
	event.StreamID = id
	return event, nil
}
