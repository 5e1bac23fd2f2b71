package store

import (
	"context"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
)

// JobStore persists the priority job queue. Claim implements the "each job
// handed to exactly one worker" guarantee; backends pick their own
// concurrency-safe mechanism (Postgres uses SELECT ... FOR UPDATE SKIP
// LOCKED).
type JobStore interface {
	Enqueue(ctx context.Context, job domain.Job) (int64, error)
	// Claim atomically reserves up to n queued jobs whose NextAttemptAt has
	// passed, ordered by priority desc then id asc, and marks them running.
	Claim(ctx context.Context, workerID string, n int) ([]domain.Job, error)
	Complete(ctx context.Context, jobID int64) error
	Fail(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error
	DeadLetter(ctx context.Context, jobID int64, errMsg string) error
	RequestCancel(ctx context.Context, jobID int64) error
	IsCancelRequested(ctx context.Context, jobID int64) (bool, error)
	Depth(ctx context.Context) (int, error)
	ListDeadLetters(ctx context.Context, organizationID int64, limit int) ([]domain.Job, error)
}

// StreamStore persists the durable event stream: an append-only log plus
// per-consumer-group cursors and pending (claimed, unacked) deliveries.
type StreamStore interface {
	Append(ctx context.Context, event domain.Event) (int64, error)
	// Consume returns up to n undelivered messages for group starting after
	// its acknowledged cursor, and marks them pending. A group seen for the
	// first time gets a cursor at position 0, so it is handed every event
	// already in the log; it does not start at the current stream tail.
	Consume(ctx context.Context, group, consumerID string, n int) ([]StreamMessage, error)
	Ack(ctx context.Context, group string, messageID int64) error
	// ReclaimExpired returns pending deliveries whose claim has exceeded
	// pendingTimeout to the deliverable pool for the given group.
	ReclaimExpired(ctx context.Context, group string, pendingTimeout time.Duration) (int, error)
	GetEvent(ctx context.Context, messageID int64) (domain.Event, error)
}

// StreamMessage pairs a stream position with the event stored there.
type StreamMessage struct {
	MessageID int64
	Event     domain.Event
}
