// Package pgnotify adapts PostgreSQL's LISTEN/NOTIFY protocol into a
// low-latency wake-up signal for soar-core's poll-based consumers: the
// durable event stream, the job queue, and the trigger engine's binding
// cache. Channels here carry presence, not payload data — a NOTIFY just
// tells a blocked consumer to re-poll its store immediately instead of
// waiting out the rest of its ticker interval, with Postgres remaining the
// source of truth for what actually changed.
package pgnotify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/soar-core/pkg/logger"
)

// Channel names shared by soar-core's Postgres-backed collaborators: the
// durable stream notifies ChannelStreamEvents on every append, the job
// queue notifies ChannelJobs on every enqueue, and ChannelBindings is
// reserved for waking a trigger engine's binding cache after an external
// process changes playbook bindings.
const (
	ChannelStreamEvents = "soar_stream_events"
	ChannelJobs         = "soar_jobs"
	ChannelBindings     = "soar_bindings"
)

// Bus listens on a set of channels and fans each NOTIFY out to every waiter
// registered against it.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener
	log      *logger.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Bus backed by dsn. db is the pool used to issue NOTIFY; the
// listener keeps its own dedicated connection, as pq.Listener expects.
func New(dsn string, db *sql.DB, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("pgnotify")
	}
	reportProblem := func(_ pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("pgnotify: listener connection event")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db:       db,
		listener: listener,
		log:      log,
		waiters:  make(map[string][]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Notify wakes every waiter currently listening on channel. Postgres folds
// concurrent NOTIFYs on the same channel within a transaction into one
// delivery, so this is safe to call on every write without flooding
// listeners.
func (b *Bus) Notify(ctx context.Context, channel string) error {
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, '')", channel); err != nil {
		return fmt.Errorf("pgnotify: notify %q: %w", channel, err)
	}
	return nil
}

// Wake returns a channel that receives a value (best-effort, non-blocking)
// each time channel is notified. It is buffered by one so a wake-up is
// never lost between two receives by a slow consumer. Callers must treat it
// purely as a hint to poll sooner, never as a guarantee of exactly-once or
// in-order delivery — the backing store is still the source of truth.
func (b *Bus) Wake(channel string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.waiters[channel]) == 0 {
		if err := b.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
			return nil, fmt.Errorf("pgnotify: listen %q: %w", channel, err)
		}
	}
	ch := make(chan struct{}, 1)
	b.waiters[channel] = append(b.waiters[channel], ch)
	return ch, nil
}

// Close stops the listener and releases its connection.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case notification := <-b.listener.Notify:
			if notification == nil {
				// Connection dropped; pq.Listener reconnects and re-LISTENs
				// on its own, so there is nothing to redo here.
				continue
			}
			b.broadcast(notification.Channel)
		case <-time.After(90 * time.Second):
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.log.WithError(err).Warn("pgnotify: ping failed")
				}
			}()
		}
	}
}

func (b *Bus) broadcast(channel string) {
	b.mu.Lock()
	waiters := b.waiters[channel]
	b.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
