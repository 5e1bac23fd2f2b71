// Package trigger implements the trigger engine: it drains the durable
// event stream under its own consumer group, matches each event against
// active playbook bindings, and enqueues a job for every binding whose
// predicate evaluates true.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/predicate"
	"github.com/r3e-network/soar-core/internal/store"
	"github.com/r3e-network/soar-core/internal/stream"
	"github.com/r3e-network/soar-core/pkg/logger"
	"github.com/r3e-network/soar-core/pkg/metrics"
	"github.com/r3e-network/soar-core/pkg/pgnotify"
)

// ConsumerGroup is the durable stream consumer group the trigger engine
// reads under; it is fixed so every instance of the engine cooperates on
// the same cursor.
const ConsumerGroup = "trigger-engine"

// bindingKey identifies a cached listActiveBindings lookup.
type bindingKey struct {
	organizationID int64
	eventType      string
}

// Config controls the engine's batch size and concurrency.
type Config struct {
	Concurrency      int
	BatchSize        int
	PollInterval     time.Duration
	BindingCacheSize int

	// PendingTimeout is how long a consumed-but-unacked message may sit
	// claimed before ReclaimInterval's sweep returns it to the deliverable
	// pool — the crash-redelivery guarantee.
	PendingTimeout   time.Duration
	ReclaimInterval  time.Duration
}

// DefaultConfig returns spec-default tuning (5 concurrent consumers).
func DefaultConfig() Config {
	return Config{
		Concurrency:      5,
		BatchSize:        50,
		PollInterval:     500 * time.Millisecond,
		BindingCacheSize: 1024,
		PendingTimeout:   30 * time.Second,
		ReclaimInterval:  10 * time.Second,
	}
}

// Engine is the trigger engine: one Engine per process, running Config.Concurrency
// consumer goroutines against the same stream and consumer group.
type Engine struct {
	stream       *stream.Stream
	playbooks    store.PlaybookStore
	jobs         store.JobStore
	predicates   *predicate.Cache
	log          *logger.Logger
	cfg          Config
	bindingCache *lru.Cache[bindingKey, []domain.PlaybookBinding]
	recorder     *metrics.Recorder
	notifier     *pgnotify.Bus

	consumerID string
}

// New builds an Engine. consumerID identifies this process's consumer
// identity within ConsumerGroup (used for stream delivery tracking, not
// correctness).
func New(consumerID string, st *stream.Stream, playbooks store.PlaybookStore, jobs store.JobStore, log *logger.Logger, cfg Config) (*Engine, error) {
	if log == nil {
		log = logger.NewDefault("trigger")
	}
	if cfg.BindingCacheSize <= 0 {
		cfg.BindingCacheSize = 1024
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 10 * time.Second
	}
	cache, err := lru.New[bindingKey, []domain.PlaybookBinding](cfg.BindingCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		stream:       st,
		playbooks:    playbooks,
		jobs:         jobs,
		predicates:   predicate.NewCache(),
		log:          log,
		cfg:          cfg,
		bindingCache: cache,
		recorder:     metrics.NewRecorder(nil),
		consumerID:   consumerID,
	}, nil
}

// InvalidateBindings drops every cached listActiveBindings lookup; call this
// when a binding or playbook is created, updated, or deactivated.
func (e *Engine) InvalidateBindings() {
	e.bindingCache.Purge()
}

// SetNotifier wires a pgnotify.Bus so Run also invalidates the binding cache
// as soon as another process notifies pgnotify.ChannelBindings, instead of
// only via a direct InvalidateBindings call in this process.
func (e *Engine) SetNotifier(b *pgnotify.Bus) {
	e.notifier = b
}

// Run starts Config.Concurrency consumer goroutines and blocks until ctx is
// cancelled or every goroutine has exited.
func (e *Engine) Run(ctx context.Context) error {
	concurrency := e.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			e.consumeLoop(ctx, workerID)
		}(i)
	}
	if e.notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.watchBindingInvalidation(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reclaimLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// reclaimLoop periodically sweeps ConsumerGroup's pending table for claims
// that outlived Config.PendingTimeout, returning them to the deliverable
// pool so a crashed consumer's in-flight messages are redelivered instead
// of stuck pending forever.
func (e *Engine) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.stream.ReclaimExpired(ctx, ConsumerGroup, e.cfg.PendingTimeout)
			if err != nil {
				e.log.WithError(err).Error("trigger engine: reclaim expired deliveries failed")
				continue
			}
			if n > 0 {
				e.log.WithField("count", n).Info("trigger engine: reclaimed expired deliveries")
			}
		}
	}
}

func (e *Engine) watchBindingInvalidation(ctx context.Context) {
	wake, err := e.notifier.Wake(pgnotify.ChannelBindings)
	if err != nil {
		e.log.WithError(err).Warn("trigger: binding invalidation subscribe failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			e.InvalidateBindings()
		}
	}
}

func (e *Engine) consumeLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	wake, err := e.stream.Wake()
	if err != nil {
		e.log.WithError(err).Warn("trigger: stream wake-up subscribe failed, falling back to poll interval only")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainOnce(ctx, workerID)
		case <-wake:
			e.drainOnce(ctx, workerID)
		}
	}
}

// drainOnce processes a single batch; exported via Run's loop but callable
// directly in tests for deterministic iteration.
func (e *Engine) drainOnce(ctx context.Context, workerID int) {
	msgs, err := e.stream.Consume(ctx, ConsumerGroup, e.consumerID, e.cfg.BatchSize)
	if err != nil {
		e.log.WithError(err).WithField("worker", workerID).Error("trigger engine: consume failed")
		return
	}

	for _, msg := range msgs {
		if err := e.processEvent(ctx, msg.Event); err != nil {
			// No ack: the message remains pending and becomes eligible for
			// redelivery once its claim expires.
			e.log.WithError(err).WithField("event_id", msg.Event.ID).Error("trigger engine: enqueue failed, event not acked")
			continue
		}
		if err := e.stream.Ack(ctx, ConsumerGroup, msg.ID); err != nil {
			e.log.WithError(err).WithField("event_id", msg.Event.ID).Error("trigger engine: ack failed")
		}
	}
}

// processEvent matches event against its organization's active bindings and
// enqueues a job for each match. It returns an error only when the binding
// lookup or an enqueue fails, which holds back the stream ack;
// per-binding predicate errors are aggregated and logged but never abort
// evaluation of the remaining bindings.
func (e *Engine) processEvent(ctx context.Context, event domain.Event) error {
	bindings, err := e.activeBindings(ctx, event.OrganizationID, event.Type)
	if err != nil {
		return err
	}

	var predicateErrs error
	for _, binding := range bindings {
		if binding.Predicate != "" {
			if _, err := predicate.Compile(binding.Predicate); err != nil {
				predicateErrs = multierror.Append(predicateErrs, fmt.Errorf("binding %d: %w", binding.ID, err))
				continue
			}
		}
		if !e.evaluateBinding(binding, event) {
			continue
		}

		if err := e.enqueueJob(ctx, binding, event); err != nil {
			return err
		}
		e.recorder.Counter("trigger_binding_matches", map[string]string{"event_type": event.Type}, 1)
	}

	if predicateErrs != nil {
		e.log.WithError(predicateErrs).WithField("event_id", event.ID).Warn("trigger engine: one or more binding predicates failed")
	}
	return nil
}

func (e *Engine) activeBindings(ctx context.Context, organizationID int64, eventType string) ([]domain.PlaybookBinding, error) {
	key := bindingKey{organizationID: organizationID, eventType: eventType}
	if cached, ok := e.bindingCache.Get(key); ok {
		return cached, nil
	}
	bindings, err := e.playbooks.ListActiveBindings(ctx, organizationID, eventType)
	if err != nil {
		return nil, err
	}
	e.bindingCache.Add(key, bindings)
	return bindings, nil
}

// evaluateBinding evaluates a binding's predicate expression against
// event.Data, fail-closed on any parse or eval error. An empty predicate
// always matches.
func (e *Engine) evaluateBinding(binding domain.PlaybookBinding, event domain.Event) bool {
	if binding.Predicate == "" {
		return true
	}
	return e.predicates.Eval(binding.Predicate, event.Data)
}

func (e *Engine) enqueueJob(ctx context.Context, binding domain.PlaybookBinding, event domain.Event) error {
	playbook, err := e.playbooks.GetPlaybook(ctx, binding.PlaybookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.log.WithField("playbook_id", binding.PlaybookID).Warn("trigger engine: binding references missing playbook")
			return nil
		}
		return err
	}
	if !playbook.IsActive {
		return nil
	}

	job := domain.Job{
		PlaybookID:     playbook.ID,
		OrganizationID: event.OrganizationID,
		Event:          event,
		Priority:       binding.Priority,
		MaxAttempts:    3,
		NextAttemptAt:  time.Now().UTC(),
	}
	if _, err := e.jobs.Enqueue(ctx, job); err != nil {
		return err
	}
	metrics.RecordJobEnqueued("playbook")
	return nil
}
