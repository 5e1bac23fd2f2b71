// Package queue implements the job queue worker pool: a fixed number of
// goroutines that Claim jobs from a store.JobStore, run them through the
// playbook executor, and report Complete/Fail/DeadLetter back to the store.
// It follows a runbook-runner "claim, run, finish" shape, generalized from
// a single in-process invocation to a polling pool.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	serrors "github.com/r3e-network/soar-core/infrastructure/errors"
	"github.com/r3e-network/soar-core/infrastructure/resilience"
	"github.com/r3e-network/soar-core/internal/actions"
	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/executor"
	"github.com/r3e-network/soar-core/internal/store"
	"github.com/r3e-network/soar-core/pkg/logger"
	"github.com/r3e-network/soar-core/pkg/metrics"
	"github.com/r3e-network/soar-core/pkg/pgnotify"
)

// Config controls worker pool sizing and polling behavior.
type Config struct {
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

// DefaultConfig matches the documented defaults: 2s initial job retry delay,
// 3 attempts before dead-lettering.
func DefaultConfig() Config {
	return Config{
		Concurrency:  5,
		BatchSize:    10,
		PollInterval: 500 * time.Millisecond,
		MaxAttempts:  3,
	}
}

// PlaybookLoader resolves the playbook a job targets; a thin seam over
// store.PlaybookStore.GetPlaybook so tests can substitute a fake.
type PlaybookLoader interface {
	GetPlaybook(ctx context.Context, id int64) (domain.Playbook, error)
}

// Pool runs Claim/execute/Complete-or-Fail loops across Config.Concurrency
// workers.
type Pool struct {
	jobs      store.JobStore
	playbooks PlaybookLoader
	exec      *executor.Executor
	registry  *actions.Registry
	log       *logger.Logger
	cfg       Config
	notifier  *pgnotify.Bus
}

// SetNotifier wires a pgnotify.Bus so each worker also wakes as soon as any
// process enqueues a job, instead of only at the next poll tick.
func (p *Pool) SetNotifier(b *pgnotify.Bus) {
	p.notifier = b
}

// New returns a Pool. log may be nil.
func New(jobs store.JobStore, playbooks PlaybookLoader, exec *executor.Executor, registry *actions.Registry, log *logger.Logger, cfg Config) *Pool {
	if log == nil {
		log = logger.NewDefault("queue")
	}
	d := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	return &Pool{jobs: jobs, playbooks: playbooks, exec: exec, registry: registry, log: log, cfg: cfg}
}

// Run blocks, driving Config.Concurrency workers until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if p.notifier != nil {
		w, err := p.notifier.Wake(pgnotify.ChannelJobs)
		if err != nil {
			p.log.WithError(err).Warn("queue: wake-up subscribe failed, falling back to poll interval only")
		} else {
			wake = w
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce(ctx, workerID)
		case <-wake:
			p.drainOnce(ctx, workerID)
		}
	}
}

func (p *Pool) drainOnce(ctx context.Context, workerID string) {
	jobs, err := p.jobs.Claim(ctx, workerID, p.cfg.BatchSize)
	if err != nil {
		p.log.WithError(err).Error("queue: claim failed")
		return
	}
	if depth, err := p.jobs.Depth(ctx); err == nil {
		metrics.SetJobQueueDepth("playbook", depth)
	}
	for _, job := range jobs {
		p.runJob(ctx, job)
	}
}

func (p *Pool) runJob(ctx context.Context, job domain.Job) {
	playbook, err := p.playbooks.GetPlaybook(ctx, job.PlaybookID)
	if err != nil {
		p.failOrDeadLetter(ctx, job, serrors.StoreError(fmt.Sprintf("load playbook %d", job.PlaybookID), err))
		return
	}
	if !playbook.IsActive {
		// The playbook was deactivated after the job was enqueued; drop it
		// without retrying.
		if completeErr := p.jobs.Complete(ctx, job.ID); completeErr != nil {
			p.log.WithError(completeErr).WithField("job_id", job.ID).Error("queue: failed to complete skipped job")
		}
		return
	}

	cancelCheck := func() bool {
		cancelled, err := p.jobs.IsCancelRequested(ctx, job.ID)
		return err == nil && cancelled
	}

	_, runErr := p.exec.Run(ctx, executor.RunParams{
		Playbook:    playbook,
		Job:         job,
		Registry:    p.registry,
		CancelCheck: cancelCheck,
	})

	if runErr != nil {
		p.failOrDeadLetter(ctx, job, runErr)
		return
	}
	metrics.RecordJobCompleted("playbook", "succeeded")
	if err := p.jobs.Complete(ctx, job.ID); err != nil {
		p.log.WithError(err).WithField("job_id", job.ID).Error("queue: failed to mark job complete")
	}
}

// failOrDeadLetter dead-letters a job once it exhausts its retry budget, or
// immediately when cause is classified as non-retryable (a validation or
// permission failure that another attempt cannot fix).
func (p *Pool) failOrDeadLetter(ctx context.Context, job domain.Job, cause error) {
	permanent := !serrors.IsRetryable(cause)
	if svcErr := serrors.GetServiceError(cause); svcErr != nil &&
		(svcErr.Code == serrors.ErrCodeActionFailed || svcErr.Code == serrors.ErrCodeBusinessFailure) {
		// A step business failure that escaped the step loop spends the
		// job's own retry budget.
		permanent = false
	}
	if job.Attempts >= p.cfg.MaxAttempts || permanent {
		metrics.RecordJobCompleted("playbook", "dead_letter")
		dead := serrors.DeadLetter(fmt.Sprintf("%d", job.ID), cause)
		if err := p.jobs.DeadLetter(ctx, job.ID, dead.Error()); err != nil {
			p.log.WithError(err).WithField("job_id", job.ID).Error("queue: failed to dead-letter job")
		}
		return
	}
	metrics.RecordJobCompleted("playbook", "retry")
	nextAttempt := time.Now().UTC().Add(backoffFor(job.Attempts))
	if err := p.jobs.Fail(ctx, job.ID, cause.Error(), nextAttempt); err != nil {
		p.log.WithError(err).WithField("job_id", job.ID).Error("queue: failed to requeue job")
	}
}

// jobRetryConfig computes the job-level retry delay: 2s initial, doubling,
// capped at 30s.
var jobRetryConfig = resilience.RetryConfig{
	InitialDelay: 2 * time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
}

func backoffFor(attempts int) time.Duration {
	return resilience.DelayForAttempt(attempts-1, jobRetryConfig)
}
