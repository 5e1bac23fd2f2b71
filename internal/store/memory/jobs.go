package memory

import (
	"context"
	"sort"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
)

// --- JobStore ---

func (s *Store) Enqueue(_ context.Context, job domain.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	job.ID = s.nextJobID
	job.Status = domain.JobQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

func (s *Store) Claim(_ context.Context, _ string, n int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []domain.Job
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.Status == domain.JobQueued && !j.NextAttemptAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}

	claimed := make([]domain.Job, 0, len(candidates))
	for _, j := range candidates {
		j.Status = domain.JobRunning
		j.Attempts++
		s.jobs[j.ID] = j
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *Store) Complete(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return errJobNotFound
	}
	j.Status = domain.JobSucceeded
	s.jobs[jobID] = j
	return nil
}

func (s *Store) Fail(_ context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return errJobNotFound
	}
	j.Status = domain.JobQueued
	j.LastError = errMsg
	j.NextAttemptAt = nextAttemptAt
	s.jobs[jobID] = j
	return nil
}

func (s *Store) DeadLetter(_ context.Context, jobID int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return errJobNotFound
	}
	j.Status = domain.JobDeadLetter
	j.LastError = errMsg
	s.jobs[jobID] = j
	s.deadLetters = append(s.deadLetters, j)
	return nil
}

func (s *Store) RequestCancel(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return errJobNotFound
	}
	j.CancelRequested = true
	s.jobs[jobID] = j
	return nil
}

func (s *Store) IsCancelRequested(_ context.Context, jobID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, errJobNotFound
	}
	return j.CancelRequested, nil
}

func (s *Store) Depth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	for _, j := range s.jobs {
		if j.Status == domain.JobQueued || j.Status == domain.JobRunning {
			depth++
		}
	}
	return depth, nil
}

func (s *Store) ListDeadLetters(_ context.Context, organizationID int64, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.deadLetters {
		if j.OrganizationID == organizationID {
			out = append(out, j)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

var errJobNotFound = jobNotFoundErr{}

type jobNotFoundErr struct{}

func (jobNotFoundErr) Error() string { return "memory store: job not found" }
