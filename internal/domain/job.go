package domain

import "time"

// JobStatus is the queue-level lifecycle of a playbook job, distinct from
// ExecutionStatus: a job can be "failed at the queue level" only when the
// executor propagates an uncaught failure.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
	JobCancelled  JobStatus = "cancelled"
)

// Job is a durable unit of work enqueued by the trigger engine and consumed
// by the executor worker pool.
type Job struct {
	ID             int64                  `json:"id"`
	PlaybookID     int64                  `json:"playbookId"`
	OrganizationID int64                  `json:"organizationId"`
	UserID         *int64                 `json:"userId,omitempty"`
	Event          Event                  `json:"event"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Priority       int                    `json:"priority"`
	Status         JobStatus              `json:"status"`
	Attempts       int                    `json:"attempts"`
	MaxAttempts    int                    `json:"maxAttempts"`
	LastError      string                 `json:"lastError,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	NextAttemptAt  time.Time              `json:"nextAttemptAt"`
	CancelRequested bool                  `json:"cancelRequested,omitempty"`
}
