package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusClaimed      TaskStatus = "claimed"
	StatusRunning      TaskStatus = "running"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusDeadLettered TaskStatus = "dead_lettered"
)

// AffinityAny is the reserved partition every worker polls.
const AffinityAny = "any"

// Statuses lists every task status, in lifecycle order.
var Statuses = []TaskStatus{
	StatusPending, StatusClaimed, StatusRunning,
	StatusCompleted, StatusFailed, StatusDeadLettered,
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusClaimed},
	StatusClaimed: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
	StatusFailed:  {StatusPending, StatusDeadLettered},
}

// Terminal reports whether no transition may leave s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Holding reports whether a task in status s must have a claimant.
func (s TaskStatus) Holding() bool {
	return s == StatusClaimed || s == StatusRunning
}

// CanTransition reports whether from→to is an edge of the task lifecycle.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Affinity    string          `json:"affinity"`
	Seq         int64           `json:"seq"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	Errors      []TaskError     `json:"errors,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Ref returns the queue reference for t.
func (t Task) Ref() TaskRef {
	return TaskRef{ID: t.ID, Priority: t.Priority, Affinity: t.Affinity, Seq: t.Seq}
}

// TaskRef is what the queue stores: enough to order and route a task, never its payload.
type TaskRef struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Affinity string `json:"affinity"`
	Seq      int64  `json:"seq"`
}

// Less orders refs by priority, then by submission sequence.
func (r TaskRef) Less(o TaskRef) bool {
	if r.Priority != o.Priority {
		return r.Priority < o.Priority
	}
	return r.Seq < o.Seq
}

type ErrorKind string

const (
	ErrorRetryable          ErrorKind = "retryable"
	ErrorFatal              ErrorKind = "fatal"
	ErrorProvidersExhausted ErrorKind = "providers_exhausted"
	ErrorNodeUnreachable    ErrorKind = "node_unreachable"
	ErrorClaimTimeout       ErrorKind = "claim_timeout"
)

// Requeueable reports whether a task failed with this kind goes back to the queue.
func (k ErrorKind) Requeueable() bool {
	return k == ErrorRetryable || k == ErrorNodeUnreachable || k == ErrorClaimTimeout
}

// TaskError is one recorded failure of a task attempt.
type TaskError struct {
	Kind      ErrorKind         `json:"kind"`
	Message   string            `json:"message"`
	NodeID    string            `json:"node_id,omitempty"`
	Attempt   int               `json:"attempt"`
	Providers []ProviderFailure `json:"providers,omitempty"`
	At        time.Time         `json:"at"`
}

// ProviderFailure records a single failed provider call inside a fallback chain.
type ProviderFailure struct {
	Provider string        `json:"provider"`
	Error    string        `json:"error"`
	Timeout  bool          `json:"timeout"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Patch carries the field updates applied together with a status transition.
type Patch struct {
	// Owner, when set, must equal the stored claimant or the transition fails.
	Owner string

	ClaimedBy    string
	ClaimedAt    time.Time
	ClearClaim   bool
	Result       json.RawMessage
	Error        *TaskError
	IncrAttempts bool
	UpdatedAt    time.Time
}

// Outcome is what a worker reports after executing a task.
type Outcome struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *TaskError      `json:"error,omitempty"`
}

// Retryable reports whether a failed outcome should be requeued.
func (o Outcome) Retryable() bool {
	return !o.Success && o.Error != nil && o.Error.Kind == ErrorRetryable
}
