package memory

import (
	"context"
	"slices"
	"sync"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"time"
)

var _ ports.Ledger = (*Ledger)(nil)

// Ledger keeps task records in a map guarded by a single mutex, which makes
// every transition trivially atomic.
type Ledger struct {
	mu    sync.RWMutex
	seq   int64
	tasks map[string]*domain.Task
	Now   func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{tasks: make(map[string]*domain.Task), Now: time.Now}
}

func (l *Ledger) Create(_ context.Context, t domain.Task) (domain.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tasks[t.ID]; ok {
		return domain.Task{}, domain.ValidationError("task %s already exists", t.ID)
	}
	l.seq++
	now := l.Now()
	t.Seq = l.seq
	t.Status = domain.StatusPending
	t.Attempts = 0
	t.ClaimedBy, t.ClaimedAt = "", nil
	t.CreatedAt, t.UpdatedAt = now, now
	l.tasks[t.ID] = &t
	return clone(t), nil
}

func (l *Ledger) Transition(_ context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus, p domain.Patch) (domain.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	next := clone(*stored)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = l.Now()
	}
	if err := domain.ApplyTransition(&next, from, to, p); err != nil {
		return domain.Task{}, err
	}
	*stored = next
	return clone(next), nil
}

func (l *Ledger) Get(_ context.Context, id string) (domain.Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	return clone(*t), nil
}

func (l *Ledger) ClaimedBy(_ context.Context, nodeID string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, t := range l.tasks {
		if t.ClaimedBy == nodeID && t.Status.Holding() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (l *Ledger) ListByStatus(_ context.Context, s domain.TaskStatus) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, t := range l.tasks {
		if t.Status == s {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (l *Ledger) CountByStatus(_ context.Context) (map[domain.TaskStatus]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[domain.TaskStatus]int64, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[s] = 0
	}
	for _, t := range l.tasks {
		out[t.Status]++
	}
	return out, nil
}

func clone(t domain.Task) domain.Task {
	t.Payload = slices.Clone(t.Payload)
	t.Result = slices.Clone(t.Result)
	t.Errors = slices.Clone(t.Errors)
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		t.ClaimedAt = &at
	}
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	return t
}
