package memory

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
)

var _ ports.Queue = (*Queue)(nil)

type refHeap []domain.TaskRef

func (h refHeap) Len() int           { return len(h) }
func (h refHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h refHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *refHeap) Push(x any)        { *h = append(*h, x.(domain.TaskRef)) }
func (h *refHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Queue is a process-local priority queue with one heap per affinity partition.
type Queue struct {
	mu         sync.Mutex
	partitions map[string]*refHeap
}

func NewQueue() *Queue {
	return &Queue{partitions: make(map[string]*refHeap)}
}

func (q *Queue) Enqueue(_ context.Context, ref domain.TaskRef) error {
	if ref.Affinity == "" {
		ref.Affinity = domain.AffinityAny
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.partitions[ref.Affinity]
	if !ok {
		h = &refHeap{}
		q.partitions[ref.Affinity] = h
	}
	heap.Push(h, ref)
	return nil
}

func (q *Queue) Claim(_ context.Context, tags []string) (*domain.TaskRef, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *refHeap
	for _, p := range domain.Partitions(tags) {
		h, ok := q.partitions[p]
		if !ok || h.Len() == 0 {
			continue
		}
		if best == nil || (*h)[0].Less((*best)[0]) {
			best = h
		}
	}
	if best == nil {
		return nil, nil
	}
	ref := heap.Pop(best).(domain.TaskRef)
	return &ref, nil
}

func (q *Queue) Requeue(ctx context.Context, ref domain.TaskRef) error {
	return q.Enqueue(ctx, ref)
}

func (q *Queue) Contains(_ context.Context, ref domain.TaskRef) (bool, error) {
	if ref.Affinity == "" {
		ref.Affinity = domain.AffinityAny
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.partitions[ref.Affinity]
	if !ok {
		return false, nil
	}
	return slices.Contains(*h, ref), nil
}

func (q *Queue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, h := range q.partitions {
		n += int64(h.Len())
	}
	return n, nil
}
