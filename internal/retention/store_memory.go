package retention

import (
	"container/heap"
	"context"
	"sync"
	"time"

	id "veil/pkg/domain"
)

// InMemoryStore keeps the due-time index in a min-heap keyed by DueAt. It
// mirrors the postgres store's claim semantics so the scheduler behaves
// identically against either.
type InMemoryStore struct {
	mu      sync.Mutex
	queue   taskHeap
	pending map[id.TaskID]*heapEntry
	claimed map[id.TaskID]Task
}

type heapEntry struct {
	task  Task
	index int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		pending: make(map[id.TaskID]*heapEntry),
		claimed: make(map[id.TaskID]Task),
	}
}

func (s *InMemoryStore) Schedule(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.Created.IsZero() {
		task.Created = time.Now()
	}
	entry := &heapEntry{task: task}
	s.pending[task.ID] = entry
	heap.Push(&s.queue, entry)
	return nil
}

func (s *InMemoryStore) Cancel(_ context.Context, taskID id.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[taskID]
	if !ok {
		return nil
	}
	heap.Remove(&s.queue, entry.index)
	delete(s.pending, taskID)
	return nil
}

func (s *InMemoryStore) CancelByCase(_ context.Context, caseID id.CaseID, kinds ...TaskKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kindSet := make(map[TaskKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	for taskID, entry := range s.pending {
		if entry.task.CaseID == caseID && (len(kinds) == 0 || kindSet[entry.task.Kind]) {
			heap.Remove(&s.queue, entry.index)
			delete(s.pending, taskID)
		}
	}
	return nil
}

func (s *InMemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for len(out) < limit && s.queue.Len() > 0 {
		top := s.queue[0]
		if top.task.DueAt.After(now) {
			break
		}
		heap.Pop(&s.queue)
		delete(s.pending, top.task.ID)
		s.claimed[top.task.ID] = top.task
		out = append(out, top.task)
	}
	return out, nil
}

func (s *InMemoryStore) Complete(_ context.Context, taskID id.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, taskID)
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, taskID id.TaskID, nextDue time.Time, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.claimed[taskID]
	if !ok {
		return nil
	}
	delete(s.claimed, taskID)
	task.DueAt = nextDue
	task.Attempts = attempts
	entry := &heapEntry{task: task}
	s.pending[task.ID] = entry
	heap.Push(&s.queue, entry)
	return nil
}

func (s *InMemoryStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

// taskHeap orders entries by DueAt, earliest first.
type taskHeap []*heapEntry

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].task.DueAt.Before(h[j].task.DueAt) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	entry := x.(*heapEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
