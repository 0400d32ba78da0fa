package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// taskSlot holds one task's exclusive section and its last committed snapshot.
type taskSlot struct {
	mu   sync.Mutex
	snap atomic.Pointer[TaskRecord]
}

// MemoryTaskStore is the default in-memory TaskStore.
// Data lives for the process lifetime only.
type MemoryTaskStore struct {
	slots  sync.Map // key -> *taskSlot
	closed atomic.Bool
	now    func() time.Time
}

// NewMemoryTaskStore creates a new in-memory task store
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{now: time.Now}
}

// Close closes the store
func (s *MemoryTaskStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryTaskStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// Get returns the last committed snapshot without taking the task lock.
func (s *MemoryTaskStore) Get(ctx context.Context, agentID, taskID string) (*TaskRecord, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	v, ok := s.slots.Load(taskKey(agentID, taskID))
	if !ok {
		return nil, ErrNotFound
	}
	rec := v.(*taskSlot).snap.Load()
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update runs fn under the task's slot mutex.
func (s *MemoryTaskStore) Update(ctx context.Context, agentID, taskID string, fn UpdateFunc) (*TaskRecord, error) {
	if err := validateKey(agentID, taskID); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, _ := s.slots.LoadOrStore(taskKey(agentID, taskID), &taskSlot{})
	slot := v.(*taskSlot)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	cur := slot.snap.Load()
	next, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur.Clone(), nil
	}
	next = next.Clone()
	if err := commitRecord(cur, next, agentID, taskID, s.now()); err != nil {
		return nil, err
	}
	slot.snap.Store(next)
	return next.Clone(), nil
}

// List retrieves tasks matching the filter criteria
func (s *MemoryTaskStore) List(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	result := make([]*TaskRecord, 0)
	s.slots.Range(func(_, v any) bool {
		rec := v.(*taskSlot).snap.Load()
		if rec != nil && filter.matches(rec) {
			result = append(result, rec.Clone())
		}
		return true
	})
	return filter.apply(result), nil
}
