package broker

import (
	"context"
	"sync"
	"time"
)

// MemoryControlQueue implements ControlQueue in-process with the same
// contract as the AMQP implementation: per-execution queues bounded to a
// fixed length with drop-head overflow and idle expiry. Used by tests and
// by single-process deployments that run the bridge and compute unit in
// one binary.
type MemoryControlQueue struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	maxLen int
	ttl    time.Duration
}

type memQueue struct {
	pending   []Directive
	notify    chan struct{}
	consumers int
	expire    *time.Timer
}

// NewMemoryControlQueue creates an in-process control queue. maxLen bounds
// pending directives per execution (oldest dropped on overflow); idle
// queues with no consumer are deleted after ttl.
func NewMemoryControlQueue(maxLen int, ttl time.Duration) *MemoryControlQueue {
	if maxLen <= 0 {
		maxLen = 1
	}
	return &MemoryControlQueue{
		queues: make(map[string]*memQueue),
		maxLen: maxLen,
		ttl:    ttl,
	}
}

// Publish implements ControlQueue
func (m *MemoryControlQueue) Publish(_ context.Context, executionID string, d Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.ensure(executionID)
	q.pending = append(q.pending, d)
	if len(q.pending) > m.maxLen {
		// drop-head: a late directive supersedes whatever is still pending
		q.pending = q.pending[len(q.pending)-m.maxLen:]
	}
	m.touch(executionID, q)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Consume implements ControlQueue
func (m *MemoryControlQueue) Consume(ctx context.Context, executionID string) (<-chan Directive, error) {
	m.mu.Lock()
	q := m.ensure(executionID)
	q.consumers++
	if q.expire != nil {
		q.expire.Stop()
		q.expire = nil
	}
	m.mu.Unlock()

	out := make(chan Directive)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			q.consumers--
			if q.consumers == 0 {
				m.touch(executionID, q)
			}
			m.mu.Unlock()
		}()

		for {
			m.mu.Lock()
			var next *Directive
			if len(q.pending) > 0 {
				d := q.pending[0]
				q.pending = q.pending[1:]
				next = &d
			}
			m.mu.Unlock()

			if next != nil {
				select {
				case out <- *next:
					continue
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-q.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Pending returns a snapshot of the directives currently queued for an
// execution. Test/introspection helper.
func (m *MemoryControlQueue) Pending(executionID string) []Directive {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[executionID]
	if !ok {
		return nil
	}
	snapshot := make([]Directive, len(q.pending))
	copy(snapshot, q.pending)
	return snapshot
}

// ensure returns the queue for an execution, creating it if absent.
// Caller holds m.mu.
func (m *MemoryControlQueue) ensure(executionID string) *memQueue {
	q, ok := m.queues[executionID]
	if !ok {
		q = &memQueue{notify: make(chan struct{}, 1)}
		m.queues[executionID] = q
	}
	return q
}

// touch restarts the idle-expiry timer for a queue with no consumer.
// Caller holds m.mu.
func (m *MemoryControlQueue) touch(executionID string, q *memQueue) {
	if m.ttl <= 0 || q.consumers > 0 {
		return
	}
	if q.expire != nil {
		q.expire.Stop()
	}
	q.expire = time.AfterFunc(m.ttl, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if current, ok := m.queues[executionID]; ok && current == q && q.consumers == 0 {
			delete(m.queues, executionID)
		}
	})
}
