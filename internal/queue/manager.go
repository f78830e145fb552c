package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrManagerClosed is returned by Get after Close.
var ErrManagerClosed = errors.New("queue: manager closed")

// Opener builds the handle for a queue name. It is called at most once per
// name by a Manager.
//
// Typical implementation:
//
//	func(name string) (*queue.Queue, error) {
//	    st, err := backend.New(opts)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return queue.New(name, st, cfg, queue.WithLogger(log))
//	}
type Opener func(name string) (*Queue, error)

// Manager lazily opens one handle per queue name and keeps it for reuse.
// Each handle owns its own store session. All methods are safe for
// concurrent use; the handles serialize their own operations.
type Manager struct {
	open Opener

	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool
}

// NewManager returns an empty Manager.
func NewManager(open Opener) *Manager {
	return &Manager{
		open:   open,
		queues: make(map[string]*Queue),
	}
}

// Get returns the handle for name, opening it first if needed.
func (m *Manager) Get(name string) (*Queue, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	q, ok := m.queues[name]
	closed := m.closed
	m.mu.RUnlock()
	if ok {
		return q, nil
	}
	if closed {
		return nil, ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	// Double-check after acquiring the write lock.
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := m.open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "queue: open %s", name)
	}
	m.queues[name] = q
	return q, nil
}

// Names returns the open queue names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every handle. The first error is returned after all handles
// have been closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	queues := m.queues
	m.queues = make(map[string]*Queue)
	m.closed = true
	m.mu.Unlock()

	var first error
	for _, q := range queues {
		if err := q.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
