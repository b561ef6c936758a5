package device

import (
	"sync"
)

// reclaimQueue defers node destruction to dedicated workers. push never
// blocks, so the last Put may come from any context.
type reclaimQueue struct {
	mu      sync.Mutex
	items   []*Node
	signal  chan struct{}
	quit    chan struct{}
	running bool
	stopped bool
	wg      sync.WaitGroup

	destroy func(*Node)
}

func newReclaimQueue(destroy func(*Node)) *reclaimQueue {
	return &reclaimQueue{
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		destroy: destroy,
	}
}

func (q *reclaimQueue) start(workers int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.stopped {
		return
	}
	q.running = true
	for range workers {
		q.wg.Add(1)
		go q.work()
	}
}

func (q *reclaimQueue) push(n *Node) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.destroy(n)
		return
	}
	q.items = append(q.items, n)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *reclaimQueue) pop() (*Node, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	n := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Wake another worker for the remainder.
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return n, true
}

func (q *reclaimQueue) drain() {
	for {
		n, ok := q.pop()
		if !ok {
			return
		}
		q.destroy(n)
	}
}

func (q *reclaimQueue) work() {
	defer q.wg.Done()
	for {
		select {
		case <-q.signal:
			q.drain()
		case <-q.quit:
			q.drain()
			return
		}
	}
}

// stop drains the queue and waits for the workers to exit. Later pushes
// destroy inline.
func (q *reclaimQueue) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
	q.drain()
}

func (q *reclaimQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// destroy frees the node's slot and every resource still attributed to it.
// It runs exactly once per node, on a reclaim worker.
func (m *Manager) destroy(n *Node) {
	if !n.destroyed.CompareAndSwap(false, true) {
		m.logger.Error("node destroyed twice", "node", n.handle.String())
		return
	}
	if leaked := m.ledger.releaseAll(n, true); leaked > 0 {
		m.logger.Warn("released ranges at destruction", "node", n.handle.String(), "ranges", leaked)
	}
	m.arena.release(n.handle)
	m.removed.Add(-1)
	m.destroyed.Add(1)
	m.emit(newEvent(EventDestroyed, n))
}
