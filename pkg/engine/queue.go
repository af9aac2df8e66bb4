package engine

import (
	"sync"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// workQueue is a FIFO of work items safe for concurrent producers and consumers.
type workQueue struct {
	mu    sync.Mutex
	items []domain.WorkItem
	head  int
}

func (q *workQueue) push(item domain.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *workQueue) pop() (domain.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return domain.WorkItem{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = domain.WorkItem{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return item, true
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
