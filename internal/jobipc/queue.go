package jobipc

import (
	"container/heap"
	"context"
	"sync"

	"github.com/ChuLiYu/procpool/pkg/types"
)

// delivery is a received request together with the connection its response
// has to go back on.
type delivery struct {
	ret ReturnChannel
	req types.JobRequest
	seq uint64
}

type deliveryHeap []delivery

func (h deliveryHeap) Len() int { return len(h) }
func (h deliveryHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h deliveryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deliveryHeap) Push(x interface{}) { *h = append(*h, x.(delivery)) }
func (h *deliveryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}

// jobQueue is a bounded priority queue. push blocks while the queue is full,
// which stops the connection reader and pushes back on the submitter.
type jobQueue struct {
	mu     sync.Mutex
	items  deliveryHeap
	seq    uint64
	slots  chan struct{}
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newJobQueue(capacity int) *jobQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &jobQueue{
		slots:  make(chan struct{}, capacity),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *jobQueue) push(ctx context.Context, d delivery) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}

	q.mu.Lock()
	q.seq++
	d.seq = q.seq
	heap.Push(&q.items, d)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *jobQueue) pop(ctx context.Context) (delivery, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			d := heap.Pop(&q.items).(delivery)
			q.mu.Unlock()
			<-q.slots
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		case <-q.closed:
			return delivery{}, ErrClosed
		}
	}
}

func (q *jobQueue) close() {
	q.once.Do(func() { close(q.closed) })
}
