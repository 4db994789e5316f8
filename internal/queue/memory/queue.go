// Package memory provides an in-process URL feed with a delay store for retries.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO feed plus a release-time ordered delay heap. Due
// tasks move from the heap into the feed on each release sweep.
type Queue struct {
	ch    chan crawler.CrawlTask
	clock crawler.Clock

	mu      sync.Mutex
	delayed delayHeap
	seq     uint64
	closed  bool
}

// NewQueue constructs a queue whose feed holds up to capacity ready tasks.
func NewQueue(capacity int, clock crawler.Clock) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:    make(chan crawler.CrawlTask, capacity),
		clock: clock,
	}
}

// Push appends a ready task, blocking while the feed is full.
func (q *Queue) Push(ctx context.Context, task crawler.CrawlTask) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("push canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Next implements crawler.Feed. It never blocks.
func (q *Queue) Next(ctx context.Context) (crawler.CrawlTask, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.CrawlTask{}, false, fmt.Errorf("next canceled: %w", err)
	}
	select {
	case task := <-q.ch:
		return task, true, nil
	default:
		return crawler.CrawlTask{}, false, nil
	}
}

// Len returns the number of ready tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Pending returns the number of tasks waiting in the delay heap.
func (q *Queue) Pending(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayed.Len(), nil
}

// Add implements crawler.DelayStore.
func (q *Queue) Add(_ context.Context, task crawler.CrawlTask, releaseAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.delayed, delayedItem{task: task, releaseAt: releaseAt, seq: q.seq})
	return nil
}

// ReleaseDue moves every task whose release time is not after now into the
// feed, stopping early if the feed is full. It returns how many moved.
func (q *Queue) ReleaseDue(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var moved int
	for q.delayed.Len() > 0 {
		head := q.delayed[0]
		if head.releaseAt.After(now) {
			break
		}
		select {
		case q.ch <- head.task:
			heap.Pop(&q.delayed)
			moved++
		default:
			return moved
		}
	}
	return moved
}

// RunReleaser sweeps due tasks every interval until ctx is done.
func (q *Queue) RunReleaser(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ReleaseDue(q.clock.Now())
		}
	}
}

// Close rejects further pushes and delayed adds. Ready tasks can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

type delayedItem struct {
	task      crawler.CrawlTask
	releaseAt time.Time
	seq       uint64
}

type delayHeap []delayedItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].releaseAt.Equal(h[j].releaseAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].releaseAt.Before(h[j].releaseAt)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(delayedItem)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
