// Package queue provides the in-process priority queue that defers background
// job execution. Lower priority numbers dequeue sooner; equal priorities are
// FIFO by enqueue order. All operations share a single mutex so a Dequeue can
// never observe an entry that was concurrently removed.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quillworks/quill-jobs/internal/domain/model"
)

// Index is an optional durable mirror of live queue entries. Failures against
// the index are logged and never fail the in-memory operation; losing a mirror
// entry is a leak risk, not a correctness risk.
type Index interface {
	Save(ctx context.Context, entry model.QueueEntry) error
	Remove(ctx context.Context, queueJobID string) error
	RemoveBySession(ctx context.Context, sessionID string) (int, error)
	Restore(ctx context.Context) ([]model.QueueEntry, error)
}

// Options groups dependencies for PriorityQueue.
type Options struct {
	Logger *slog.Logger // Optional: structured logger
	Index  Index        // Optional: durable mirror of live entries
	Now    func() time.Time
}

// PriorityQueue is an in-memory priority queue of not-yet-started work items,
// keyed by queue-job id and grouped by session. Safe for concurrent use.
type PriorityQueue struct {
	mu        sync.Mutex
	items     itemHeap
	byID      map[string]*item
	bySession map[string]map[string]struct{}
	seq       uint64

	// signal wakes at most one blocked Dequeue per send; a waker that pops an
	// entry re-signals while more work remains so coalesced sends cannot
	// strand other waiters.
	signal chan struct{}

	logger *slog.Logger
	index  Index
	now    func() time.Time
}

type item struct {
	entry   model.QueueEntry
	seq     uint64
	heapIdx int
}

// New constructs a PriorityQueue.
func New(opts Options) *PriorityQueue {
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "priority_queue")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PriorityQueue{
		byID:      make(map[string]*item),
		bySession: make(map[string]map[string]struct{}),
		signal:    make(chan struct{}, 1),
		logger:    logger,
		index:     opts.Index,
		now:       now,
	}
}

// EnqueueParams groups parameters for Enqueue.
type EnqueueParams struct {
	JobType         model.TaskType
	Payload         json.RawMessage
	Priority        *int // nil means the neutral mid-rank
	SessionID       string
	BackgroundJobID string
}

// Enqueue inserts a new entry and returns its queue-job id.
func (q *PriorityQueue) Enqueue(ctx context.Context, params EnqueueParams) string {
	priority := model.PriorityDefault
	if params.Priority != nil {
		priority = model.ClampPriority(*params.Priority)
	}

	entry := model.QueueEntry{
		QueueJobID:      uuid.NewString(),
		JobType:         params.JobType,
		Payload:         params.Payload,
		Priority:        priority,
		SessionID:       params.SessionID,
		BackgroundJobID: params.BackgroundJobID,
		EnqueuedAt:      q.now().UTC(),
	}

	// Mirror before publishing: once the entry is visible a concurrent pop may
	// issue its mirror removal, and a save landing after that removal would
	// orphan the mirror entry until the next restore cycle.
	q.mirrorSave(ctx, entry)

	q.mu.Lock()
	q.push(entry)
	q.mu.Unlock()

	q.wake()

	return entry.QueueJobID
}

// Restore reloads mirrored entries from the durable index, skipping ids that
// are already queued. Returns the number of entries restored.
func (q *PriorityQueue) Restore(ctx context.Context) (int, error) {
	if q.index == nil {
		return 0, nil
	}

	entries, err := q.index.Restore(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	q.mu.Lock()
	for _, entry := range entries {
		if _, exists := q.byID[entry.QueueJobID]; exists {
			continue
		}
		q.push(entry)
		restored++
	}
	q.mu.Unlock()

	if restored > 0 {
		q.wake()
	}
	return restored, nil
}

// Remove removes an entry if present and reports whether something was
// removed. Removing twice is safe and returns false the second time.
func (q *PriorityQueue) Remove(ctx context.Context, queueJobID string) bool {
	q.mu.Lock()
	it, ok := q.byID[queueJobID]
	if ok {
		q.drop(it)
	}
	q.mu.Unlock()

	if ok {
		q.mirrorRemove(ctx, queueJobID)
	}
	return ok
}

// RemoveBySession removes every entry for a session and returns the count
// removed. An error against the durable mirror never prevents attempting the
// rest of the removals.
func (q *PriorityQueue) RemoveBySession(ctx context.Context, sessionID string) int {
	q.mu.Lock()
	ids := q.bySession[sessionID]
	removed := make([]string, 0, len(ids))
	for id := range ids {
		if it, ok := q.byID[id]; ok {
			q.drop(it)
			removed = append(removed, id)
		}
	}
	q.mu.Unlock()

	for _, id := range removed {
		q.mirrorRemove(ctx, id)
	}
	if q.index != nil {
		if _, err := q.index.RemoveBySession(ctx, sessionID); err != nil && q.logger != nil {
			q.logger.WarnContext(ctx, "queue index session removal failed",
				"session_id", sessionID,
				"error", err,
			)
		}
	}
	return len(removed)
}

// Dequeue blocks until an entry is available or the context is done, then pops
// the highest-priority, earliest-enqueued entry.
func (q *PriorityQueue) Dequeue(ctx context.Context) (*model.QueueEntry, error) {
	for {
		if entry, ok := q.tryPop(ctx); ok {
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// TryDequeue pops the next entry without blocking.
// Returns model.ErrNoEntriesAvailable when the queue is empty.
func (q *PriorityQueue) TryDequeue(ctx context.Context) (*model.QueueEntry, error) {
	if entry, ok := q.tryPop(ctx); ok {
		return entry, nil
	}
	return nil, model.ErrNoEntriesAvailable
}

// Len returns the number of queued entries.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// SessionLen returns the number of queued entries for one session.
func (q *PriorityQueue) SessionLen(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bySession[sessionID])
}

func (q *PriorityQueue) tryPop(ctx context.Context) (*model.QueueEntry, bool) {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return nil, false
	}
	it := heap.Pop(&q.items).(*item)
	q.forget(it.entry)
	more := q.items.Len() > 0
	q.mu.Unlock()

	q.mirrorRemove(ctx, it.entry.QueueJobID)
	if more {
		q.wake()
	}
	entry := it.entry
	return &entry, true
}

// push and drop require q.mu held.
func (q *PriorityQueue) push(entry model.QueueEntry) {
	q.seq++
	it := &item{entry: entry, seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[entry.QueueJobID] = it
	if q.bySession[entry.SessionID] == nil {
		q.bySession[entry.SessionID] = make(map[string]struct{})
	}
	q.bySession[entry.SessionID][entry.QueueJobID] = struct{}{}
}

func (q *PriorityQueue) drop(it *item) {
	heap.Remove(&q.items, it.heapIdx)
	q.forget(it.entry)
}

func (q *PriorityQueue) forget(entry model.QueueEntry) {
	delete(q.byID, entry.QueueJobID)
	if ids := q.bySession[entry.SessionID]; ids != nil {
		delete(ids, entry.QueueJobID)
		if len(ids) == 0 {
			delete(q.bySession, entry.SessionID)
		}
	}
}

func (q *PriorityQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *PriorityQueue) mirrorSave(ctx context.Context, entry model.QueueEntry) {
	if q.index == nil {
		return
	}
	if err := q.index.Save(ctx, entry); err != nil && q.logger != nil {
		q.logger.WarnContext(ctx, "queue index save failed",
			"queue_job_id", entry.QueueJobID,
			"error", err,
		)
	}
}

func (q *PriorityQueue) mirrorRemove(ctx context.Context, queueJobID string) {
	if q.index == nil {
		return
	}
	if err := q.index.Remove(ctx, queueJobID); err != nil && q.logger != nil {
		q.logger.WarnContext(ctx, "queue index removal failed",
			"queue_job_id", queueJobID,
			"error", err,
		)
	}
}

// itemHeap orders by priority ascending, then enqueue sequence ascending.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].entry.Priority != h[j].entry.Priority {
		return h[i].entry.Priority < h[j].entry.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
