package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill-jobs/internal/domain/model"
)

func intPtr(v int) *int { return &v }

func enqueueN(t *testing.T, q *PriorityQueue, session string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := q.Enqueue(context.Background(), EnqueueParams{
			JobType:         model.TaskTypeTextImprovement,
			Payload:         json.RawMessage(`{}`),
			SessionID:       session,
			BackgroundJobID: fmt.Sprintf("job-%s-%d", session, i),
		})
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}
	return ids
}

func TestPriorityQueue_OrderingAndFIFOTieBreak(t *testing.T) {
	q := New(Options{})
	ctx := context.Background()

	q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "low", Priority: intPtr(90)})
	q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "mid-first"})
	q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "mid-second"})
	q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "urgent", Priority: intPtr(0)})

	var got []string
	for q.Len() > 0 {
		entry, err := q.TryDequeue(ctx)
		require.NoError(t, err)
		got = append(got, entry.BackgroundJobID)
	}
	assert.Equal(t, []string{"urgent", "mid-first", "mid-second", "low"}, got)
}

func TestPriorityQueue_DefaultPriorityIsMidRank(t *testing.T) {
	q := New(Options{})
	q.Enqueue(context.Background(), EnqueueParams{SessionID: "s", BackgroundJobID: "j"})
	entry, err := q.TryDequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.PriorityDefault, entry.Priority)
}

func TestPriorityQueue_RemoveIsIdempotent(t *testing.T) {
	q := New(Options{})
	ctx := context.Background()
	id := q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "j"})

	assert.True(t, q.Remove(ctx, id))
	assert.False(t, q.Remove(ctx, id))
	assert.False(t, q.Remove(ctx, "never-existed"))
	assert.Equal(t, 0, q.Len())
}

func TestPriorityQueue_RemovedEntryNeverDequeued(t *testing.T) {
	q := New(Options{})
	ctx := context.Background()
	removed := q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "victim", Priority: intPtr(0)})
	q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "survivor"})

	require.True(t, q.Remove(ctx, removed))

	entry, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "survivor", entry.BackgroundJobID)

	_, err = q.TryDequeue(ctx)
	assert.ErrorIs(t, err, model.ErrNoEntriesAvailable)
}

func TestPriorityQueue_RemoveBySession(t *testing.T) {
	q := New(Options{})
	ctx := context.Background()

	enqueueN(t, q, "s1", 5)
	enqueueN(t, q, "s2", 3)

	count := q.RemoveBySession(ctx, "s1")
	assert.Equal(t, 5, count)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 0, q.SessionLen("s1"))
	assert.Equal(t, 3, q.SessionLen("s2"))

	// every survivor belongs to s2
	for q.Len() > 0 {
		entry, err := q.TryDequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "s2", entry.SessionID)
	}

	assert.Equal(t, 0, q.RemoveBySession(ctx, "s1"))
}

func TestPriorityQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *model.QueueEntry, 1)
	go func() {
		entry, err := q.Dequeue(ctx)
		if err == nil {
			got <- entry
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "late"})

	select {
	case entry := <-got:
		assert.Equal(t, "late", entry.BackgroundJobID)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestPriorityQueue_DequeueHonorsContext(t *testing.T) {
	q := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPriorityQueue_ConcurrentDequeueDeliversEachEntryOnce(t *testing.T) {
	q := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const total = 200
	const workers = 8

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				done := len(seen) == total
				mu.Unlock()
				if done {
					return
				}
				entry, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[entry.BackgroundJobID]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < total; i++ {
		q.Enqueue(ctx, EnqueueParams{
			SessionID:       "s",
			BackgroundJobID: fmt.Sprintf("job-%d", i),
			Priority:        intPtr(i % 10),
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 4*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	for id, count := range seen {
		assert.Equal(t, 1, count, "entry %s delivered more than once", id)
	}
}

// stubIndex records durable-mirror calls and can be forced to fail.
type stubIndex struct {
	mu     sync.Mutex
	saved  map[string]model.QueueEntry
	fail   bool
	onSave func(model.QueueEntry)
}

func newStubIndex() *stubIndex {
	return &stubIndex{saved: make(map[string]model.QueueEntry)}
}

func (s *stubIndex) Save(_ context.Context, entry model.QueueEntry) error {
	if s.onSave != nil {
		s.onSave(entry)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("index unavailable")
	}
	s.saved[entry.QueueJobID] = entry
	return nil
}

func (s *stubIndex) Remove(_ context.Context, queueJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("index unavailable")
	}
	delete(s.saved, queueJobID)
	return nil
}

func (s *stubIndex) RemoveBySession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("index unavailable")
	}
	count := 0
	for id, entry := range s.saved {
		if entry.SessionID == sessionID {
			delete(s.saved, id)
			count++
		}
	}
	return count, nil
}

func (s *stubIndex) Restore(_ context.Context) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("index unavailable")
	}
	entries := make([]model.QueueEntry, 0, len(s.saved))
	for _, entry := range s.saved {
		entries = append(entries, entry)
	}
	return entries, nil
}

func TestPriorityQueue_IndexMirroring(t *testing.T) {
	idx := newStubIndex()
	q := New(Options{Index: idx})
	ctx := context.Background()

	id := q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "j"})
	idx.mu.Lock()
	_, mirrored := idx.saved[id]
	idx.mu.Unlock()
	assert.True(t, mirrored)

	_, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	idx.mu.Lock()
	assert.Empty(t, idx.saved)
	idx.mu.Unlock()
}

func TestPriorityQueue_MirrorSavePrecedesPublish(t *testing.T) {
	idx := newStubIndex()
	q := New(Options{Index: idx})
	ctx := context.Background()

	// While the mirror save is in flight the entry must not be dequeueable,
	// otherwise a consumer's mirror removal could land before the save and
	// leave an orphan for Restore to resurrect.
	idx.onSave = func(model.QueueEntry) {
		_, err := q.TryDequeue(ctx)
		assert.ErrorIs(t, err, model.ErrNoEntriesAvailable)
	}

	id := q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "j"})

	idx.onSave = nil
	entry, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, entry.QueueJobID)
	idx.mu.Lock()
	assert.Empty(t, idx.saved)
	idx.mu.Unlock()
}

func TestPriorityQueue_IndexFailureIsNonFatal(t *testing.T) {
	idx := newStubIndex()
	idx.fail = true
	q := New(Options{Index: idx})
	ctx := context.Background()

	id := q.Enqueue(ctx, EnqueueParams{SessionID: "s", BackgroundJobID: "j"})
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Remove(ctx, id))

	enqueueN(t, q, "s", 3)
	assert.Equal(t, 3, q.RemoveBySession(ctx, "s"))
}

func TestPriorityQueue_Restore(t *testing.T) {
	idx := newStubIndex()
	ctx := context.Background()

	first := New(Options{Index: idx})
	enqueueN(t, first, "s1", 4)

	// a second queue sharing the index picks up the mirrored entries
	second := New(Options{Index: idx})
	restored, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, restored)
	assert.Equal(t, 4, second.Len())

	// restoring again is a no-op for already-queued ids
	restored, err = second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
}
