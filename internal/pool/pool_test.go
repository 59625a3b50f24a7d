package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill-jobs/internal/domain/model"
)

func track(p *RequestPool, id, session string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	p.Track(TrackParams{
		RequestID:   id,
		SessionID:   session,
		RequestType: model.TaskTypeTextImprovement,
		Cancel:      cancel,
	})
	return ctx
}

func TestRequestPool_CancelReturnsAccurateBooleans(t *testing.T) {
	p := New(Options{})

	ctx := track(p, "r1", "s1")
	require.True(t, p.Contains("r1"))

	assert.True(t, p.Cancel("r1"))
	assert.Error(t, ctx.Err(), "cancel must signal the request context")
	assert.False(t, p.Contains("r1"))

	// second cancel: not tracked anymore
	assert.False(t, p.Cancel("r1"))
	assert.False(t, p.Cancel("never-tracked"))
}

func TestRequestPool_UntrackIsIdempotentAndDoesNotCancel(t *testing.T) {
	p := New(Options{})
	ctx := track(p, "r1", "s1")

	p.Untrack("r1")
	p.Untrack("r1")

	assert.NoError(t, ctx.Err(), "untrack must not signal cancellation")
	assert.False(t, p.Contains("r1"))
}

func TestRequestPool_DuplicateTrackKeepsOriginal(t *testing.T) {
	p := New(Options{})
	first := track(p, "r1", "s1")

	secondCtx, secondCancel := context.WithCancel(context.Background())
	defer secondCancel()
	p.Track(TrackParams{RequestID: "r1", SessionID: "s2", Cancel: secondCancel})

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.BySession["s1"])
	assert.Zero(t, stats.BySession["s2"])

	require.True(t, p.Cancel("r1"))
	assert.Error(t, first.Err())
	assert.NoError(t, secondCtx.Err())
}

func TestRequestPool_CancelSession(t *testing.T) {
	p := New(Options{})

	ctxs := make([]context.Context, 0, 3)
	for i := 0; i < 3; i++ {
		ctxs = append(ctxs, track(p, fmt.Sprintf("s1-r%d", i), "s1"))
	}
	other := track(p, "s2-r0", "s2")

	count := p.CancelSession("s1")
	assert.Equal(t, 3, count)
	for _, ctx := range ctxs {
		assert.Error(t, ctx.Err())
	}
	assert.NoError(t, other.Err())
	assert.True(t, p.Contains("s2-r0"))

	assert.Equal(t, 0, p.CancelSession("s1"))
}

func TestRequestPool_Stats(t *testing.T) {
	p := New(Options{})
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Track(TrackParams{RequestID: "a", SessionID: "s1", RequestType: model.TaskTypePlanGeneration, Cancel: cancel})
	p.Track(TrackParams{RequestID: "b", SessionID: "s1", RequestType: model.TaskTypeRegexSynthesis, Cancel: cancel})
	p.Track(TrackParams{RequestID: "c", SessionID: "s2", RequestType: model.TaskTypeRegexSynthesis, Cancel: cancel})

	stats := p.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.BySession["s1"])
	assert.Equal(t, 1, stats.BySession["s2"])
	assert.Equal(t, 2, stats.ByType[model.TaskTypeRegexSynthesis])
	assert.Equal(t, 1, stats.ByType[model.TaskTypePlanGeneration])

	// snapshot must not mutate state
	assert.True(t, p.Contains("a"))
	assert.Equal(t, 3, p.Stats().Total)
}

func TestRequestPool_ConcurrentTrackAndCancel(t *testing.T) {
	p := New(Options{})

	const n = 200
	var wg sync.WaitGroup
	canceled := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(2)
		id := fmt.Sprintf("r%d", i)
		go func() {
			defer wg.Done()
			track(p, id, "s")
		}()
		go func(i int) {
			defer wg.Done()
			canceled[i] = p.Cancel(id)
		}(i)
	}
	wg.Wait()

	// Whatever the interleaving, after both goroutines finish the id is
	// either canceled (cancel saw it) or still tracked (cancel ran first).
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%d", i)
		if canceled[i] {
			assert.False(t, p.Contains(id))
		} else {
			assert.True(t, p.Contains(id))
		}
	}
}
