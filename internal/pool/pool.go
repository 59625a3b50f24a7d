// Package pool tracks in-flight provider requests so callers can cancel them
// by request id or by session. A tracked entry is the only authoritative
// signal that a request is in flight and cancellable here rather than still
// waiting in the queue.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quillworks/quill-jobs/internal/domain/model"
)

// Options groups dependencies for RequestPool.
type Options struct {
	Logger *slog.Logger // Optional: structured logger
	Now    func() time.Time
}

// RequestPool is an in-memory registry of currently-executing provider calls,
// keyed by request id and grouped by session. One mutex guards all state so a
// Track racing a Cancel for the same id resolves deterministically: the cancel
// either sees the entry and cancels it, or returns not-found.
type RequestPool struct {
	mu        sync.Mutex
	entries   map[string]*tracked
	bySession map[string]map[string]struct{}

	logger *slog.Logger
	now    func() time.Time
}

type tracked struct {
	entry  model.PoolEntry
	cancel context.CancelFunc
}

// New constructs a RequestPool.
func New(opts Options) *RequestPool {
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "request_pool")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &RequestPool{
		entries:   make(map[string]*tracked),
		bySession: make(map[string]map[string]struct{}),
		logger:    logger,
		now:       now,
	}
}

// TrackParams groups parameters for Track.
type TrackParams struct {
	RequestID   string
	SessionID   string
	RequestType model.TaskType
	Cancel      context.CancelFunc
}

// Track registers an in-flight request. Re-registering an already tracked id
// is a no-op with a warning; the original entry and cancel func are kept.
func (p *RequestPool) Track(params TrackParams) {
	p.mu.Lock()
	if _, exists := p.entries[params.RequestID]; exists {
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Warn("request already tracked, ignoring duplicate registration",
				"request_id", params.RequestID,
				"session_id", params.SessionID,
			)
		}
		return
	}

	p.entries[params.RequestID] = &tracked{
		entry: model.PoolEntry{
			RequestID:   params.RequestID,
			SessionID:   params.SessionID,
			RequestType: params.RequestType,
			TrackedAt:   p.now().UTC(),
		},
		cancel: params.Cancel,
	}
	if p.bySession[params.SessionID] == nil {
		p.bySession[params.SessionID] = make(map[string]struct{})
	}
	p.bySession[params.SessionID][params.RequestID] = struct{}{}
	p.mu.Unlock()
}

// Untrack removes a tracked request without signalling cancellation.
// Idempotent.
func (p *RequestPool) Untrack(requestID string) {
	p.mu.Lock()
	p.remove(requestID)
	p.mu.Unlock()
}

// Cancel signals cancellation to whatever is executing under the id and
// untracks it. Returns true exactly when the id was tracked at call time;
// after either outcome the id is no longer tracked.
func (p *RequestPool) Cancel(requestID string) bool {
	p.mu.Lock()
	t := p.remove(requestID)
	p.mu.Unlock()

	if t == nil {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

// CancelSession cancels every tracked request for a session and returns the
// count canceled.
func (p *RequestPool) CancelSession(sessionID string) int {
	p.mu.Lock()
	ids := p.bySession[sessionID]
	canceled := make([]*tracked, 0, len(ids))
	for id := range ids {
		if t := p.remove(id); t != nil {
			canceled = append(canceled, t)
		}
	}
	p.mu.Unlock()

	for _, t := range canceled {
		if t.cancel != nil {
			t.cancel()
		}
	}
	return len(canceled)
}

// Contains reports whether a request id is currently tracked.
func (p *RequestPool) Contains(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[requestID]
	return ok
}

// Stats returns a read-only snapshot of the pool: total in-flight requests
// plus counts by session and by request type. Safe to call concurrently with
// every other operation.
func (p *RequestPool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := model.PoolStats{
		Total:     len(p.entries),
		BySession: make(map[string]int, len(p.bySession)),
		ByType:    make(map[model.TaskType]int),
	}
	for _, t := range p.entries {
		stats.BySession[t.entry.SessionID]++
		stats.ByType[t.entry.RequestType]++
	}
	return stats
}

// remove requires p.mu held and returns the removed entry, if any.
func (p *RequestPool) remove(requestID string) *tracked {
	t, ok := p.entries[requestID]
	if !ok {
		return nil
	}
	delete(p.entries, requestID)
	if ids := p.bySession[t.entry.SessionID]; ids != nil {
		delete(ids, requestID)
		if len(ids) == 0 {
			delete(p.bySession, t.entry.SessionID)
		}
	}
	return t
}
