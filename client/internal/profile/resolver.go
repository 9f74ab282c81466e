package profile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultBatchSize caps the number of authors in one lookup request.
const DefaultBatchSize = 100

// Requester sends a metadata lookup for authors to the relays.
type Requester interface {
	RequestProfiles(ctx context.Context, authors []string) error
}

// Resolver batches metadata lookups for authors missing from a Directory.
type Resolver struct {
	dir       *Directory
	req       Requester
	interval  time.Duration
	batchSize int

	mu        sync.Mutex
	pending   map[string]struct{}
	requested map[string]struct{}
}

// NewResolver returns a Resolver that flushes pending authors every interval.
// batchSize <= 0 uses DefaultBatchSize.
func NewResolver(dir *Directory, req Requester, interval time.Duration, batchSize int) *Resolver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Resolver{
		dir:       dir,
		req:       req,
		interval:  interval,
		batchSize: batchSize,
		pending:   make(map[string]struct{}),
		requested: make(map[string]struct{}),
	}
}

// Want queues pubkey for lookup unless it is already known or requested.
func (r *Resolver) Want(pubkey string) {
	if pubkey == "" || r.dir.Known(pubkey) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requested[pubkey]; ok {
		return
	}
	r.pending[pubkey] = struct{}{}
}

// Pending returns the number of queued authors.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run flushes pending lookups every interval until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Flush(ctx)
		}
	}
}

// Flush sends at most one batch of pending authors. Authors that fail to send
// stay pending for the next flush.
func (r *Resolver) Flush(ctx context.Context) {
	batch := r.take()
	if len(batch) == 0 {
		return
	}
	if err := r.req.RequestProfiles(ctx, batch); err != nil {
		slog.Warn("profile: lookup request failed", "authors", len(batch), "err", err)
		r.mu.Lock()
		for _, pk := range batch {
			delete(r.requested, pk)
			r.pending[pk] = struct{}{}
		}
		r.mu.Unlock()
		return
	}
	slog.Debug("profile: requested metadata", "authors", len(batch))
}

func (r *Resolver) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.pending))
	for pk := range r.pending {
		keys = append(keys, pk)
	}
	sort.Strings(keys)
	if len(keys) > r.batchSize {
		keys = keys[:r.batchSize]
	}
	for _, pk := range keys {
		delete(r.pending, pk)
		r.requested[pk] = struct{}{}
	}
	return keys
}
