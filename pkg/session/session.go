// Package session is the entry point views use: read access to cached
// sessions plus the mutations that keep the cache in step with the backend.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/internal/metrics"
	"github.com/pspitzner/beetsflask-sync/pkg/cache"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
	"github.com/pspitzner/beetsflask-sync/pkg/push"
)

// ErrNothingSelected is returned by Enqueue without folders.
var ErrNothingSelected = errors.New("no folders selected")

// Mutator sends mutations to the backend. *client.Client implements it.
type Mutator interface {
	Enqueue(ctx context.Context, kind protocol.EnqueueKind, selected []models.FolderKey) (*protocol.Ack, error)
	AddCandidates(ctx context.Context, req protocol.AddCandidatesRequest) (*protocol.Ack, error)
}

// Result is what a view renders for one folder.
type Result struct {
	Data      *models.SessionState
	NotFound  bool
	Stale     bool
	IsLoading bool
	IsError   bool
	Err       error
}

// Service ties the backend mutations to the session cache.
type Service struct {
	backend Mutator
	cache   *cache.Cache
	jobs    *push.JobIndex
}

// New creates a service. jobs may be nil.
func New(backend Mutator, c *cache.Cache, jobs *push.JobIndex) *Service {
	return &Service{backend: backend, cache: c, jobs: jobs}
}

// Session returns the session for key, fetching it when the cache has no
// fresh value.
func (s *Service) Session(ctx context.Context, key models.FolderKey) Result {
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		return Result{IsError: true, Err: err}
	}
	return Result{Data: data, NotFound: data == nil}
}

// Peek returns the current view of key without blocking. When the cache
// holds nothing fresh and no fetch is running, one is started in the
// background and the result reports IsLoading. A failed fetch is reported,
// not retried.
func (s *Service) Peek(key models.FolderKey) Result {
	if err := key.Validate(); err != nil {
		return Result{IsError: true, Err: err}
	}

	snap := s.cache.Peek(key)
	r := Result{
		Data:     snap.Data,
		NotFound: snap.NotFound && !snap.Stale,
		Stale:    snap.Stale,
	}

	switch {
	case snap.Fresh():
	case snap.Fetching:
		r.IsLoading = true
	case snap.Err != nil:
		r.IsError = true
		r.Err = snap.Err
	default:
		r.IsLoading = true
		go func() {
			if _, err := s.cache.Get(context.Background(), key); err != nil && !errors.Is(err, cache.ErrClosed) {
				logging.Debug("background session fetch failed", logging.String("key", key.String()), logging.Err(err))
			}
		}()
	}
	return r
}

// Watch subscribes to invalidations and updates for key. While the
// subscription is open, invalidated data is refetched right away.
func (s *Service) Watch(key models.FolderKey) *cache.Subscription {
	return s.cache.Subscribe(key)
}

// Enqueue schedules kind for the selected folders. On success the returned
// jobs are remembered for push routing, and every selected folder is
// invalidated by hash or path, since a new session may have been created.
func (s *Service) Enqueue(ctx context.Context, selected []models.FolderKey, kind protocol.EnqueueKind) (*protocol.Ack, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown enqueue kind %q", kind)
	}
	if len(selected) == 0 {
		return nil, ErrNothingSelected
	}
	selected = dedupe(selected)

	ack, err := s.backend.Enqueue(ctx, kind, selected)
	if err != nil {
		return nil, err
	}
	if ack == nil {
		ack = &protocol.Ack{}
	}

	if s.jobs != nil {
		s.jobs.RecordAck(ack)
	}

	n := 0
	for _, key := range selected {
		n += s.cache.Invalidate(cache.Loose(key.Hash, key.Path))
	}
	for _, job := range ack.Jobs {
		n += s.cache.Invalidate(cache.Loose(job.FolderHash, job.FolderPath))
	}
	metrics.RecordInvalidations("enqueue", n)

	logging.Info("enqueued",
		logging.String("kind", string(kind)),
		logging.Int("folders", len(selected)),
		logging.Int("jobs", len(ack.Jobs)),
		logging.Int("invalidated", n))
	return ack, nil
}

// AddCandidate asks the backend to search more candidates. On success the
// folder's session is invalidated strictly by hash.
func (s *Service) AddCandidate(ctx context.Context, req protocol.AddCandidatesRequest) (*protocol.Ack, error) {
	ack, err := s.backend.AddCandidates(ctx, req)
	if err != nil {
		return nil, err
	}

	n := 0
	for _, hash := range req.FolderHashes {
		n += s.cache.Invalidate(cache.Strict(hash, ""))
	}
	metrics.RecordInvalidations("add_candidates", n)
	return ack, nil
}

// InvalidateSession is the manual refresh trigger. strict matches by hash
// only (falling back to path without a hash); otherwise hash or path match.
func (s *Service) InvalidateSession(hash, path string, strict bool) int {
	var pred cache.Predicate
	if strict {
		pred = cache.Strict(hash, path)
	} else {
		pred = cache.Loose(hash, path)
	}
	n := s.cache.Invalidate(pred)
	metrics.RecordInvalidations("manual", n)
	return n
}

// dedupe drops repeated folders from a selection, keeping the first.
func dedupe(keys []models.FolderKey) []models.FolderKey {
	seen := make(map[string]struct{}, len(keys))
	out := make([]models.FolderKey, 0, len(keys))
	for _, k := range keys {
		id := k.Normalized()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, k)
	}
	return out
}
