// Package cache provides the client-side session cache.
//
// The cache is the single source of truth for session state keyed by folder
// identity. Concurrent lookups for the same folder share one in-flight fetch,
// invalidations are sequenced by a per-entry version counter, and a fetch
// result is only written when the entry's version has not moved since the
// fetch started.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/internal/metrics"
	"github.com/pspitzner/beetsflask-sync/pkg/client"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("cache closed")

// Fetcher loads a session from the backend. *client.Client satisfies it.
// A missing session is reported as client.ErrSessionNotFound.
type Fetcher interface {
	SessionByFolder(ctx context.Context, key models.FolderKey) (*models.SessionState, error)
}

type entryState int

const (
	stateEmpty entryState = iota // never fetched successfully
	stateFresh                   // data (or not-found) is current
	stateStale                   // invalidated since the last fetch
)

type entry struct {
	hash string
	path string

	state    entryState
	data     *models.SessionState
	notFound bool
	lastErr  error

	version  uint64
	inflight *call
	removed  bool

	// invalidatedAt is the cache sequence of the last invalidation.
	invalidatedAt uint64
}

func (e *entry) key() models.FolderKey {
	return models.FolderKey{Hash: e.hash, Path: e.path}
}

// call is one in-flight fetch shared by every waiter on an entry.
type call struct {
	done    chan struct{}
	val     *models.SessionState
	err     error
	version uint64
	seq     uint64 // cache sequence when the fetch started
	waiters int
	cancel  context.CancelFunc
}

// Cache holds session state keyed by folder hash and path.
type Cache struct {
	fetcher Fetcher

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	seq    uint64 // bumped by every invalidation
	byHash map[string]*entry
	byPath map[string]*entry
	count  int
	subs   map[*Subscription]struct{}
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithContext sets the parent context of background fetches. Cancelling it
// cancels every in-flight fetch.
func WithContext(ctx context.Context) Option {
	return func(c *Cache) {
		c.baseCtx = ctx
	}
}

// New creates a cache that loads entries through f.
func New(f Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: f,
		baseCtx: context.Background(),
		byHash:  make(map[string]*entry),
		byPath:  make(map[string]*entry),
		subs:    make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseCtx, c.baseCancel = context.WithCancel(c.baseCtx)
	return c
}

// Get returns the session for key. A fresh entry is returned without a
// network call; otherwise the caller starts or joins the single in-flight
// fetch for the entry. (nil, nil) means the backend has no session for the
// folder.
//
// Cancelling ctx detaches only this caller. The shared fetch keeps running
// while other callers wait on it or a subscriber observes the entry.
func (c *Cache) Get(ctx context.Context, key models.FolderKey) (*models.SessionState, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	e := c.lookupLocked(key)
	if e == nil {
		e = c.insertLocked(key)
	}

	if e.state == stateFresh {
		data := e.data
		c.mu.Unlock()
		metrics.RecordCacheLookup("hit")
		return data, nil
	}

	cl := e.inflight
	if cl != nil {
		metrics.RecordCacheLookup("coalesced")
	} else {
		metrics.RecordCacheLookup("miss")
		cl = c.startFetchLocked(e)
	}
	cl.waiters++
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		c.detach(e, cl)
		return nil, ctx.Err()
	}
}

// detach removes one waiter from cl, cancelling the fetch when nobody
// depends on it anymore.
func (c *Cache) detach(e *entry, cl *call) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl.waiters--
	select {
	case <-cl.done:
		return
	default:
	}
	if cl.waiters > 0 {
		return
	}
	if e.inflight == cl && c.observedLocked(e) {
		return
	}
	if e.inflight == cl {
		e.inflight = nil
	}
	cl.cancel()
}

// startFetchLocked launches a fetch for e at its current version.
// Must be called with lock held.
func (c *Cache) startFetchLocked(e *entry) *call {
	ctx, cancel := context.WithCancel(c.baseCtx)
	cl := &call{
		done:    make(chan struct{}),
		version: e.version,
		seq:     c.seq,
		cancel:  cancel,
	}
	e.inflight = cl

	key := e.key()
	go c.runFetch(ctx, e, key, cl)
	return cl
}

func (c *Cache) runFetch(ctx context.Context, e *entry, key models.FolderKey, cl *call) {
	val, err := c.fetcher.SessionByFolder(ctx, key)
	notFound := errors.Is(err, client.ErrSessionNotFound)
	if notFound {
		val, err = nil, nil
	}

	c.mu.Lock()
	if e.inflight == cl {
		e.inflight = nil
	}

	current := !e.removed && e.version == cl.version
	switch {
	case err != nil:
		metrics.RecordCacheFetch("error")
		if current && !errors.Is(err, context.Canceled) {
			e.lastErr = err
		}
		logging.Debug("session fetch failed",
			logging.String("key", key.String()),
			logging.String("kind", client.Kind(err)),
			logging.Err(err))
	case !current:
		metrics.RecordCacheFetch("discarded")
		metrics.RecordStaleResult()
		logging.Debug("discarding session fetched before invalidation",
			logging.String("key", key.String()),
			logging.Uint64("fetch_version", cl.version),
			logging.Uint64("entry_version", e.version))
	case notFound:
		metrics.RecordCacheFetch("not_found")
		e.state = stateFresh
		e.data = nil
		e.notFound = true
		e.lastErr = nil
		c.notifyLocked(e, Updated)
	default:
		if c.storeLocked(e, val, cl.seq) {
			metrics.RecordCacheFetch("ok")
			break
		}
		metrics.RecordCacheFetch("discarded")
		metrics.RecordStaleResult()
		logging.Debug("discarding session folded into an entry invalidated meanwhile",
			logging.String("key", key.String()),
			logging.Uint64("fetch_seq", cl.seq))
	}

	// An observed entry invalidated while this fetch ran gets refreshed.
	if !current && !e.removed && e.inflight == nil && e.state != stateFresh && c.observedLocked(e) && !c.closed {
		c.startFetchLocked(e)
	}

	cl.val, cl.err = val, err
	close(cl.done)
	cl.cancel()
	c.mu.Unlock()
}

// SetFromFetch stores a session obtained for queried. The value is filed
// under its own reported hash and path, so later lookups by either identity
// land on the same entry.
func (c *Cache) SetFromFetch(queried models.FolderKey, s *models.SessionState) {
	if s == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	e := c.lookupLocked(queried)
	if e == nil {
		e = c.lookupLocked(s.Key())
	}
	if e == nil {
		e = c.insertLocked(s.Key())
	}
	c.storeLocked(e, s, c.seq)
}

// storeLocked writes s, read at cache sequence since, into e and re-keys the
// indexes to the identity s reports. When the reported hash belongs to
// another entry, e is folded into it; the write is dropped if that entry was
// invalidated after since, and false is returned. Must be called with lock
// held.
func (c *Cache) storeLocked(e *entry, s *models.SessionState, since uint64) bool {
	target := e
	if s.FolderHash != "" {
		if other, ok := c.byHash[s.FolderHash]; ok && other != e {
			observed := c.observedLocked(e) || c.observedLocked(other)
			c.removeLocked(e)
			if other.invalidatedAt > since {
				if other.inflight == nil && other.state != stateFresh && observed && !c.closed {
					c.startFetchLocked(other)
				}
				return false
			}
			target = other
		}
	}

	if s.FolderHash != "" && target.hash != s.FolderHash {
		if target.hash != "" && c.byHash[target.hash] == target {
			delete(c.byHash, target.hash)
		}
		target.hash = s.FolderHash
		c.byHash[target.hash] = target
	}

	if s.FolderPath != "" && target.path != s.FolderPath {
		if target.path != "" && c.byPath[target.path] == target {
			delete(c.byPath, target.path)
		}
		target.path = s.FolderPath
	}
	if target.path != "" {
		if other, ok := c.byPath[target.path]; ok && other != target {
			if other.hash == "" {
				// A path-only entry for the same folder is the same session.
				c.removeLocked(other)
			}
		}
		c.byPath[target.path] = target
	}

	target.state = stateFresh
	target.data = s
	target.notFound = false
	target.lastErr = nil
	c.notifyLocked(target, Updated)
	return true
}

// Invalidate marks every entry matching pred as stale and returns how many
// changed. Entries already stale with no fetch running are left untouched,
// so repeating an invalidation is a no-op. A fetch started before the
// invalidation is detached: its waiters still get its result, but the result
// is not stored. Observed entries refetch right away.
func (c *Cache) Invalidate(pred Predicate) int {
	if pred == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	c.seq++
	n := 0
	for _, e := range c.entriesLocked() {
		if !pred(e.key()) {
			continue
		}
		if e.state != stateFresh && e.inflight == nil {
			continue
		}

		e.version++
		e.invalidatedAt = c.seq
		if e.state == stateFresh {
			e.state = stateStale
		}
		if e.inflight != nil && e.inflight.waiters == 0 {
			e.inflight.cancel()
		}
		e.inflight = nil
		n++

		c.notifyLocked(e, Invalidated)
		if c.observedLocked(e) {
			c.startFetchLocked(e)
		}
	}

	if n > 0 {
		logging.Debug("invalidated sessions", logging.Int("count", n))
	}
	return n
}

// Evict removes matching entries. Their in-flight fetches still resolve for
// current waiters but are not stored.
func (c *Cache) Evict(pred Predicate) int {
	if pred == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entriesLocked() {
		if pred(e.key()) {
			c.notifyLocked(e, Invalidated)
			c.removeLocked(e)
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Close cancels in-flight fetches, closes all subscriptions and drops every
// entry.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.entriesLocked() {
		c.removeLocked(e)
	}
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[*Subscription]struct{})
	c.mu.Unlock()

	c.baseCancel()
	for _, s := range subs {
		s.closeChan()
	}
}

// lookupLocked finds the entry for key: by hash first, falling back to a
// path entry that has no hash of its own. A key without a hash matches any
// entry with that path. Must be called with lock held.
func (c *Cache) lookupLocked(key models.FolderKey) *entry {
	if key.Hash != "" {
		if e, ok := c.byHash[key.Hash]; ok {
			return e
		}
		if key.Path != "" {
			if e, ok := c.byPath[key.Path]; ok && e.hash == "" {
				return e
			}
		}
		return nil
	}
	return c.byPath[key.Path]
}

func (c *Cache) insertLocked(key models.FolderKey) *entry {
	e := &entry{hash: key.Hash, path: key.Path}
	if e.hash != "" {
		c.byHash[e.hash] = e
	}
	if e.path != "" {
		if other, ok := c.byPath[e.path]; !ok || other.hash == "" || e.hash != "" {
			c.byPath[e.path] = e
		}
	}
	c.count++
	metrics.SetCacheEntries(c.count)
	return e
}

func (c *Cache) removeLocked(e *entry) {
	if e.removed {
		return
	}
	if e.hash != "" && c.byHash[e.hash] == e {
		delete(c.byHash, e.hash)
	}
	if e.path != "" && c.byPath[e.path] == e {
		delete(c.byPath, e.path)
	}
	e.removed = true
	e.version++
	if e.inflight != nil && e.inflight.waiters == 0 {
		e.inflight.cancel()
	}
	e.inflight = nil
	c.count--
	metrics.SetCacheEntries(c.count)
}

// entriesLocked returns every live entry once.
func (c *Cache) entriesLocked() []*entry {
	seen := make(map[*entry]struct{}, c.count)
	out := make([]*entry, 0, c.count)
	for _, e := range c.byHash {
		if _, ok := seen[e]; !ok {
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	for _, e := range c.byPath {
		if _, ok := seen[e]; !ok {
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
