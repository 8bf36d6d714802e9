package cache

import "github.com/pspitzner/beetsflask-sync/pkg/models"

// Snapshot is a non-blocking view of one entry.
type Snapshot struct {
	Key      models.FolderKey
	Data     *models.SessionState
	Cached   bool // an entry exists
	NotFound bool // the backend reported no session
	Stale    bool // invalidated since the data was fetched
	Fetching bool
	Err      error // last fetch error, not cached as a value
	Version  uint64
}

// Fresh reports whether the snapshot holds current data or a current
// not-found.
func (s Snapshot) Fresh() bool {
	return s.Cached && !s.Stale && (s.Data != nil || s.NotFound)
}

// Peek returns the current state of the entry for key without fetching.
// Stale data is returned with Stale set.
func (c *Cache) Peek(key models.FolderKey) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(key)
	if e == nil {
		return Snapshot{Key: key}
	}
	return Snapshot{
		Key:      e.key(),
		Data:     e.data,
		Cached:   true,
		NotFound: e.notFound,
		Stale:    e.state == stateStale,
		Fetching: e.inflight != nil,
		Err:      e.lastErr,
		Version:  e.version,
	}
}

// Keys returns the identity of every entry.
func (c *Cache) Keys() []models.FolderKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.entriesLocked()
	keys := make([]models.FolderKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.key())
	}
	return keys
}
