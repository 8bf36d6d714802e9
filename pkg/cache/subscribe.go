package cache

import (
	"sync"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
)

// NotificationKind tells a subscriber what happened to an entry.
type NotificationKind int

const (
	// Invalidated means the entry went stale; a fresh Get will refetch.
	Invalidated NotificationKind = iota
	// Updated means new data (or a cached not-found) was stored.
	Updated
)

func (k NotificationKind) String() string {
	if k == Updated {
		return "updated"
	}
	return "invalidated"
}

// Notification is delivered to subscribers of a matching entry.
type Notification struct {
	Key  models.FolderKey
	Kind NotificationKind
}

// subscriptionBuffer bounds pending notifications per subscriber. When full,
// further notifications are dropped; the pending ones already tell the
// subscriber to re-read the entry.
const subscriptionBuffer = 8

// Subscription receives notifications for one folder. An active subscription
// marks the folder as observed, so invalidations refetch it immediately.
type Subscription struct {
	key   models.FolderKey
	cache *Cache
	ch    chan Notification
	once  sync.Once
}

// C returns the notification channel. It is closed by Close or when the
// cache is closed.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Key returns the subscribed folder.
func (s *Subscription) Key() models.FolderKey {
	return s.key
}

// Close stops the subscription.
func (s *Subscription) Close() {
	s.cache.mu.Lock()
	delete(s.cache.subs, s)
	s.cache.mu.Unlock()
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers interest in key.
func (c *Cache) Subscribe(key models.FolderKey) *Subscription {
	s := &Subscription{
		key:   key,
		cache: c,
		ch:    make(chan Notification, subscriptionBuffer),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.closeChan()
		return s
	}
	c.subs[s] = struct{}{}
	return s
}

// observedLocked reports whether a subscriber watches e.
func (c *Cache) observedLocked(e *entry) bool {
	k := e.key()
	for s := range c.subs {
		if s.key.SameEntity(k) {
			return true
		}
	}
	return false
}

// notifyLocked sends a notification to every subscriber of e without
// blocking.
func (c *Cache) notifyLocked(e *entry, kind NotificationKind) {
	k := e.key()
	for s := range c.subs {
		if !s.key.SameEntity(k) {
			continue
		}
		select {
		case s.ch <- Notification{Key: k, Kind: kind}:
		default:
			logging.Debug("subscriber notification dropped (buffer full)",
				logging.String("key", k.String()))
		}
	}
}
