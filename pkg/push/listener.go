package push

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/internal/metrics"
	"github.com/pspitzner/beetsflask-sync/pkg/cache"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/retry"
)

// State is the connection state of a Listener.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// InvalidateFunc marks matching cache entries stale and returns how many
// changed. (*cache.Cache).Invalidate satisfies it.
type InvalidateFunc func(cache.Predicate) int

// Invalidation sources reported to metrics.
const (
	sourceFolderStatus = "folder_status"
	sourceJobStatus    = "job_status"
	sourceJobBroad     = "job_status_broad"
	sourceResync       = "resync"
)

// Listener bridges a push stream to cache invalidation. It never holds cache
// entries, only the invalidation function.
type Listener struct {
	stream     Stream
	invalidate InvalidateFunc
	jobs       JobResolver
	backoff    retry.Config
	onState    func(State)
	onEvent    func(models.StatusEvent, int)

	state         atomic.Int32
	everConnected bool
}

// Option configures a Listener.
type Option func(*Listener)

// WithJobResolver sets the resolver used to route job events that carry no
// folder identity.
func WithJobResolver(r JobResolver) Option {
	return func(l *Listener) { l.jobs = r }
}

// WithBackoff overrides the reconnect backoff. A non-zero MaxAttempts makes
// Run give up after that many consecutive failed connects.
func WithBackoff(cfg retry.Config) Option {
	return func(l *Listener) { l.backoff = cfg }
}

// WithStateHook registers fn to be called on every state change.
func WithStateHook(fn func(State)) Option {
	return func(l *Listener) { l.onState = fn }
}

// WithEventHook registers fn to be called after each event is routed, with
// the number of entries it invalidated.
func WithEventHook(fn func(models.StatusEvent, int)) Option {
	return func(l *Listener) { l.onEvent = fn }
}

// NewListener creates a listener reading from stream.
func NewListener(stream Stream, invalidate InvalidateFunc, opts ...Option) *Listener {
	l := &Listener{
		stream:     stream,
		invalidate: invalidate,
		backoff:    retry.ReconnectConfig(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	metrics.SetPushConnected(s == Connected)
	if l.onState != nil {
		l.onState(s)
	}
}

// Run connects, consumes events and reconnects with backoff until ctx is
// done, then returns nil. After every reconnect all cached entries are
// invalidated, since events may have been missed while disconnected.
func (l *Listener) Run(ctx context.Context) error {
	if l.stream == nil || l.invalidate == nil {
		return errors.New("push: listener needs a stream and an invalidate func")
	}
	defer l.setState(Disconnected)
	log := logging.WithContext(ctx)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		l.setState(Connecting)
		conn, err := l.stream.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			l.setState(Disconnected)
			if l.backoff.MaxAttempts > 0 && failures >= l.backoff.MaxAttempts {
				return fmt.Errorf("push: giving up after %d attempts: %w", failures, err)
			}
			wait := retry.Backoff(l.backoff, failures)
			log.Warn("push connect failed",
				logging.Err(err),
				logging.Int("attempt", failures),
				logging.Duration("retry_in", wait))
			if retry.Sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}

		failures = 0
		l.setState(Connected)
		if l.everConnected {
			metrics.RecordPushReconnect()
			n := l.invalidate(cache.All())
			metrics.RecordInvalidations(sourceResync, n)
			log.Info("push reconnected, resynchronizing", logging.Int("invalidated", n))
		} else {
			log.Info("push connected")
		}
		l.everConnected = true

		err = l.consume(ctx, conn)
		conn.Close()
		l.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}

		wait := retry.Backoff(l.backoff, 1)
		log.Warn("push connection lost", logging.Err(err), logging.Duration("retry_in", wait))
		if retry.Sleep(ctx, wait) != nil {
			return nil
		}
	}
}

// consume handles events in arrival order until the connection fails.
func (l *Listener) consume(ctx context.Context, conn Conn) error {
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		l.Handle(ev)
	}
}

// Handle routes one event to an invalidation and returns the number of
// entries invalidated. It never waits for the resulting refetch.
func (l *Listener) Handle(ev models.StatusEvent) int {
	metrics.RecordPushEvent(string(ev.Kind))

	pred, source := l.route(ev)
	n := l.invalidate(pred)
	metrics.RecordInvalidations(source, n)

	if ev.Kind == models.EventJobStatus && ev.JobID != "" && terminalJobStatus(ev.NewStatus) {
		if f, ok := l.jobs.(interface{ Forget(string) }); ok {
			f.Forget(ev.JobID)
		}
	}

	logging.Debug("push event",
		logging.String("kind", string(ev.Kind)),
		logging.String("hash", ev.FolderHash),
		logging.String("path", ev.FolderPath),
		logging.String("job_id", ev.JobID),
		logging.String("status", ev.NewStatus),
		logging.Int("invalidated", n))

	if l.onEvent != nil {
		l.onEvent(ev, n)
	}
	return n
}

func (l *Listener) route(ev models.StatusEvent) (cache.Predicate, string) {
	switch ev.Kind {
	case models.EventFolderStatus:
		return cache.Loose(ev.FolderHash, ev.FolderPath), sourceFolderStatus
	case models.EventJobStatus:
		if !ev.Folder().IsZero() {
			return cache.Loose(ev.FolderHash, ev.FolderPath), sourceJobStatus
		}
		if l.jobs != nil && ev.JobID != "" {
			if key, ok := l.jobs.ResolveJob(ev.JobID); ok {
				return cache.Loose(key.Hash, key.Path), sourceJobStatus
			}
		}
		return cache.All(), sourceJobBroad
	}
	return nil, ""
}
