// Package push consumes the backend's status event stream and turns each
// event into a cache invalidation.
package push

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
)

// Stream opens connections to a push endpoint.
type Stream interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one live push connection. Next blocks until the next routable
// event arrives or the connection fails.
type Conn interface {
	Next(ctx context.Context) (models.StatusEvent, error)
	Close() error
}

// TokenFunc returns the bearer token sent when connecting, or "".
type TokenFunc func() string

// decode turns a named payload into a StatusEvent. Unknown event names and
// malformed payloads are logged and reported as not ok so the caller keeps
// reading.
func decode(event string, data []byte) (models.StatusEvent, bool) {
	ev, err := protocol.DecodeEvent(event, data)
	if err == nil {
		return ev, true
	}
	var unknown *protocol.UnknownEventError
	if errors.As(err, &unknown) {
		logging.Debug("ignoring push event", logging.String("event", event))
	} else {
		logging.Warn("malformed push event", logging.String("event", event), logging.Err(err))
	}
	return models.StatusEvent{}, false
}

// decodeEnvelope decodes a {event, data} frame.
func decodeEnvelope(frame []byte) (models.StatusEvent, bool) {
	var msg protocol.PushMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		logging.Warn("malformed push frame", logging.Err(err))
		return models.StatusEvent{}, false
	}
	return decode(msg.Event, msg.Data)
}
