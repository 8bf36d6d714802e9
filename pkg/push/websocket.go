package push

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/pspitzner/beetsflask-sync/pkg/models"
)

// DefaultReadLimit bounds a single websocket frame.
const DefaultReadLimit = 1 << 20

// WebSocketStream receives JSON text frames shaped {"event": ..., "data": ...}.
type WebSocketStream struct {
	url       string
	token     TokenFunc
	readLimit int64
}

// NewWebSocketStream creates a websocket stream for url (ws:// or wss://).
// token may be nil.
func NewWebSocketStream(url string, token TokenFunc) *WebSocketStream {
	return &WebSocketStream{url: url, token: token, readLimit: DefaultReadLimit}
}

// URL returns the endpoint the stream dials.
func (s *WebSocketStream) URL() string {
	return s.url
}

// Connect dials the endpoint.
func (s *WebSocketStream) Connect(ctx context.Context) (Conn, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if s.token != nil {
		if t := s.token(); t != "" {
			opts.HTTPHeader.Set("Authorization", "Bearer "+t)
		}
	}

	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(s.readLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next(ctx context.Context) (models.StatusEvent, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return models.StatusEvent{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		if ev, ok := decodeEnvelope(data); ok {
			return ev, nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
