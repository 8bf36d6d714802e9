package push

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pspitzner/beetsflask-sync/pkg/models"
)

// maxSSELine bounds a single line of the event stream.
const maxSSELine = 1 << 20

// ErrStreamClosed is returned by Next when the server ends the event stream.
var ErrStreamClosed = errors.New("event stream closed by server")

// SSEStream receives server-sent events. The event name selects the payload
// type; events without a name carry the {event, data} envelope instead.
type SSEStream struct {
	url        string
	httpClient *http.Client
	token      TokenFunc
}

// NewSSEStream creates a server-sent-events stream for url. token may be nil.
func NewSSEStream(url string, token TokenFunc) *SSEStream {
	return &SSEStream{
		url:        url,
		httpClient: &http.Client{Timeout: 0}, // No timeout for SSE
		token:      token,
	}
}

// URL returns the endpoint the stream connects to.
func (s *SSEStream) URL() string {
	return s.url
}

// Connect opens the event stream.
func (s *SSEStream) Connect(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != nil {
		if t := s.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseConn{body: resp.Body, scanner: scanner}, nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (c *sseConn) Next(ctx context.Context) (models.StatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return models.StatusEvent{}, err
	}
	stop := context.AfterFunc(ctx, func() { c.body.Close() })
	defer stop()

	var eventType string
	var data []string

	for c.scanner.Scan() {
		line := c.scanner.Text()

		if line == "" {
			if len(data) > 0 {
				if ev, ok := c.dispatch(eventType, strings.Join(data, "\n")); ok {
					return ev, nil
				}
			}
			eventType = ""
			data = data[:0]
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if ctx.Err() != nil {
		return models.StatusEvent{}, ctx.Err()
	}
	if err := c.scanner.Err(); err != nil {
		return models.StatusEvent{}, fmt.Errorf("read: %w", err)
	}
	return models.StatusEvent{}, ErrStreamClosed
}

func (c *sseConn) dispatch(eventType, data string) (models.StatusEvent, bool) {
	if eventType == "" || eventType == "message" {
		return decodeEnvelope([]byte(data))
	}
	return decode(eventType, []byte(data))
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
