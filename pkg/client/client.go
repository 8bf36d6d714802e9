// Package client provides the HTTP client for the beets-flask session API
// with retry, rate limiting, online tracking and a typed error taxonomy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/internal/metrics"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
	"github.com/pspitzner/beetsflask-sync/pkg/retry"
)

// maxErrorBody bounds the raw body text kept on transport errors.
const maxErrorBody = 512

// Client talks to the beets-flask backend.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	limiter     *rate.Limiter
	userAgent   string

	mu        sync.RWMutex
	online    bool
	lastPing  time.Time
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string

	// RequestsPerSecond limits outbound requests; 0 disables limiting.
	RequestsPerSecond float64
	Burst             int

	UserAgent string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "beetsflask-sync"
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		limiter:     limiter,
		userAgent:   cfg.UserAgent,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// IsOnline returns true if the server was reachable on the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastContact returns the time of the last completed exchange.
func (c *Client) LastContact() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("backend is back online", logging.String("url", c.baseURL))
		} else {
			logging.Warn("backend is offline", logging.String("url", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, protocol.PathHealth, nil, c.retryConfig, func(status int, data []byte) error {
		if status != http.StatusOK {
			return decodeError(status, data)
		}
		return nil
	})
}

// SessionByFolder looks up the session for a folder. ErrSessionNotFound is
// returned when the backend has no session for it.
func (c *Client) SessionByFolder(ctx context.Context, key models.FolderKey) (*models.SessionState, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var result *models.SessionState
	body := protocol.NewSessionByFolderRequest(key)
	err := c.call(ctx, http.MethodPost, protocol.PathSessionByFolder, body, c.retryConfig, func(status int, data []byte) error {
		var probe protocol.LookupError
		probed := json.Unmarshal(data, &probe) == nil
		if probed && probe.Error == protocol.NotFoundMessage {
			return ErrSessionNotFound
		}

		if status < 200 || status > 299 {
			if status == http.StatusNotFound && !isStructured(data) {
				return ErrSessionNotFound
			}
			return decodeError(status, data)
		}

		if !probed {
			return &ProtocolError{Status: status, Body: truncate(data), Err: errors.New("body is not a JSON object")}
		}
		if probe.Error != "" {
			return &APIError{Status: status, Type: "LookupError", Message: probe.Error}
		}

		var s models.SessionState
		if err := json.Unmarshal(data, &s); err != nil {
			return &ProtocolError{Status: status, Body: truncate(data), Err: err}
		}
		if s.FolderHash == "" && s.FolderPath == "" {
			return &ProtocolError{Status: status, Body: truncate(data), Err: errors.New("session has neither folder_hash nor folder_path")}
		}
		result = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Enqueue schedules a job of the given kind for each selected folder.
// Mutations are sent once; a failed enqueue is never retried here.
func (c *Client) Enqueue(ctx context.Context, kind protocol.EnqueueKind, selected []models.FolderKey) (*protocol.Ack, error) {
	for _, k := range selected {
		if err := k.Validate(); err != nil {
			return nil, err
		}
	}
	return c.mutate(ctx, protocol.PathEnqueue, protocol.NewEnqueueRequest(kind, selected))
}

// AddCandidates asks the backend to search additional candidates for the
// given folders.
func (c *Client) AddCandidates(ctx context.Context, req protocol.AddCandidatesRequest) (*protocol.Ack, error) {
	if len(req.FolderHashes) == 0 {
		return nil, errors.New("add candidates: no folder hash given")
	}
	if req.SearchIDs == nil {
		req.SearchIDs = []string{}
	}
	return c.mutate(ctx, protocol.PathAddCandidates, req)
}

func (c *Client) mutate(ctx context.Context, path string, body any) (*protocol.Ack, error) {
	var ack protocol.Ack
	err := c.call(ctx, http.MethodPost, path, body, retry.Once(c.retryConfig), func(status int, data []byte) error {
		if status < 200 || status > 299 {
			return decodeError(status, data)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if !json.Valid(data) {
			return &ProtocolError{Status: status, Body: truncate(data), Err: errors.New("body is not valid JSON")}
		}
		// The ack is opaque; a job list is picked up when the body has one.
		if err := json.Unmarshal(data, &ack); err != nil {
			ack = protocol.Ack{}
			logging.WithContext(ctx).Debug("ack carries no usable job list",
				logging.String("path", path),
				logging.Err(err))
		}
		ack.Raw = append(json.RawMessage(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// call runs one logical request with retries. handle interprets a complete
// response; transport failures never reach it.
func (c *Client) call(ctx context.Context, method, path string, body any, cfg retry.Config, handle func(status int, data []byte) error) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
	}

	err := retry.Do(ctx, cfg, func() error {
		status, data, err := c.roundTrip(ctx, method, path, payload)
		if err != nil {
			return err
		}
		return handle(status, data)
	})
	err = retry.Unwrap(err)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		metrics.RecordClientError(Kind(err))
		logging.WithContext(ctx).Debug("backend call failed",
			logging.String("method", method),
			logging.String("path", path),
			logging.String("kind", Kind(err)),
			logging.Err(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, &TransportError{Err: err}
		}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, &TransportError{Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	c.applyAuth(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(path, 0, time.Since(start))
		if ctx.Err() != nil {
			return 0, nil, &TransportError{Err: ctx.Err()}
		}
		c.setOnline(false)
		return 0, nil, retry.Retryable(&TransportError{Err: err})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	metrics.RecordHTTPRequest(path, resp.StatusCode, time.Since(start))
	if err != nil {
		c.setOnline(false)
		return 0, nil, retry.Retryable(&TransportError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)})
	}

	c.setOnline(resp.StatusCode < 500)
	return resp.StatusCode, data, nil
}

// decodeError maps a non-success response to APIError or TransportError.
// Unstructured 5xx responses are marked retryable.
func decodeError(status int, data []byte) error {
	var er protocol.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Valid() {
		return &APIError{
			Status:      status,
			Type:        er.Type,
			Message:     er.Message,
			Description: er.Description,
			Trace:       er.Trace,
		}
	}
	err := &TransportError{Status: status, Body: truncate(data)}
	if status >= 500 {
		return retry.Retryable(err)
	}
	return err
}

func isStructured(data []byte) bool {
	var er protocol.ErrorResponse
	return json.Unmarshal(data, &er) == nil && er.Valid()
}

func truncate(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
