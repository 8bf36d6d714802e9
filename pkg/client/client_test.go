package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
	"github.com/pspitzner/beetsflask-sync/pkg/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL: ts.URL,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestSessionByFolder_Success(t *testing.T) {
	var got protocol.SessionByFolderRequest
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != protocol.PathSessionByFolder {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"folder_hash": "h1",
			"folder_path": "/inbox/album1",
			"status":      "pending",
			"candidates":  []string{"c1"},
		})
	}))
	defer ts.Close()

	s, err := c.SessionByFolder(context.Background(), models.ByPath("/inbox/album1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.FolderHash != "h1" || s.FolderPath != "/inbox/album1" {
		t.Errorf("unexpected identity: %+v", s.Key())
	}
	if s.Status != "pending" {
		t.Errorf("expected status pending, got %q", s.Status)
	}
	if len(got.FolderHashes) != 0 || len(got.FolderPaths) != 1 || got.FolderPaths[0] != "/inbox/album1" {
		t.Errorf("unexpected request body: %+v", got)
	}
}

func TestSessionByFolder_NotFound(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   interface{}
	}{
		{"ok status with error body", http.StatusOK, map[string]string{"error": "Not Found"}},
		{"404 with error body", http.StatusNotFound, map[string]string{"error": "Not Found"}},
		{"404 plain", http.StatusNotFound, "no such thing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer ts.Close()

			_, err := c.SessionByFolder(context.Background(), models.ByHash("h1"))
			if !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected ErrSessionNotFound, got %v", err)
			}
		})
	}
}

func TestSessionByFolder_APIError(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{
			Type:        "InvalidUsage",
			Message:     "folder is locked",
			Description: "a job is running",
			Trace:       "Traceback ...",
		})
	}))
	defer ts.Close()

	_, err := c.SessionByFolder(context.Background(), models.ByHash("h1"))
	ae, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if ae.Status != http.StatusInternalServerError || ae.Type != "InvalidUsage" {
		t.Errorf("unexpected APIError: %+v", ae)
	}
	if ae.Trace == "" || ae.Description == "" {
		t.Error("expected description and trace to be carried")
	}
	if attempts.Load() != 1 {
		t.Errorf("structured errors must not be retried, got %d attempts", attempts.Load())
	}
}

func TestSessionByFolder_TransportErrorRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"folder_hash": "h1", "folder_path": "/a"})
	}))
	defer ts.Close()

	s, err := c.SessionByFolder(context.Background(), models.ByHash("h1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.FolderHash != "h1" {
		t.Errorf("unexpected session: %+v", s)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestSessionByFolder_TransportErrorShape(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("forbidden by proxy"))
	}))
	defer ts.Close()

	_, err := c.SessionByFolder(context.Background(), models.ByHash("h1"))
	te, ok := AsTransportError(err)
	if !ok {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if te.Status != http.StatusForbidden || te.Body != "forbidden by proxy" {
		t.Errorf("unexpected TransportError: %+v", te)
	}
	if Kind(err) != "transport" {
		t.Errorf("expected kind transport, got %s", Kind(err))
	}
}

func TestSessionByFolder_ProtocolError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>oops</html>"},
		{"missing identity", `{"status": "pending"}`},
		{"null", "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := c.SessionByFolder(context.Background(), models.ByHash("h1"))
			if _, ok := AsProtocolError(err); !ok {
				t.Fatalf("expected ProtocolError, got %T: %v", err, err)
			}
		})
	}
}

func TestSessionByFolder_NetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := New(Config{BaseURL: url, RetryConfig: retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}})
	_, err := c.SessionByFolder(context.Background(), models.ByHash("h1"))
	te, ok := AsTransportError(err)
	if !ok {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if te.Status != 0 || te.Err == nil {
		t.Errorf("expected network failure without status, got %+v", te)
	}
	if c.IsOnline() {
		t.Error("client should be offline after a network failure")
	}
}

func TestSessionByFolder_EmptyKey(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := c.SessionByFolder(context.Background(), models.FolderKey{}); !errors.Is(err, models.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestEnqueue_NotRetried(t *testing.T) {
	var attempts atomic.Int32
	var got protocol.EnqueueRequest
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	selected := []models.FolderKey{{Hash: "h1", Path: "/a"}, {Path: "/b"}}
	_, err := c.Enqueue(context.Background(), protocol.KindPreview, selected)
	if _, ok := AsTransportError(err); !ok {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if attempts.Load() != 1 {
		t.Errorf("mutations must be sent once, got %d attempts", attempts.Load())
	}
	if got.Kind != protocol.KindPreview {
		t.Errorf("expected kind preview, got %q", got.Kind)
	}
	if len(got.FolderHashes) != 2 || got.FolderHashes[1] != "" || got.FolderPaths[1] != "/b" {
		t.Errorf("unexpected body: %+v", got)
	}
}

func TestEnqueue_AckWithJobs(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": []map[string]string{{"job_id": "j1", "folder_hash": "h1", "folder_path": "/a"}},
		})
	}))
	defer ts.Close()

	ack, err := c.Enqueue(context.Background(), protocol.KindImportAuto, []models.FolderKey{{Hash: "h1", Path: "/a"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ack.Jobs) != 1 || ack.Jobs[0].JobID != "j1" {
		t.Errorf("unexpected jobs: %+v", ack.Jobs)
	}
	if len(ack.Raw) == 0 {
		t.Error("expected raw ack body")
	}
}

func TestEnqueue_OpaqueAck(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []string{"queued"})
	}))
	defer ts.Close()

	ack, err := c.Enqueue(context.Background(), protocol.KindPreview, []models.FolderKey{{Path: "/a"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ack.Jobs) != 0 {
		t.Errorf("expected no jobs, got %+v", ack.Jobs)
	}
}

func TestEnqueue_MalformedJobsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetLogger(zap.New(core))
	defer logging.SetLogger(nil)

	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": "j1"})
	}))
	defer ts.Close()

	ack, err := c.Enqueue(context.Background(), protocol.KindPreview, []models.FolderKey{{Hash: "h1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ack.Jobs) != 0 || len(ack.Raw) == 0 {
		t.Errorf("expected raw ack without jobs, got %+v", ack)
	}

	entries := logs.FilterMessage("ack carries no usable job list").All()
	if len(entries) != 1 {
		t.Fatalf("expected the decode failure to be logged once, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["path"]; got != protocol.PathEnqueue {
		t.Errorf("expected path field %q, got %v", protocol.PathEnqueue, got)
	}
}

func TestAddCandidates_Body(t *testing.T) {
	var got map[string]interface{}
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.PathAddCandidates {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	}))
	defer ts.Close()

	artist := "Nina Simone"
	_, err := c.AddCandidates(context.Background(), protocol.AddCandidatesRequest{
		FolderHashes: []string{"h1"},
		SearchIDs:    []string{"mb123"},
		SearchArtist: &artist,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["search_artist"] != "Nina Simone" {
		t.Errorf("expected search_artist, got %v", got["search_artist"])
	}
	if _, ok := got["search_album"]; ok {
		t.Error("search_album should be omitted when nil")
	}
}

func TestAddCandidates_RequiresHash(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := c.AddCandidates(context.Background(), protocol.AddCandidatesRequest{SearchIDs: []string{"x"}}); err == nil {
		t.Fatal("expected error without folder hash")
	}
}

func TestPing(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.PathHealth {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsOnline() {
		t.Error("expected client to be online")
	}
	if c.LastContact().IsZero() {
		t.Error("expected last contact to be recorded")
	}
}

func TestContextCancelledIsTransportError(t *testing.T) {
	block := make(chan struct{})
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer ts.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.SessionByFolder(ctx, models.ByHash("h1"))
	if _, ok := AsTransportError(err); !ok {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded cause, got %v", err)
	}
}
