package fakebackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
)

func post(t *testing.T, ts *httptest.Server, path string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, out
}

func TestSessionByFolder(t *testing.T) {
	srv := New(Options{})
	srv.PutSession(models.SessionState{FolderHash: "h1", FolderPath: "/inbox/a", Status: "pending"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, body := post(t, ts, protocol.PathSessionByFolder, protocol.NewSessionByFolderRequest(models.ByPath("/inbox/a")))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var s models.SessionState
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatal(err)
	}
	if s.FolderHash != "h1" || s.Status != "pending" {
		t.Errorf("unexpected session: %+v", s)
	}

	_, body = post(t, ts, protocol.PathSessionByFolder, protocol.NewSessionByFolderRequest(models.ByHash("nope")))
	var le protocol.LookupError
	if err := json.Unmarshal(body, &le); err != nil || le.Error != protocol.NotFoundMessage {
		t.Errorf("expected not found body, got %s", body)
	}
	if srv.Calls(protocol.PathSessionByFolder) != 2 {
		t.Errorf("expected 2 calls, got %d", srv.Calls(protocol.PathSessionByFolder))
	}
}

func TestEnqueueCreatesSession(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req := protocol.NewEnqueueRequest(protocol.KindPreview, []models.FolderKey{models.ByPath("/inbox/new")})
	status, body := post(t, ts, protocol.PathEnqueue, req)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}

	var ack protocol.Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatal(err)
	}
	if len(ack.Jobs) != 1 || ack.Jobs[0].FolderHash == "" || ack.Jobs[0].FolderPath != "/inbox/new" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	s, ok := srv.Session(models.ByHash(ack.Jobs[0].FolderHash))
	if !ok || s.FolderPath != "/inbox/new" {
		t.Errorf("expected session to be created, got %+v", s)
	}
	if len(srv.Enqueued()) != 1 {
		t.Errorf("expected 1 recorded enqueue, got %d", len(srv.Enqueued()))
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, body := post(t, ts, protocol.PathEnqueue, protocol.EnqueueRequest{Kind: "bogus", FolderHashes: []string{"h1"}, FolderPaths: []string{""}})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	var er protocol.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || !er.Valid() {
		t.Errorf("expected structured error, got %s", body)
	}
}

func TestAddCandidatesUnknownFolder(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, _ := post(t, ts, protocol.PathAddCandidates, protocol.AddCandidatesRequest{FolderHashes: []string{"h1"}, SearchIDs: []string{"mb1"}})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	srv.PutSession(models.SessionState{FolderHash: "h1", FolderPath: "/a"})
	status, _ = post(t, ts, protocol.PathAddCandidates, protocol.AddCandidatesRequest{FolderHashes: []string{"h1"}, SearchIDs: []string{"mb1"}})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if adds := srv.AddedCandidates(); len(adds) != 1 || adds[0].SearchIDs[0] != "mb1" {
		t.Errorf("unexpected recorded requests: %+v", adds)
	}
}

func TestFailNext(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	srv.FailNext(protocol.PathSessionByFolder, http.StatusBadGateway, "upstream down")
	status, body := post(t, ts, protocol.PathSessionByFolder, protocol.NewSessionByFolderRequest(models.ByHash("h1")))
	if status != http.StatusBadGateway || string(body) != "upstream down" {
		t.Fatalf("expected injected failure, got %d %q", status, body)
	}
	status, _ = post(t, ts, protocol.PathSessionByFolder, protocol.NewSessionByFolderRequest(models.ByHash("h1")))
	if status != http.StatusOK {
		t.Fatalf("expected failure to be consumed, got %d", status)
	}
}

func TestTokenRequired(t *testing.T) {
	srv := New(Options{Token: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, _ := post(t, ts, protocol.PathSessionByFolder, protocol.NewSessionByFolderRequest(models.ByHash("h1")))
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}

	resp, err := http.Get(ts.URL + protocol.PathHealth)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health should not need a token, got %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	srv := New(Options{})
	srv.PutSession(models.SessionState{FolderHash: "h1", FolderPath: "/a", Status: "pending"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+PathEvents, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.PushClients() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !srv.SetStatus("h1", "imported") {
		t.Fatal("SetStatus: session missing")
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(lines) > 0 {
				break
			}
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "event: "+protocol.EventFolderStatusUpdate {
		t.Fatalf("unexpected event lines: %q", lines)
	}
	if !strings.Contains(lines[1], `"status":"imported"`) {
		t.Errorf("expected status in payload, got %q", lines[1])
	}
}

func TestRequestsLoggedWithRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logging.SetLogger(zap.New(core))
	defer logging.SetLogger(nil)

	srv := New(Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+protocol.PathHealth, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(logging.RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(logging.RequestIDHeader); got != "req-42" {
		t.Errorf("expected request id echoed, got %q", got)
	}

	status, _ := post(t, ts, protocol.PathAddCandidates, protocol.AddCandidatesRequest{FolderHashes: []string{"nope"}})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	completed := logs.FilterMessage("request completed")
	deadline := time.Now().Add(2 * time.Second)
	for completed.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		completed = logs.FilterMessage("request completed")
	}
	entries := completed.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 logged requests, got %d", len(entries))
	}
	first, second := entries[0].ContextMap(), entries[1].ContextMap()
	if first["request_id"] != "req-42" || first["path"] != protocol.PathHealth {
		t.Errorf("unexpected first entry %v", first)
	}
	if second["status"] != int64(http.StatusNotFound) {
		t.Errorf("expected 404 status field, got %v", second["status"])
	}
	if id, _ := second["request_id"].(string); id == "" || id == "req-42" {
		t.Errorf("expected a generated request id, got %v", second["request_id"])
	}
}
