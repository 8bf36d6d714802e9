// Package fakebackend is an in-memory stand-in for the beets-flask backend:
// the session endpoints plus websocket and SSE push channels. It backs the
// devserver command and the end-to-end tests.
package fakebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
)

// Push endpoints served next to the session API.
const (
	PathWebSocket = "/ws"
	PathEvents    = "/events"
)

// Options configures a Server.
type Options struct {
	// Token, when set, is required as a bearer token on every request.
	Token string
	// JobDelay, when positive, completes enqueued jobs after the delay and
	// publishes the matching push events.
	JobDelay time.Duration
}

type failure struct {
	status int
	body   string
}

// Server holds sessions in memory and serves the backend API.
type Server struct {
	opts        Options
	broadcaster *Broadcaster

	mu       sync.Mutex
	byHash   map[string]*models.SessionState
	byPath   map[string]*models.SessionState
	calls    map[string]int
	failures map[string][]failure
	enqueues []protocol.EnqueueRequest
	adds     []protocol.AddCandidatesRequest

	wg sync.WaitGroup
}

// New creates an empty backend.
func New(opts Options) *Server {
	return &Server{
		opts:        opts,
		broadcaster: NewBroadcaster(),
		byHash:      make(map[string]*models.SessionState),
		byPath:      make(map[string]*models.SessionState),
		calls:       make(map[string]int),
		failures:    make(map[string][]failure),
	}
}

// Handler returns the HTTP handler for the backend.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.PathHealth, s.handleHealth)
	mux.HandleFunc("POST "+protocol.PathSessionByFolder, s.handleSessionByFolder)
	mux.HandleFunc("POST "+protocol.PathEnqueue, s.handleEnqueue)
	mux.HandleFunc("POST "+protocol.PathAddCandidates, s.handleAddCandidates)
	mux.HandleFunc("GET "+PathWebSocket, s.handleWebSocket)
	mux.HandleFunc("GET "+PathEvents, s.handleEvents)
	return logging.Middleware(s.middleware(mux))
}

// Wait blocks until simulated jobs have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ─── State ──────────────────────────────────────────────────────────────────

// PutSession stores or replaces a session.
func (s *Server) PutSession(session models.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(&session)
}

func (s *Server) putLocked(session *models.SessionState) {
	session.Raw = nil
	if old, ok := s.byPath[session.FolderPath]; ok && session.FolderPath != "" && old.FolderHash != session.FolderHash {
		delete(s.byHash, old.FolderHash)
	}
	if session.FolderHash != "" {
		s.byHash[session.FolderHash] = session
	}
	if session.FolderPath != "" {
		s.byPath[session.FolderPath] = session
	}
}

// RemoveSession deletes the session matching key.
func (s *Server) RemoveSession(key models.FolderKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.lookupLocked(key)
	if session == nil {
		return
	}
	delete(s.byHash, session.FolderHash)
	delete(s.byPath, session.FolderPath)
}

// SetStatus changes the status of the session with the given hash and
// publishes a folder_status_update. It reports whether the session exists.
func (s *Server) SetStatus(hash, status string) bool {
	s.mu.Lock()
	session, ok := s.byHash[hash]
	var path string
	if ok {
		updated := *session
		updated.Status = status
		s.putLocked(&updated)
		path = updated.FolderPath
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.Publish(models.StatusEvent{
		Kind:       models.EventFolderStatus,
		FolderHash: hash,
		FolderPath: path,
		NewStatus:  status,
	})
	return true
}

// Session returns a copy of the stored session matching key.
func (s *Server) Session(key models.FolderKey) (models.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.lookupLocked(key)
	if session == nil {
		return models.SessionState{}, false
	}
	return *session, true
}

func (s *Server) lookupLocked(key models.FolderKey) *models.SessionState {
	if key.Hash != "" {
		if session, ok := s.byHash[key.Hash]; ok {
			return session
		}
	}
	if key.Path != "" {
		if session, ok := s.byPath[key.Path]; ok {
			return session
		}
	}
	return nil
}

// FailNext makes the next request to path answer with status and body
// instead of being handled. Failures queue up per path.
func (s *Server) FailNext(path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], failure{status: status, body: body})
}

// Calls returns how many requests reached path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Enqueued returns the enqueue requests received so far.
func (s *Server) Enqueued() []protocol.EnqueueRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.EnqueueRequest(nil), s.enqueues...)
}

// AddedCandidates returns the add-candidates requests received so far.
func (s *Server) AddedCandidates() []protocol.AddCandidatesRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.AddCandidatesRequest(nil), s.adds...)
}

// ─── Push ───────────────────────────────────────────────────────────────────

// Publish sends an event to every push client.
func (s *Server) Publish(ev models.StatusEvent) {
	msg, err := protocol.EncodeEvent(ev)
	if err != nil {
		logging.Warn("fakebackend: cannot encode event", logging.Err(err))
		return
	}
	s.broadcaster.Publish(msg)
}

// PublishRaw sends msg to every push client as is.
func (s *Server) PublishRaw(msg protocol.PushMessage) {
	s.broadcaster.Publish(msg)
}

// PushClients returns the number of connected push clients.
func (s *Server) PushClients() int {
	return s.broadcaster.Count()
}

// DisconnectPush drops every push connection and returns how many there were.
func (s *Server) DisconnectPush() int {
	return s.broadcaster.DisconnectAll()
}

// ─── Middleware ─────────────────────────────────────────────────────────────

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" && r.URL.Path != protocol.PathHealth {
			if r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
				s.sendError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid token")
				return
			}
		}

		s.mu.Lock()
		s.calls[r.URL.Path]++
		var fail *failure
		if queue := s.failures[r.URL.Path]; len(queue) > 0 {
			fail = &queue[0]
			s.failures[r.URL.Path] = queue[1:]
		}
		s.mu.Unlock()

		if fail != nil {
			w.WriteHeader(fail.status)
			io.WriteString(w, fail.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionByFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionByFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "InvalidUsageException", "invalid request body")
		return
	}

	key := models.FolderKey{}
	if len(req.FolderHashes) > 0 {
		key.Hash = req.FolderHashes[0]
	}
	if len(req.FolderPaths) > 0 {
		key.Path = req.FolderPaths[0]
	}
	if key.IsZero() {
		s.sendError(w, http.StatusBadRequest, "InvalidUsageException", "folder_hashes or folder_paths required")
		return
	}

	session, ok := s.Session(key)
	if !ok {
		sendJSON(w, http.StatusOK, protocol.LookupError{Error: protocol.NotFoundMessage})
		return
	}
	sendJSON(w, http.StatusOK, session)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req protocol.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "InvalidUsageException", "invalid request body")
		return
	}
	if !req.Kind.Valid() {
		s.sendError(w, http.StatusBadRequest, "InvalidUsageException", fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}
	if len(req.FolderHashes) != len(req.FolderPaths) {
		s.sendError(w, http.StatusBadRequest, "InvalidUsageException", "folder_hashes and folder_paths differ in length")
		return
	}

	ack := protocol.Ack{Jobs: make([]protocol.JobRef, 0, len(req.FolderHashes))}
	s.mu.Lock()
	s.enqueues = append(s.enqueues, req)
	for i := range req.FolderHashes {
		key := models.FolderKey{Hash: req.FolderHashes[i], Path: req.FolderPaths[i]}
		session := s.lookupLocked(key)
		if session == nil {
			// New folders get a session and a hash on first enqueue.
			session = &models.SessionState{
				FolderHash: key.Hash,
				FolderPath: key.Path,
				Status:     "pending",
			}
			if session.FolderHash == "" {
				session.FolderHash = "h-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
			}
			s.putLocked(session)
		}
		ack.Jobs = append(ack.Jobs, protocol.JobRef{
			JobID:      uuid.NewString(),
			FolderHash: session.FolderHash,
			FolderPath: session.FolderPath,
		})
	}
	s.mu.Unlock()

	if s.opts.JobDelay > 0 {
		for _, job := range ack.Jobs {
			s.simulateJob(job, req.Kind)
		}
	}
	sendJSON(w, http.StatusOK, ack)
}

func (s *Server) handleAddCandidates(w http.ResponseWriter, r *http.Request) {
	var req protocol.AddCandidatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "InvalidUsageException", "invalid request body")
		return
	}
	if len(req.FolderHashes) == 0 {
		s.sendError(w, http.StatusBadRequest, "InvalidUsageException", "folder_hashes required")
		return
	}
	if _, ok := s.Session(models.ByHash(req.FolderHashes[0])); !ok {
		s.sendError(w, http.StatusNotFound, "NotFoundException", "no session for folder "+req.FolderHashes[0])
		return
	}

	s.mu.Lock()
	s.adds = append(s.adds, req)
	s.mu.Unlock()
	sendJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logging.Warn("fakebackend: websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	// Client frames are ignored; CloseRead ends ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "ServerError", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()
		}
	}
}

// simulateJob completes a job after the configured delay.
func (s *Server) simulateJob(job protocol.JobRef, kind protocol.EnqueueKind) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Publish(models.StatusEvent{Kind: models.EventJobStatus, JobID: job.JobID, NewStatus: "started"})
		time.Sleep(s.opts.JobDelay)

		status := "tagged"
		if strings.HasPrefix(string(kind), "import_") && kind != protocol.KindImportUndo {
			status = "imported"
		}
		s.SetStatus(job.FolderHash, status)
		s.Publish(models.StatusEvent{Kind: models.EventJobStatus, JobID: job.JobID, NewStatus: "finished"})
	}()
}

func (s *Server) sendError(w http.ResponseWriter, code int, typ, message string) {
	sendJSON(w, code, protocol.ErrorResponse{Type: typ, Message: message})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
