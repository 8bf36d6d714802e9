// Package protocol defines the backend API request/response types.
package protocol

import (
	"encoding/json"

	"github.com/pspitzner/beetsflask-sync/pkg/models"
)

// Endpoint paths, relative to the API base URL.
const (
	PathSessionByFolder = "/session/by_folder"
	PathEnqueue         = "/session/enqueue"
	PathAddCandidates   = "/session/add_candidates"
	PathHealth          = "/health"
)

// NotFoundMessage is the error string the backend uses for a missing session.
const NotFoundMessage = "Not Found"

// SessionByFolderRequest is the body for POST /session/by_folder.
type SessionByFolderRequest struct {
	FolderHashes []string `json:"folder_hashes"`
	FolderPaths  []string `json:"folder_paths"`
}

// NewSessionByFolderRequest builds a lookup for a single folder.
func NewSessionByFolderRequest(key models.FolderKey) SessionByFolderRequest {
	req := SessionByFolderRequest{FolderHashes: []string{}, FolderPaths: []string{}}
	if key.Hash != "" {
		req.FolderHashes = append(req.FolderHashes, key.Hash)
	}
	if key.Path != "" {
		req.FolderPaths = append(req.FolderPaths, key.Path)
	}
	return req
}

// EnqueueKind selects the job the backend runs for a folder.
type EnqueueKind string

const (
	KindPreview              EnqueueKind = "preview"
	KindPreviewAddCandidates EnqueueKind = "preview_add_candidates"
	KindImportAuto           EnqueueKind = "import_auto"
	KindImportBest           EnqueueKind = "import_best"
	KindImportCandidate      EnqueueKind = "import_candidate"
	KindImportBootleg        EnqueueKind = "import_bootleg"
	KindImportUndo           EnqueueKind = "import_undo"
)

var enqueueKinds = map[EnqueueKind]struct{}{
	KindPreview:              {},
	KindPreviewAddCandidates: {},
	KindImportAuto:           {},
	KindImportBest:           {},
	KindImportCandidate:      {},
	KindImportBootleg:        {},
	KindImportUndo:           {},
}

// Valid reports whether the backend knows this kind.
func (k EnqueueKind) Valid() bool {
	_, ok := enqueueKinds[k]
	return ok
}

// EnqueueRequest is the body for POST /session/enqueue.
// Hashes and paths are parallel arrays; an unknown hash is sent as "".
type EnqueueRequest struct {
	Kind         EnqueueKind `json:"kind"`
	FolderHashes []string    `json:"folder_hashes"`
	FolderPaths  []string    `json:"folder_paths"`
}

// NewEnqueueRequest builds an enqueue body for the selected folders.
func NewEnqueueRequest(kind EnqueueKind, selected []models.FolderKey) EnqueueRequest {
	req := EnqueueRequest{
		Kind:         kind,
		FolderHashes: make([]string, 0, len(selected)),
		FolderPaths:  make([]string, 0, len(selected)),
	}
	for _, k := range selected {
		req.FolderHashes = append(req.FolderHashes, k.Hash)
		req.FolderPaths = append(req.FolderPaths, k.Path)
	}
	return req
}

// AddCandidatesRequest is the body for POST /session/add_candidates.
type AddCandidatesRequest struct {
	FolderHashes []string `json:"folder_hashes"`
	SearchIDs    []string `json:"search_ids"`
	SearchArtist *string  `json:"search_artist,omitempty"`
	SearchAlbum  *string  `json:"search_album,omitempty"`
}

// JobRef ties a job scheduled by the backend to its folder.
type JobRef struct {
	JobID      string `json:"job_id"`
	FolderHash string `json:"folder_hash,omitempty"`
	FolderPath string `json:"folder_path,omitempty"`
}

// Ack is the acknowledgement returned by mutation endpoints. Apart from the
// optional job list its content is opaque.
type Ack struct {
	Jobs []JobRef       `json:"jobs,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// ErrorResponse is the structured error body returned by the backend.
type ErrorResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
	Trace       string `json:"trace,omitempty"`
}

// Valid reports whether the body matched the structured error shape.
func (e ErrorResponse) Valid() bool {
	return e.Type != "" && e.Message != ""
}

// LookupError is the body the session lookup returns instead of a session,
// e.g. {"error": "Not Found"}.
type LookupError struct {
	Error string `json:"error"`
}
