// Package models contains the data types shared by the sync layer.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyKey is returned when a FolderKey carries neither hash nor path.
var ErrEmptyKey = errors.New("folder key needs a hash or a path")

// FolderKey identifies a folder's tagging session. The hash is assigned once
// the backend has created a session; the path is always known.
type FolderKey struct {
	Hash string `json:"folder_hash,omitempty"`
	Path string `json:"folder_path,omitempty"`
}

// ByHash returns a key identified by hash only.
func ByHash(hash string) FolderKey {
	return FolderKey{Hash: hash}
}

// ByPath returns a key identified by path only.
func ByPath(path string) FolderKey {
	return FolderKey{Path: path}
}

// Validate reports whether at least one identity field is set.
func (k FolderKey) Validate() error {
	if k.Hash == "" && k.Path == "" {
		return ErrEmptyKey
	}
	return nil
}

// IsZero returns true if neither hash nor path is set.
func (k FolderKey) IsZero() bool {
	return k.Hash == "" && k.Path == ""
}

// Normalized returns the de-duplication identity of the key. The hash is
// preferred when present.
func (k FolderKey) Normalized() string {
	if k.Hash != "" {
		return "h:" + k.Hash
	}
	return "p:" + k.Path
}

// SameEntity reports whether k and o refer to the same folder: hashes match,
// or one side lacks a hash and the paths match.
func (k FolderKey) SameEntity(o FolderKey) bool {
	if k.Hash != "" && o.Hash != "" {
		return k.Hash == o.Hash
	}
	return k.Path != "" && k.Path == o.Path
}

func (k FolderKey) String() string {
	switch {
	case k.Hash != "" && k.Path != "":
		return fmt.Sprintf("%s (%s)", k.Path, k.Hash)
	case k.Hash != "":
		return k.Hash
	default:
		return k.Path
	}
}

// SessionState is the server-side state of a folder session as observed by
// the client. Only the identity fields and status are interpreted; Raw keeps
// the full payload so the object can be passed on unchanged.
type SessionState struct {
	FolderHash string
	FolderPath string
	Status     string
	Raw        json.RawMessage
}

// Key returns the identity the server reported for this session.
func (s *SessionState) Key() FolderKey {
	return FolderKey{Hash: s.FolderHash, Path: s.FolderPath}
}

type sessionWire struct {
	FolderHash string          `json:"folder_hash"`
	FolderPath string          `json:"folder_path"`
	Status     json.RawMessage `json:"status"`
}

// UnmarshalJSON decodes identity fields and keeps the raw payload. The status
// may be a plain string or an object with a "progress" or "value" member.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	var w sessionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.FolderHash = w.FolderHash
	s.FolderPath = w.FolderPath
	s.Status = decodeStatus(w.Status)
	s.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the raw payload when present.
func (s SessionState) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	return json.Marshal(struct {
		FolderHash string `json:"folder_hash"`
		FolderPath string `json:"folder_path"`
		Status     string `json:"status,omitempty"`
	}{s.FolderHash, s.FolderPath, s.Status})
}

func decodeStatus(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return str
	}
	var obj struct {
		Progress string `json:"progress"`
		Value    string `json:"value"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Progress != "" {
			return obj.Progress
		}
		return obj.Value
	}
	return ""
}

// EventKind distinguishes push events.
type EventKind string

const (
	EventFolderStatus EventKind = "folder_status"
	EventJobStatus    EventKind = "job_status"
)

// StatusEvent is a server push notification. It is only used to decide which
// cache entries to invalidate, never merged into cached data.
type StatusEvent struct {
	Kind       EventKind
	FolderHash string
	FolderPath string
	JobID      string
	NewStatus  string
}

// Folder returns the folder identity carried by the event, if any.
func (e StatusEvent) Folder() FolderKey {
	return FolderKey{Hash: e.FolderHash, Path: e.FolderPath}
}
