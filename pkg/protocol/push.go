package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pspitzner/beetsflask-sync/pkg/models"
)

// Push event names as sent by the backend.
const (
	EventFolderStatusUpdate = "folder_status_update"
	EventJobStatusUpdate    = "job_status_update"
)

// PushMessage is the envelope of a websocket push frame.
type PushMessage struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// FolderStatusUpdate is the payload of folder_status_update.
type FolderStatusUpdate struct {
	FolderHash string `json:"hash,omitempty"`
	FolderPath string `json:"path,omitempty"`
	Status     string `json:"status"`
}

// JobStatusUpdate is the payload of job_status_update.
type JobStatusUpdate struct {
	JobID      string `json:"job_id"`
	FolderHash string `json:"hash,omitempty"`
	FolderPath string `json:"path,omitempty"`
	Status     string `json:"status"`
}

// UnknownEventError is returned by DecodeEvent for event names the sync layer
// does not route.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown push event %q", e.Event)
}

// DecodeEvent maps a named push payload to a StatusEvent.
func DecodeEvent(event string, data []byte) (models.StatusEvent, error) {
	switch event {
	case EventFolderStatusUpdate:
		var p FolderStatusUpdate
		if err := json.Unmarshal(data, &p); err != nil {
			return models.StatusEvent{}, fmt.Errorf("decode %s: %w", event, err)
		}
		return models.StatusEvent{
			Kind:       models.EventFolderStatus,
			FolderHash: p.FolderHash,
			FolderPath: p.FolderPath,
			NewStatus:  p.Status,
		}, nil
	case EventJobStatusUpdate:
		var p JobStatusUpdate
		if err := json.Unmarshal(data, &p); err != nil {
			return models.StatusEvent{}, fmt.Errorf("decode %s: %w", event, err)
		}
		return models.StatusEvent{
			Kind:       models.EventJobStatus,
			FolderHash: p.FolderHash,
			FolderPath: p.FolderPath,
			JobID:      p.JobID,
			NewStatus:  p.Status,
		}, nil
	default:
		return models.StatusEvent{}, &UnknownEventError{Event: event}
	}
}

// EncodeEvent builds the push envelope for a StatusEvent.
func EncodeEvent(e models.StatusEvent) (PushMessage, error) {
	var (
		name    string
		payload any
	)
	switch e.Kind {
	case models.EventFolderStatus:
		name = EventFolderStatusUpdate
		payload = FolderStatusUpdate{FolderHash: e.FolderHash, FolderPath: e.FolderPath, Status: e.NewStatus}
	case models.EventJobStatus:
		name = EventJobStatusUpdate
		payload = JobStatusUpdate{JobID: e.JobID, FolderHash: e.FolderHash, FolderPath: e.FolderPath, Status: e.NewStatus}
	default:
		return PushMessage{}, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return PushMessage{}, err
	}
	return PushMessage{Event: name, Data: data}, nil
}
