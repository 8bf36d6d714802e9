package push

import (
	"sync"

	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
)

// DefaultJobCapacity is the number of job mappings a JobIndex keeps.
const DefaultJobCapacity = 1024

// JobResolver maps a job id to the folder it works on.
type JobResolver interface {
	ResolveJob(jobID string) (models.FolderKey, bool)
}

// JobIndex remembers which folder each enqueued job belongs to. Mappings are
// dropped once the job reaches a terminal status or when capacity is
// exceeded, oldest first.
type JobIndex struct {
	mu       sync.Mutex
	capacity int
	jobs     map[string]models.FolderKey
	order    []string
}

// NewJobIndex creates an index holding up to capacity jobs.
func NewJobIndex(capacity int) *JobIndex {
	if capacity <= 0 {
		capacity = DefaultJobCapacity
	}
	return &JobIndex{
		capacity: capacity,
		jobs:     make(map[string]models.FolderKey),
	}
}

// Record maps jobID to key.
func (j *JobIndex) Record(jobID string, key models.FolderKey) {
	if jobID == "" || key.IsZero() {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.jobs[jobID]; !ok {
		j.order = append(j.order, jobID)
	}
	j.jobs[jobID] = key

	for len(j.jobs) > j.capacity && len(j.order) > 0 {
		oldest := j.order[0]
		j.order = j.order[1:]
		delete(j.jobs, oldest)
	}
}

// RecordAck records every job listed in an enqueue acknowledgement and
// returns how many were recorded.
func (j *JobIndex) RecordAck(ack *protocol.Ack) int {
	if ack == nil {
		return 0
	}
	n := 0
	for _, ref := range ack.Jobs {
		key := models.FolderKey{Hash: ref.FolderHash, Path: ref.FolderPath}
		if ref.JobID == "" || key.IsZero() {
			continue
		}
		j.Record(ref.JobID, key)
		n++
	}
	return n
}

// ResolveJob returns the folder recorded for jobID.
func (j *JobIndex) ResolveJob(jobID string) (models.FolderKey, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	key, ok := j.jobs[jobID]
	return key, ok
}

// Forget drops the mapping for jobID.
func (j *JobIndex) Forget(jobID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.jobs[jobID]; !ok {
		return
	}
	delete(j.jobs, jobID)
	for i, id := range j.order {
		if id == jobID {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of recorded jobs.
func (j *JobIndex) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.jobs)
}

// terminalJobStatus reports whether a job status is final.
func terminalJobStatus(status string) bool {
	switch status {
	case "finished", "failed", "stopped", "canceled":
		return true
	}
	return false
}
