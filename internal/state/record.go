package state

import (
	"time"
)

// TaskState is the lifecycle value reported in a status document.
type TaskState string

const (
	StateQueued  TaskState = "queued"
	StateRunning TaskState = "running"
	StateDone    TaskState = "done"
	StateFailed  TaskState = "failed"
	StateStale   TaskState = "stale"
)

// IsTerminal reports whether the state represents a finished task.
func (s TaskState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// TaskRef identifies the task a status document belongs to.
type TaskRef struct {
	ID string `json:"id"`
}

// Checkpoint is an immutable fact recorded after a successfully completed
// step, used for rollback target selection.
type Checkpoint struct {
	Ordinal      int       `json:"ordinal"`
	Timestamp    time.Time `json:"timestamp"`
	Reference    string    `json:"reference"`
	ArtifactRefs []string  `json:"artifactRefs,omitempty"`
}

// RecoveryLock is a short-lived exclusive marker preventing two concurrent
// recovery operations (retry, skip, rollback) on the same task. Only the
// token that created it may release it before it expires.
type RecoveryLock struct {
	AcquiredAt time.Time `json:"acquiredAt"`
	OwnerKind  string    `json:"ownerKind"`
	OwnerToken string    `json:"ownerToken"`
}

// StatusRecord is the mutable progress snapshot for one task. Scalar fields
// are replaced wholesale on every update; Notes and Errors accumulate.
type StatusRecord struct {
	Task          TaskRef   `json:"task"`
	State         TaskState `json:"state"`
	Percent       float64   `json:"percent"`
	Step          string    `json:"step"`
	LastUpdate    time.Time `json:"lastUpdate"`
	Notes         []string  `json:"notes"`
	Errors        []string  `json:"errors"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitzero"`
	PID           int       `json:"pid,omitempty"`

	Checkpoints    []Checkpoint  `json:"checkpoints,omitempty"`
	LastCheckpoint *Checkpoint   `json:"lastCheckpoint,omitempty"`
	RecoveryLock   *RecoveryLock `json:"recoveryLock,omitempty"`
}

// NewStatusRecord returns a fresh record for the given task id.
func NewStatusRecord(id string) *StatusRecord {
	return &StatusRecord{
		Task:   TaskRef{ID: id},
		State:  StateQueued,
		Notes:  []string{},
		Errors: []string{},
	}
}

// SetProgress updates the step, message-free progress fields in one call.
func (r *StatusRecord) SetProgress(step string, percent float64) {
	r.Step = step
	r.Percent = percent
}

// AddNote appends to the accumulating notes array.
func (r *StatusRecord) AddNote(note string) {
	r.Notes = append(r.Notes, note)
}

// AddError appends to the accumulating errors array.
func (r *StatusRecord) AddError(message string) {
	r.Errors = append(r.Errors, message)
}

// Heartbeat refreshes the liveness timestamp.
func (r *StatusRecord) Heartbeat() {
	r.LastHeartbeat = time.Now()
}

// Reset returns the record to a fresh queued snapshot while keeping the
// checkpoint history, which survives requeues as rollback material.
func (r *StatusRecord) Reset() {
	r.State = StateQueued
	r.Percent = 0
	r.Step = ""
	r.Notes = []string{}
	r.Errors = []string{}
	r.LastHeartbeat = time.Time{}
	r.PID = 0
	r.RecoveryLock = nil
}
