// Package tracker records what a sync session did: per-entity change
// events, session counters, error windows, and operator notifications.
// Syncers report through a single Record call so counters, events, and
// error windows always agree.
package tracker

import (
	"sync"
	"time"
)

// SessionStatus is the lifecycle of one sync run.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Counts tallies terminal outcomes. Processed is always the sum of the
// other four.
type Counts struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Session is one bounded sync run. The engine owns creation and
// finalization; the event manager owns counter updates.
type Session struct {
	mu sync.Mutex

	ID        string        `json:"session_id"`
	SyncType  string        `json:"sync_type"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Status    SessionStatus `json:"status"`
	Counts    Counts        `json:"counts"`

	CurrentOp string  `json:"current_operation,omitempty"`
	Progress  float64 `json:"progress"`
}

// NewSession starts a running session.
func NewSession(id, syncType string) *Session {
	return &Session{
		ID:        id,
		SyncType:  syncType,
		StartedAt: time.Now(),
		Status:    SessionRunning,
	}
}

// SetOperation updates the currently visible operation and progress.
func (s *Session) SetOperation(op string, progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentOp = op
	s.Progress = progress
}

// Finish marks the session terminal.
func (s *Session) Finish(status SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.EndedAt = &now
	s.Status = status
	s.CurrentOp = ""
}

// Snapshot returns a copy safe to serialize.
func (s *Session) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := Session{
		ID:        s.ID,
		SyncType:  s.SyncType,
		StartedAt: s.StartedAt,
		Status:    s.Status,
		Counts:    s.Counts,
		CurrentOp: s.CurrentOp,
		Progress:  s.Progress,
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return cp
}

func (s *Session) addOutcome(op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Counts.Processed++
	switch op {
	case OpCreated:
		s.Counts.Created++
	case OpUpdated:
		s.Counts.Updated++
	case OpDeleted:
		// Deletes count as updates to keep the processed-sum invariant.
		s.Counts.Updated++
	case OpSkipped:
		s.Counts.Skipped++
	case OpError:
		s.Counts.Errors++
	}
}
