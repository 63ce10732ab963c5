package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/metrics"
	"github.com/fieldops/safesync/internal/validate"
)

// Operation is the terminal outcome for one entity in one session.
type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
	OpSkipped Operation = "skipped"
	OpError   Operation = "error"
)

// ChangeEvent is the append-only record of one outcome.
type ChangeEvent struct {
	ID         string               `json:"id"`
	SessionID  string               `json:"session_id"`
	Timestamp  time.Time            `json:"timestamp"`
	EntityType entity.Type          `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Operation  Operation            `json:"operation"`
	Changes    []entity.FieldChange `json:"changes,omitempty"`
	Repairs    []validate.Repair    `json:"repairs,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Tracker appends change events to the session-scoped store and to the
// daily JSONL artifact. Events for errors also land in the error log.
type Tracker struct {
	outputDir string

	mu       sync.Mutex
	events   map[string][]ChangeEvent // session id -> events
	order    []string                 // session ids, oldest first
	maxKeep  int
	changesF *os.File
	changesD string // date the open file belongs to
	errorsF  *os.File
}

// NewTracker creates the tracker; output files open lazily.
func NewTracker(outputDir string) *Tracker {
	return &Tracker{
		outputDir: outputDir,
		events:    make(map[string][]ChangeEvent),
		maxKeep:   16,
	}
}

// Append records one event. Counter metrics update here so every change
// increments changes_total exactly once.
func (t *Tracker) Append(ev ChangeEvent) ChangeEvent {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	status := "success"
	if ev.Operation == OpError {
		status = "error"
	}
	metrics.Changes.WithLabelValues(string(ev.EntityType), string(ev.Operation), status).Inc()

	t.mu.Lock()
	if _, ok := t.events[ev.SessionID]; !ok {
		t.order = append(t.order, ev.SessionID)
		if len(t.order) > t.maxKeep {
			drop := t.order[0]
			t.order = t.order[1:]
			delete(t.events, drop)
		}
	}
	t.events[ev.SessionID] = append(t.events[ev.SessionID], ev)
	t.mu.Unlock()

	t.writeJSONL(ev)
	return ev
}

// Events returns the recorded events for a session, in append order.
func (t *Tracker) Events(sessionID string) []ChangeEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	evs := t.events[sessionID]
	out := make([]ChangeEvent, len(evs))
	copy(out, evs)
	return out
}

// Recent returns up to limit events across sessions, newest first.
func (t *Tracker) Recent(limit int) []ChangeEvent {
	if limit <= 0 {
		limit = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ChangeEvent
	for i := len(t.order) - 1; i >= 0 && len(out) < limit; i-- {
		evs := t.events[t.order[i]]
		for j := len(evs) - 1; j >= 0 && len(out) < limit; j-- {
			out = append(out, evs[j])
		}
	}
	return out
}

// writeJSONL appends to output/changes/<date>.jsonl and, for errors,
// output/errors/error_log.jsonl. File write failures are logged and
// swallowed: artifacts must never block the sync.
func (t *Tracker) writeJSONL(ev ChangeEvent) {
	if t.outputDir == "" {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	raw = append(raw, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	date := ev.Timestamp.UTC().Format("2006-01-02")
	if t.changesF == nil || t.changesD != date {
		if t.changesF != nil {
			t.changesF.Close()
		}
		dir := filepath.Join(t.outputDir, "changes")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			f, err := os.OpenFile(filepath.Join(dir, date+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err == nil {
				t.changesF = f
				t.changesD = date
			} else {
				log.Warn().Err(err).Msg("cannot open change log file")
			}
		}
	}
	if t.changesF != nil {
		if _, err := t.changesF.Write(raw); err != nil {
			log.Warn().Err(err).Msg("change log write failed")
		}
	}

	if ev.Operation != OpError {
		return
	}
	if t.errorsF == nil {
		dir := filepath.Join(t.outputDir, "errors")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			f, err := os.OpenFile(filepath.Join(dir, "error_log.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err == nil {
				t.errorsF = f
			} else {
				log.Warn().Err(err).Msg("cannot open error log file")
			}
		}
	}
	if t.errorsF != nil {
		if _, err := t.errorsF.Write(raw); err != nil {
			log.Warn().Err(err).Msg("error log write failed")
		}
	}
}

// Close flushes the artifact files.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.changesF != nil {
		t.changesF.Close()
		t.changesF = nil
	}
	if t.errorsF != nil {
		t.errorsF.Close()
		t.errorsF = nil
	}
}
