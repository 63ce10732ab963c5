package tracker

import (
	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/metrics"
	"github.com/fieldops/safesync/internal/syncerr"
	"github.com/fieldops/safesync/internal/validate"
)

// Result is what a syncer reports for one entity.
type Result struct {
	Session    *Session
	EntityType entity.Type
	EntityID   string
	Operation  Operation
	Changes    []entity.FieldChange
	Repairs    []validate.Repair
	Reason     string
	Err        error
}

// Events is the single funnel for sync outcomes. One Record call updates
// the session counters, the change tracker, the notifier windows, and the
// counter metrics, so they can never disagree.
type Events struct {
	tracker  *Tracker
	notifier *Notifier
}

// NewEvents wires the funnel. The notifier may be nil in tests.
func NewEvents(t *Tracker, n *Notifier) *Events {
	return &Events{tracker: t, notifier: n}
}

// Tracker exposes the underlying change tracker for read paths.
func (e *Events) Tracker() *Tracker { return e.tracker }

// Notifier exposes the underlying notifier for read paths.
func (e *Events) Notifier() *Notifier { return e.notifier }

// Record applies one outcome.
func (e *Events) Record(res Result) ChangeEvent {
	if res.Session != nil {
		res.Session.addOutcome(res.Operation)
		metrics.RecordsProcessed.WithLabelValues(res.Session.SyncType).Inc()
	}

	ev := ChangeEvent{
		SessionID:  sessionID(res.Session),
		EntityType: res.EntityType,
		EntityID:   res.EntityID,
		Operation:  res.Operation,
		Changes:    res.Changes,
		Repairs:    res.Repairs,
		Reason:     res.Reason,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
		code := syncerr.CodeOf(res.Err)
		metrics.Errors.WithLabelValues(string(code), string(res.EntityType), "sync").Inc()
		if e.notifier != nil {
			e.notifier.RecordError(code, res.EntityType, res.EntityID)
		}
	}
	return e.tracker.Append(ev)
}

func sessionID(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
