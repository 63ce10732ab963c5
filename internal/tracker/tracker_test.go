package tracker

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/syncerr"
)

func TestSessionCountsSumInvariant(t *testing.T) {
	s := NewSession("s1", "full")
	for _, op := range []Operation{OpCreated, OpCreated, OpUpdated, OpDeleted, OpSkipped, OpError} {
		s.addOutcome(op)
	}
	c := s.Snapshot().Counts
	if c.Processed != 6 {
		t.Fatalf("processed = %d, want 6", c.Processed)
	}
	if sum := c.Created + c.Updated + c.Skipped + c.Errors; sum != c.Processed {
		t.Errorf("created+updated+skipped+errors = %d, want %d", sum, c.Processed)
	}
	if c.Updated != 2 {
		t.Errorf("updated = %d, want 2 (deletes tally as updates)", c.Updated)
	}
}

func TestEventsRecordUpdatesSessionAndTracker(t *testing.T) {
	tr := NewTracker("")
	ev := NewEvents(tr, NewNotifier(NotifierConfig{}, nil))
	s := NewSession("s1", "employees")

	ev.Record(Result{
		Session:    s,
		EntityType: entity.TypeEmployee,
		EntityID:   "1001",
		Operation:  OpCreated,
		Changes:    []entity.FieldChange{{Field: "first_name", After: "Jane"}},
	})
	ev.Record(Result{
		Session:    s,
		EntityType: entity.TypeEmployee,
		EntityID:   "1002",
		Operation:  OpError,
		Err:        syncerr.New(syncerr.CodeValidation, "email invalid"),
	})

	c := s.Snapshot().Counts
	if c.Processed != 2 || c.Created != 1 || c.Errors != 1 {
		t.Errorf("counts = %+v", c)
	}

	evs := tr.Events("s1")
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].ID == "" || evs[0].Timestamp.IsZero() {
		t.Error("event id/timestamp not populated")
	}
	if evs[1].Error == "" {
		t.Error("error event missing error text")
	}
	if evs[1].Operation != OpError {
		t.Errorf("operation = %s, want error", evs[1].Operation)
	}
}

func TestEventsRecordFeedsNotifierWindow(t *testing.T) {
	n := NewNotifier(NotifierConfig{Cooldown: time.Minute}, nil)
	ev := NewEvents(NewTracker(""), n)
	s := NewSession("s1", "employees")

	if n.ShouldSend(syncerr.CodeValidation, entity.TypeEmployee) {
		t.Fatal("empty window reports due")
	}
	ev.Record(Result{
		Session: s, EntityType: entity.TypeEmployee, EntityID: "1002",
		Operation: OpError, Err: syncerr.New(syncerr.CodeValidation, "bad"),
	})
	if !n.ShouldSend(syncerr.CodeValidation, entity.TypeEmployee) {
		t.Error("new error in a never-sent window should be due")
	}
	if n.ShouldSend(syncerr.CodeTransport, entity.TypeEmployee) {
		t.Error("unrelated bucket reports due")
	}
}

func TestNotifierCooldown(t *testing.T) {
	n := NewNotifier(NotifierConfig{Cooldown: time.Hour}, nil)
	n.RecordError(syncerr.CodeTransport, entity.TypeVehicle, "v1")

	// Simulate a send: lastSent now, no new errors since.
	key := windowKey{ErrorType: syncerr.CodeTransport, EntityType: entity.TypeVehicle}
	n.mu.Lock()
	n.windows[key].lastSent = time.Now()
	n.windows[key].newSinceSent = 0
	n.mu.Unlock()

	if n.ShouldSend(syncerr.CodeTransport, entity.TypeVehicle) {
		t.Error("no new errors: should not be due")
	}

	n.RecordError(syncerr.CodeTransport, entity.TypeVehicle, "v2")
	if n.ShouldSend(syncerr.CodeTransport, entity.TypeVehicle) {
		t.Error("cooldown not elapsed: should not be due despite new errors")
	}

	n.mu.Lock()
	n.windows[key].lastSent = time.Now().Add(-2 * time.Hour)
	n.mu.Unlock()
	if !n.ShouldSend(syncerr.CodeTransport, entity.TypeVehicle) {
		t.Error("new errors and elapsed cooldown: should be due")
	}
}

func TestNotifierSuggestionsSeverity(t *testing.T) {
	n := NewNotifier(NotifierConfig{
		SeverityWeights: map[string]int{string(syncerr.CodeAuthFailed): 3},
	}, nil)

	// 12 plain validation errors: weight 1, weighted 12 -> high.
	for i := 0; i < 12; i++ {
		n.RecordError(syncerr.CodeValidation, entity.TypeEmployee, "e")
	}
	// 1 auth error: weight 3, weighted 3 -> medium.
	n.RecordError(syncerr.CodeAuthFailed, entity.TypeVehicle, "v")
	// 2 transport errors: weight 1, weighted 2 -> low.
	n.RecordError(syncerr.CodeTransport, entity.TypeSite, "s1")
	n.RecordError(syncerr.CodeTransport, entity.TypeSite, "s2")

	sugs := n.Suggestions(24)
	if len(sugs) != 3 {
		t.Fatalf("got %d suggestions, want 3", len(sugs))
	}
	bySev := map[syncerr.Code]string{}
	for _, s := range sugs {
		bySev[s.ErrorType] = s.Severity
	}
	if bySev[syncerr.CodeValidation] != "high" {
		t.Errorf("validation severity = %s, want high", bySev[syncerr.CodeValidation])
	}
	if bySev[syncerr.CodeAuthFailed] != "medium" {
		t.Errorf("auth severity = %s, want medium", bySev[syncerr.CodeAuthFailed])
	}
	if bySev[syncerr.CodeTransport] != "low" {
		t.Errorf("transport severity = %s, want low", bySev[syncerr.CodeTransport])
	}
	// Sorted by count descending.
	if sugs[0].ErrorType != syncerr.CodeValidation || sugs[0].Count != 12 {
		t.Errorf("first suggestion = %+v, want the 12-count bucket", sugs[0])
	}
}

func TestTrackerRecentNewestFirst(t *testing.T) {
	tr := NewTracker("")
	for i, id := range []string{"a", "b", "c"} {
		tr.Append(ChangeEvent{
			SessionID: "s1", EntityType: entity.TypeEmployee, EntityID: id,
			Operation: OpCreated, Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}
	recent := tr.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("got %d, want 2", len(recent))
	}
	if recent[0].EntityID != "c" || recent[1].EntityID != "b" {
		t.Errorf("order = %s,%s, want c,b", recent[0].EntityID, recent[1].EntityID)
	}
}

func TestTrackerWritesJSONLArtifacts(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir)
	defer tr.Close()

	tr.Append(ChangeEvent{
		SessionID: "s1", EntityType: entity.TypeEmployee, EntityID: "1001",
		Operation: OpUpdated,
		Changes:   []entity.FieldChange{{Field: "email", Before: "x", After: "y"}},
	})
	tr.Append(ChangeEvent{
		SessionID: "s1", EntityType: entity.TypeEmployee, EntityID: "1002",
		Operation: OpError, Error: "boom",
	})
	tr.Close()

	date := time.Now().UTC().Format("2006-01-02")
	f, err := os.Open(filepath.Join(dir, "changes", date+".jsonl"))
	if err != nil {
		t.Fatalf("open change log: %v", err)
	}
	defer f.Close()
	var lines []ChangeEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev ChangeEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("change log has %d lines, want 2", len(lines))
	}
	if lines[0].EntityID != "1001" || lines[0].Changes[0].Field != "email" {
		t.Errorf("first line = %+v", lines[0])
	}

	raw, err := os.ReadFile(filepath.Join(dir, "errors", "error_log.jsonl"))
	if err != nil {
		t.Fatalf("open error log: %v", err)
	}
	var errEv ChangeEvent
	if err := json.Unmarshal(raw[:len(raw)-1], &errEv); err != nil {
		t.Fatalf("error log line: %v", err)
	}
	if errEv.EntityID != "1002" || errEv.Error != "boom" {
		t.Errorf("error log entry = %+v", errEv)
	}
}

func TestTrackerEvictsOldSessions(t *testing.T) {
	tr := NewTracker("")
	tr.maxKeep = 2
	tr.Append(ChangeEvent{SessionID: "s1", EntityType: entity.TypeSite, EntityID: "a", Operation: OpCreated})
	tr.Append(ChangeEvent{SessionID: "s2", EntityType: entity.TypeSite, EntityID: "b", Operation: OpCreated})
	tr.Append(ChangeEvent{SessionID: "s3", EntityType: entity.TypeSite, EntityID: "c", Operation: OpCreated})

	if got := tr.Events("s1"); len(got) != 0 {
		t.Errorf("s1 should be evicted, got %d events", len(got))
	}
	if got := tr.Events("s3"); len(got) != 1 {
		t.Errorf("s3 missing, got %d events", len(got))
	}
}
