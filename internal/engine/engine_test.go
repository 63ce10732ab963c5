package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fieldops/safesync/internal/adapters"
	"github.com/fieldops/safesync/internal/cache"
	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/failq"
	"github.com/fieldops/safesync/internal/syncerr"
	"github.com/fieldops/safesync/internal/tracker"
	"github.com/fieldops/safesync/internal/validate"
)

type fakeSource struct {
	mu   sync.Mutex
	recs map[entity.Type][]entity.Record
	err  error
}

func (f *fakeSource) ListAll(_ context.Context, t entity.Type) ([]entity.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]entity.Record(nil), f.recs[t]...), nil
}

func (f *fakeSource) GetByID(_ context.Context, t entity.Type, id string) (entity.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.recs[t] {
		if r.EntityID() == id {
			return r, nil
		}
	}
	return nil, nil
}

type fakeTarget struct {
	fakeSource
	upsertErr map[string]error // entity id -> forced error
	upserted  []string
	deleted   []string
}

func (f *fakeTarget) Upsert(_ context.Context, rec entity.Record, key string) (adapters.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == "" {
		return adapters.UpsertResult{}, syncerr.New(syncerr.CodeInternal, "missing idempotency key")
	}
	if err := f.upsertErr[rec.EntityID()]; err != nil {
		return adapters.UpsertResult{}, err
	}
	f.upserted = append(f.upserted, rec.EntityID())
	if f.recs == nil {
		f.recs = make(map[entity.Type][]entity.Record)
	}
	for i, r := range f.recs[rec.EntityType()] {
		if r.EntityID() == rec.EntityID() {
			f.recs[rec.EntityType()][i] = rec
			return adapters.UpsertResult{Outcome: adapters.OutcomeUpdated, ID: rec.EntityID()}, nil
		}
	}
	f.recs[rec.EntityType()] = append(f.recs[rec.EntityType()], rec)
	return adapters.UpsertResult{Outcome: adapters.OutcomeCreated, ID: rec.EntityID()}, nil
}

func (f *fakeTarget) Delete(_ context.Context, t entity.Type, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.recs[t] {
		if r.EntityID() == id {
			f.recs[t] = append(f.recs[t][:i], f.recs[t][i+1:]...)
			f.deleted = append(f.deleted, id)
			return true, nil
		}
	}
	return false, nil
}

func emp(id, first, last, email string) *entity.Employee {
	return &entity.Employee{ID: id, FirstName: first, LastName: last, Email: email}
}

type testRig struct {
	ctrl   *Controller
	source *fakeSource
	target *fakeTarget
	events *tracker.Events
	queue  *failq.Queue
}

func newRig(t *testing.T, mutate func(*Options)) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cm, err := cache.New(cache.Options{Namespace: "test", FallbackDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{recs: map[entity.Type][]entity.Record{}}
	tgt := &fakeTarget{}
	events := tracker.NewEvents(tracker.NewTracker(""), tracker.NewNotifier(tracker.NotifierConfig{}, nil))
	q := failq.New(rdb, "test")

	opts := Options{
		Sources:           map[entity.Type]adapters.Source{entity.TypeEmployee: src},
		Target:            tgt,
		Cache:             cm,
		Validate:          validate.New("example.com"),
		Events:            events,
		FailQ:             q,
		Redis:             rdb,
		Namespace:         "test",
		Interval:          time.Minute,
		EntityConcurrency: 4,
		CacheTTL:          time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ctrl, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{ctrl: ctrl, source: src, target: tgt, events: events, queue: q}
}

func (r *testRig) runOnce(t *testing.T, syncType string) tracker.Session {
	t.Helper()
	r.ctrl.runSession(context.Background(), triggerReq{sessionID: "s-test", syncType: syncType})
	hist := r.ctrl.History(1)
	if len(hist) != 1 {
		t.Fatal("no session in history")
	}
	return hist[0]
}

func TestSessionCreatesUpdatesAndSkips(t *testing.T) {
	r := newRig(t, nil)
	r.source.recs[entity.TypeEmployee] = []entity.Record{
		emp("1", "Jane", "Doe", "jane.doe@example.com"),
		emp("2", "Bob", "Ray", "bob.ray@example.com"),
		emp("3", "Ann", "Lee", "ann.lee@example.com"),
	}
	// Target already has 2 unchanged (after normalization) and 3 stale.
	unchanged := emp("2", "Bob", "Ray", "bob.ray@example.com")
	validate.New("example.com").Validate(unchanged)
	stale := emp("3", "Ann", "Lee", "old@example.com")
	validate.New("example.com").Validate(stale)
	r.target.recs = map[entity.Type][]entity.Record{
		entity.TypeEmployee: {unchanged, stale},
	}

	s := r.runOnce(t, "employees")
	if s.Status != tracker.SessionCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	c := s.Counts
	if c.Created != 1 || c.Updated != 1 || c.Skipped != 1 || c.Errors != 0 {
		t.Errorf("counts = %+v", c)
	}
	if c.Processed != c.Created+c.Updated+c.Skipped+c.Errors {
		t.Errorf("processed sum broken: %+v", c)
	}

	evs := r.events.Tracker().Events("s-test")
	var updated *tracker.ChangeEvent
	for i := range evs {
		if evs[i].Operation == tracker.OpUpdated {
			updated = &evs[i]
		}
	}
	if updated == nil {
		t.Fatal("no updated event")
	}
	if len(updated.Changes) == 0 || updated.Changes[0].Field != "email" {
		t.Errorf("update changes = %+v, want email diff", updated.Changes)
	}
}

func TestOrphanSkippedWhenDeletesDisabled(t *testing.T) {
	r := newRig(t, nil)
	r.target.recs = map[entity.Type][]entity.Record{
		entity.TypeEmployee: {emp("9", "Gone", "Person", "gone.person@example.com")},
	}

	s := r.runOnce(t, "employees")
	if s.Counts.Skipped != 1 {
		t.Fatalf("counts = %+v, want 1 skipped", s.Counts)
	}
	evs := r.events.Tracker().Events("s-test")
	if len(evs) != 1 || evs[0].Reason != "orphan" {
		t.Errorf("events = %+v, want one orphan skip", evs)
	}
	if len(r.target.deleted) != 0 {
		t.Error("orphan was deleted with deletes disabled")
	}
}

func TestOrphanDeletedWhenEnabled(t *testing.T) {
	r := newRig(t, func(o *Options) { o.DeletesEnabled = true })
	r.target.recs = map[entity.Type][]entity.Record{
		entity.TypeEmployee: {emp("9", "Gone", "Person", "gone.person@example.com")},
	}

	s := r.runOnce(t, "employees")
	// Deletes tally as updates in the counts.
	if s.Counts.Updated != 1 || s.Counts.Processed != 1 {
		t.Errorf("counts = %+v", s.Counts)
	}
	if len(r.target.deleted) != 1 || r.target.deleted[0] != "9" {
		t.Errorf("deleted = %v", r.target.deleted)
	}
	evs := r.events.Tracker().Events("s-test")
	if len(evs) != 1 || evs[0].Operation != tracker.OpDeleted {
		t.Errorf("events = %+v, want one deleted", evs)
	}
}

func TestValidationFailureQueuesRecord(t *testing.T) {
	r := newRig(t, nil)
	// Missing name on a lookup-style record is repaired for employees, but
	// a broken email is terminal.
	bad := emp("7", "Jane", "Doe", "not-an-email")
	r.source.recs[entity.TypeEmployee] = []entity.Record{bad}

	s := r.runOnce(t, "employees")
	if s.Counts.Errors != 1 {
		t.Fatalf("counts = %+v, want 1 error", s.Counts)
	}
	rec, err := r.queue.Get(context.Background(), entity.TypeEmployee, "7")
	if err != nil || rec == nil {
		t.Fatalf("queue entry: rec=%v err=%v", rec, err)
	}
	if rec.LastErrorCode != syncerr.CodeValidation {
		t.Errorf("last_error_code = %s", rec.LastErrorCode)
	}
	if rec.FailedFields["email"] == "" {
		t.Errorf("failed_fields = %v, want email entry", rec.FailedFields)
	}
	if len(r.target.upserted) != 0 {
		t.Error("invalid record reached the target")
	}
}

func TestAuthFailureAbortsSession(t *testing.T) {
	r := newRig(t, nil)
	r.source.recs[entity.TypeEmployee] = []entity.Record{
		emp("1", "Jane", "Doe", "jane.doe@example.com"),
	}
	r.target.upsertErr = map[string]error{
		"1": syncerr.New(syncerr.CodeAuthFailed, "token rejected"),
	}

	s := r.runOnce(t, "employees")
	if s.Status != tracker.SessionFailed {
		t.Errorf("status = %s, want failed", s.Status)
	}
	if s.Counts.Errors != 1 {
		t.Errorf("counts = %+v", s.Counts)
	}
}

func TestTriggerConflicts(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	id, err := r.ctrl.Trigger(ctx, SyncTypeFull)
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	// Queue holds one pending trigger; a second is refused.
	if _, err := r.ctrl.Trigger(ctx, SyncTypeFull); !syncerr.Is(err, syncerr.CodeConflict) {
		t.Errorf("second trigger err = %v, want conflict", err)
	}

	if _, err := r.ctrl.Trigger(ctx, "not-a-type"); !syncerr.Is(err, syncerr.CodeValidation) {
		t.Errorf("bad type err = %v, want validation_failed", err)
	}
}

func TestTriggerAcceptsPluralSyncTypes(t *testing.T) {
	ctx := context.Background()
	for _, st := range []string{"employees", "vehicles", "departments", "jobs", "titles", "full"} {
		r := newRig(t, nil)
		if _, err := r.ctrl.Trigger(ctx, st); err != nil {
			t.Errorf("Trigger(%q) = %v, want accepted", st, err)
		}
	}

	// The singular entity-type spellings are not part of the trigger set.
	r := newRig(t, nil)
	if _, err := r.ctrl.Trigger(ctx, "employee"); !syncerr.Is(err, syncerr.CodeValidation) {
		t.Errorf("Trigger(\"employee\") err = %v, want validation_failed", err)
	}
}

func TestTriggerWhilePaused(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	if err := r.ctrl.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	if _, err := r.ctrl.Trigger(ctx, SyncTypeFull); !syncerr.Is(err, syncerr.CodeConflict) {
		t.Errorf("trigger while paused err = %v, want conflict", err)
	}
	if err := r.ctrl.SetPaused(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ctrl.Trigger(ctx, SyncTypeFull); err != nil {
		t.Errorf("trigger after unpause: %v", err)
	}
}

func TestPauseFlagPersists(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	make1 := func() *Controller {
		cm, _ := cache.New(cache.Options{FallbackDir: t.TempDir()}, nil)
		c, err := New(Options{
			Sources:   map[entity.Type]adapters.Source{},
			Target:    &fakeTarget{},
			Cache:     cm,
			Validate:  validate.New("example.com"),
			Events:    tracker.NewEvents(tracker.NewTracker(""), nil),
			Redis:     rdb,
			Namespace: "test",
			Interval:  time.Minute,
		})
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	c1 := make1()
	if err := c1.SetPaused(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	c2 := make1()
	if !c2.Paused(context.Background()) {
		t.Error("pause flag did not survive controller restart")
	}
}

func TestRetryOne(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.source.recs[entity.TypeEmployee] = []entity.Record{
		emp("1", "Jane", "Doe", "jane.doe@example.com"),
	}

	if err := r.ctrl.RetryOne(ctx, entity.TypeEmployee, "1"); err != nil {
		t.Fatalf("RetryOne: %v", err)
	}
	if len(r.target.upserted) != 1 {
		t.Errorf("upserted = %v", r.target.upserted)
	}

	err := r.ctrl.RetryOne(ctx, entity.TypeEmployee, "gone")
	if !syncerr.Is(err, syncerr.CodeDataMissing) {
		t.Errorf("missing record err = %v, want data_missing", err)
	}
}

func TestCompareStatuses(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	jane := emp("1", "Jane", "Doe", "jane.doe@example.com")
	r.source.recs[entity.TypeEmployee] = []entity.Record{jane}

	d, err := r.ctrl.Compare(ctx, entity.TypeEmployee, "1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != DiffTargetMissing {
		t.Errorf("status = %s, want target_missing", d.Status)
	}

	synced := emp("1", "Jane", "Doe", "jane.doe@example.com")
	validate.New("example.com").Validate(synced)
	r.target.recs = map[entity.Type][]entity.Record{entity.TypeEmployee: {synced}}
	if d, _ = r.ctrl.Compare(ctx, entity.TypeEmployee, "1"); d.Status != DiffInSync {
		t.Errorf("status = %s, want in_sync", d.Status)
	}

	r.source.recs[entity.TypeEmployee][0].(*entity.Employee).Email = "new.mail@example.com"
	if d, _ = r.ctrl.Compare(ctx, entity.TypeEmployee, "1"); d.Status != DiffDifferent {
		t.Errorf("status = %s, want different", d.Status)
	}
	if len(d.Changes) == 0 {
		t.Error("different diff has no changes")
	}

	if d, _ = r.ctrl.Compare(ctx, entity.TypeEmployee, "absent"); d.Status != DiffBothMissing {
		t.Errorf("status = %s, want both_missing", d.Status)
	}
}

func TestDeadlineSkipsRemainingRecords(t *testing.T) {
	r := newRig(t, nil)
	r.source.recs[entity.TypeEmployee] = []entity.Record{
		emp("1", "Jane", "Doe", "jane.doe@example.com"),
		emp("2", "Bob", "Ray", "bob.ray@example.com"),
	}

	session := tracker.NewSession("s-dead", "employees")
	s := r.ctrl.newSyncer(entity.TypeEmployee)
	s.deadline = time.Now().Add(-time.Second) // already past

	if err := s.run(context.Background(), session); err != nil {
		t.Fatalf("run: %v", err)
	}
	c := session.Snapshot().Counts
	if c.Skipped != 2 || c.Created != 0 {
		t.Errorf("counts = %+v, want everything skipped", c)
	}
	for _, ev := range r.events.Tracker().Events("s-dead") {
		if ev.Reason != "deadline_exceeded" {
			t.Errorf("reason = %q, want deadline_exceeded", ev.Reason)
		}
	}
	if len(r.target.upserted) != 0 {
		t.Errorf("upserted = %v, want nothing past the deadline", r.target.upserted)
	}
}

// slowTarget stalls upserts so the deadline can pass mid-request.
type slowTarget struct {
	fakeTarget
	delay time.Duration
}

func (f *slowTarget) Upsert(ctx context.Context, rec entity.Record, key string) (adapters.UpsertResult, error) {
	select {
	case <-ctx.Done():
		return adapters.UpsertResult{}, ctx.Err()
	case <-time.After(f.delay):
	}
	return f.fakeTarget.Upsert(ctx, rec, key)
}

func TestDeadlineLetsInFlightWorkFinish(t *testing.T) {
	slow := &slowTarget{delay: 100 * time.Millisecond}
	r := newRig(t, func(o *Options) { o.Target = slow })
	r.source.recs[entity.TypeEmployee] = []entity.Record{
		emp("1", "Jane", "Doe", "jane.doe@example.com"),
	}

	session := tracker.NewSession("s-slow", "employees")
	s := r.ctrl.newSyncer(entity.TypeEmployee)
	// Expires while the upsert is in flight: the record must still land.
	s.deadline = time.Now().Add(30 * time.Millisecond)

	if err := s.run(context.Background(), session); err != nil {
		t.Fatalf("run: %v", err)
	}
	c := session.Snapshot().Counts
	if c.Created != 1 || c.Skipped != 0 {
		t.Errorf("counts = %+v, want the in-flight upsert completed", c)
	}
	if len(slow.upserted) != 1 {
		t.Errorf("upserted = %v, want 1", slow.upserted)
	}
}
