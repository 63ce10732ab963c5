package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/adapters"
	"github.com/fieldops/safesync/internal/cache"
	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/failq"
	"github.com/fieldops/safesync/internal/metrics"
	"github.com/fieldops/safesync/internal/syncerr"
	"github.com/fieldops/safesync/internal/tracker"
	"github.com/fieldops/safesync/internal/validate"
)

// SyncTypeFull runs every entity type in dependency order.
const SyncTypeFull = "full"

// syncTypes is the closed set of sync_type names the trigger surface
// accepts, mapped to the entity type each one runs.
var syncTypes = map[string]entity.Type{
	"employees":   entity.TypeEmployee,
	"vehicles":    entity.TypeVehicle,
	"departments": entity.TypeDepartment,
	"jobs":        entity.TypeJob,
	"titles":      entity.TypeTitle,
}

// Options wires a Controller.
type Options struct {
	Sources   map[entity.Type]adapters.Source
	Target    adapters.Target
	Cache     *cache.Manager
	Validate  *validate.Validator
	Events    *tracker.Events
	FailQ     *failq.Queue
	Redis     *redis.Client // pause flag persistence; nil in tests
	Namespace string

	Interval          time.Duration
	EntityConcurrency int
	DeletesEnabled    bool
	CacheTTL          time.Duration
	PauseDefault      bool

	historyCap int
}

type triggerReq struct {
	sessionID string
	syncType  string
}

// Controller owns the session lifecycle: one session runs at a time,
// scheduled runs and operator triggers coalesce through the same queue,
// and the pause flag survives restarts in Redis.
type Controller struct {
	opts Options

	cron     *cron.Cron
	triggers chan triggerReq

	mu      sync.Mutex
	running *tracker.Session
	history []*tracker.Session
	paused  bool
}

// New builds the controller. Run must be called for anything to happen.
func New(opts Options) (*Controller, error) {
	if opts.Target == nil || opts.Cache == nil || opts.Events == nil || opts.Validate == nil {
		return nil, fmt.Errorf("engine: target, cache, events, and validator are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.EntityConcurrency <= 0 {
		opts.EntityConcurrency = 8
	}
	if opts.historyCap <= 0 {
		opts.historyCap = 32
	}
	c := &Controller{
		opts:     opts,
		triggers: make(chan triggerReq, 1),
		paused:   opts.PauseDefault,
	}
	if opts.Redis != nil {
		// The persisted flag wins over the configured default.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if v, err := opts.Redis.Get(ctx, c.pauseKey()).Result(); err == nil {
			c.paused = v == "1"
		}
	}
	return c, nil
}

func (c *Controller) pauseKey() string { return c.opts.Namespace + ":sync:pause" }

// Run blocks until ctx is canceled, executing scheduled and triggered
// sessions one at a time.
func (c *Controller) Run(ctx context.Context) error {
	c.cron = cron.New()
	spec := fmt.Sprintf("@every %s", c.opts.Interval)
	_, err := c.cron.AddFunc(spec, func() {
		if _, err := c.Trigger(ctx, SyncTypeFull); err != nil {
			log.Debug().Err(err).Msg("scheduled sync not queued")
		}
	})
	if err != nil {
		return fmt.Errorf("engine: schedule %q: %w", spec, err)
	}
	c.cron.Start()
	defer c.cron.Stop()

	log.Info().Dur("interval", c.opts.Interval).Msg("sync scheduler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.triggers:
			c.runSession(ctx, req)
		}
	}
}

// Trigger queues one session and returns its id. It refuses while paused,
// while a session is running, and while another trigger is already queued.
func (c *Controller) Trigger(ctx context.Context, syncType string) (string, error) {
	if _, ok := syncTypes[syncType]; !ok && syncType != SyncTypeFull {
		return "", syncerr.New(syncerr.CodeValidation, fmt.Sprintf("unknown sync type %q", syncType))
	}
	if c.Paused(ctx) {
		return "", syncerr.New(syncerr.CodeConflict, "sync is paused")
	}
	c.mu.Lock()
	runningNow := c.running != nil
	c.mu.Unlock()
	if runningNow {
		return "", syncerr.New(syncerr.CodeConflict, "a sync session is already running")
	}

	req := triggerReq{sessionID: ulid.Make().String(), syncType: syncType}
	select {
	case c.triggers <- req:
		return req.sessionID, nil
	default:
		return "", syncerr.New(syncerr.CodeConflict, "a sync session is already queued")
	}
}

// SetPaused flips the pause flag and persists it.
func (c *Controller) SetPaused(ctx context.Context, paused bool) error {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
	if c.opts.Redis != nil {
		val := "0"
		if paused {
			val = "1"
		}
		if err := c.opts.Redis.Set(ctx, c.pauseKey(), val, 0).Err(); err != nil {
			return syncerr.Wrap(syncerr.CodeDependency, "persist pause flag", err)
		}
	}
	log.Info().Bool("paused", paused).Msg("sync pause flag changed")
	return nil
}

// Paused reads the persisted flag, falling back to the in-memory one when
// Redis is unreachable.
func (c *Controller) Paused(ctx context.Context) bool {
	if c.opts.Redis != nil {
		if v, err := c.opts.Redis.Get(ctx, c.pauseKey()).Result(); err == nil {
			return v == "1"
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Current returns the running session snapshot, or nil.
func (c *Controller) Current() *tracker.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil {
		return nil
	}
	s := c.running.Snapshot()
	return &s
}

// History returns finished sessions, newest first.
func (c *Controller) History(limit int) []tracker.Session {
	if limit <= 0 {
		limit = 10
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []tracker.Session
	for i := len(c.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.history[i].Snapshot())
	}
	return out
}

// NextRun reports when the scheduler will fire next; zero before Run.
func (c *Controller) NextRun() time.Time {
	if c.cron == nil {
		return time.Time{}
	}
	entries := c.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (c *Controller) typesFor(syncType string) []entity.Type {
	if syncType == SyncTypeFull {
		var out []entity.Type
		for _, t := range entity.DependencyOrder {
			if _, ok := c.opts.Sources[t]; ok {
				out = append(out, t)
			}
		}
		return out
	}
	t, ok := syncTypes[syncType]
	if !ok {
		return nil
	}
	if _, ok := c.opts.Sources[t]; !ok {
		return nil
	}
	return []entity.Type{t}
}

func (c *Controller) newSyncer(typ entity.Type) *syncer {
	return &syncer{
		typ:       typ,
		source:    c.opts.Sources[typ],
		target:    c.opts.Target,
		cache:     c.opts.Cache,
		validator: c.opts.Validate,
		events:    c.opts.Events,
		failq:     c.opts.FailQ,
		deletes:   c.opts.DeletesEnabled,
		cacheTTL:  c.opts.CacheTTL,
		workers:   c.opts.EntityConcurrency,
	}
}

// runSession executes one queued session under the soft deadline.
func (c *Controller) runSession(ctx context.Context, req triggerReq) {
	session := tracker.NewSession(req.sessionID, req.syncType)
	c.mu.Lock()
	c.running = session
	c.mu.Unlock()

	metrics.SyncInProgress.Set(1)
	start := time.Now()
	logger := log.With().Str("session_id", session.ID).Str("sync_type", req.syncType).Logger()
	logger.Info().Msg("sync session started")

	// The soft deadline leaves headroom before the next scheduled run.
	// It gates scheduling only: requests already in flight keep the
	// session context and run to completion.
	deadline := time.Now().Add(time.Duration(float64(c.opts.Interval) * 0.8))

	status := tracker.SessionCompleted
	types := c.typesFor(req.syncType)
	for i, typ := range types {
		session.SetOperation("sync "+string(typ), float64(i)/float64(len(types)))
		sy := c.newSyncer(typ)
		sy.deadline = deadline
		if err := sy.run(ctx, session); err != nil {
			logger.Error().Err(err).Str("entity_type", string(typ)).Msg("sync pass failed")
			status = tracker.SessionFailed
			break
		}
	}
	session.Finish(status)

	c.mu.Lock()
	c.running = nil
	c.history = append(c.history, session)
	if len(c.history) > c.opts.historyCap {
		c.history = c.history[1:]
	}
	c.mu.Unlock()

	metrics.SyncInProgress.Set(0)
	metrics.LastSyncTimestamp.Set(float64(time.Now().Unix()))
	metrics.SyncDuration.WithLabelValues(req.syncType).Observe(time.Since(start).Seconds())
	metrics.SyncOperations.WithLabelValues(req.syncType, string(status)).Inc()

	snap := session.Snapshot()
	logger.Info().
		Str("status", string(status)).
		Int("processed", snap.Counts.Processed).
		Int("created", snap.Counts.Created).
		Int("updated", snap.Counts.Updated).
		Int("skipped", snap.Counts.Skipped).
		Int("errors", snap.Counts.Errors).
		Dur("elapsed", time.Since(start)).
		Msg("sync session finished")
}

// RetryOne re-syncs a single record outside any session. The failed-record
// queue calls this for operator-initiated retries.
func (c *Controller) RetryOne(ctx context.Context, typ entity.Type, id string) error {
	src, ok := c.opts.Sources[typ]
	if !ok {
		return syncerr.New(syncerr.CodeValidation, fmt.Sprintf("no source for entity type %q", typ))
	}
	rec, err := src.GetByID(ctx, typ, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return syncerr.New(syncerr.CodeDataMissing, fmt.Sprintf("%s %s no longer exists in the source", typ, id))
	}

	res := c.opts.Validate.Validate(rec)
	if !res.Valid {
		return syncerr.New(syncerr.CodeValidation, validationSummary(res))
	}

	before, err := c.opts.Target.GetByID(ctx, typ, id)
	if err != nil {
		return err
	}
	fp := entity.Fingerprint(rec)
	if before != nil && entity.Fingerprint(before) == fp {
		return nil
	}

	upsert, err := c.opts.Target.Upsert(ctx, rec, idempotencyKey(typ, id, fp))
	if err != nil {
		return err
	}
	op := tracker.OpUpdated
	if upsert.Outcome == adapters.OutcomeCreated {
		op = tracker.OpCreated
	}
	c.opts.Events.Record(tracker.Result{
		EntityType: typ, EntityID: id, Operation: op,
		Changes: entity.ChangedFields(before, rec), Repairs: res.Repairs,
		Reason: "retry",
	})
	return nil
}

// DiffStatus classifies one record's state across source and target.
type DiffStatus string

const (
	DiffInSync        DiffStatus = "in_sync"
	DiffDifferent     DiffStatus = "different"
	DiffSourceMissing DiffStatus = "source_missing"
	DiffTargetMissing DiffStatus = "target_missing"
	DiffBothMissing   DiffStatus = "both_missing"
)

// Diff is the comparison of one record across systems.
type Diff struct {
	EntityType entity.Type          `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Status     DiffStatus           `json:"status"`
	Changes    []entity.FieldChange `json:"changes,omitempty"`
}

// Compare fetches one record from both sides and diffs them. The source
// record is validated first so the comparison sees the normalized form
// that a sync would actually send.
func (c *Controller) Compare(ctx context.Context, typ entity.Type, id string) (Diff, error) {
	d := Diff{EntityType: typ, EntityID: id}
	src, ok := c.opts.Sources[typ]
	if !ok {
		return d, syncerr.New(syncerr.CodeValidation, fmt.Sprintf("no source for entity type %q", typ))
	}

	srcRec, err := src.GetByID(ctx, typ, id)
	if err != nil {
		return d, err
	}
	tgtRec, err := c.opts.Target.GetByID(ctx, typ, id)
	if err != nil {
		return d, err
	}

	switch {
	case srcRec == nil && tgtRec == nil:
		d.Status = DiffBothMissing
	case srcRec == nil:
		d.Status = DiffSourceMissing
	case tgtRec == nil:
		d.Status = DiffTargetMissing
	default:
		c.opts.Validate.Validate(srcRec)
		if entity.Fingerprint(srcRec) == entity.Fingerprint(tgtRec) {
			d.Status = DiffInSync
		} else {
			d.Status = DiffDifferent
			d.Changes = entity.ChangedFields(tgtRec, srcRec)
		}
	}
	return d, nil
}

// EntityCounts reports the cached source record count per entity type.
func (c *Controller) EntityCounts(ctx context.Context) map[entity.Type]int {
	out := make(map[entity.Type]int, len(c.opts.Sources))
	for typ := range c.opts.Sources {
		s := c.newSyncer(typ)
		recs, err := s.listSource(ctx)
		if err != nil {
			out[typ] = -1
			continue
		}
		out[typ] = len(recs)
	}
	return out
}
