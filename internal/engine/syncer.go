// Package engine runs sync sessions: it diffs source systems against the
// target, validates and repairs outbound records, and applies creates,
// updates, and deletes in dependency order under a per-session deadline.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fieldops/safesync/internal/adapters"
	"github.com/fieldops/safesync/internal/cache"
	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/failq"
	"github.com/fieldops/safesync/internal/syncerr"
	"github.com/fieldops/safesync/internal/tracker"
	"github.com/fieldops/safesync/internal/validate"
)

// storedRecord is the cache serialization of one record.
type storedRecord struct {
	Type   entity.Type       `json:"type"`
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

func encodeRecords(recs []entity.Record) ([]byte, error) {
	out := make([]storedRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, storedRecord{Type: r.EntityType(), ID: r.EntityID(), Fields: r.Fields()})
	}
	return json.Marshal(out)
}

func decodeRecords(raw []byte) ([]entity.Record, error) {
	var stored []storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeInternal, "decode cached records", err)
	}
	recs := make([]entity.Record, 0, len(stored))
	for _, s := range stored {
		rec, err := entity.NewRecord(s.Type, s.ID)
		if err != nil {
			return nil, err
		}
		for k, v := range s.Fields {
			rec.SetField(k, v)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// idempotencyKey is stable for a given (type, id, content): retrying the
// same payload reuses the key, so the target never creates duplicates.
func idempotencyKey(typ entity.Type, id, fingerprint string) string {
	sum := sha256.Sum256([]byte(string(typ) + "\x00" + id + "\x00" + fingerprint))
	return hex.EncodeToString(sum[:16])
}

// syncer runs the pass for one entity type.
type syncer struct {
	typ       entity.Type
	source    adapters.Source
	target    adapters.Target
	cache     *cache.Manager
	validator *validate.Validator
	events    *tracker.Events
	failq     *failq.Queue
	deletes   bool
	cacheTTL  time.Duration
	workers   int

	// deadline is the soft cutoff: past it no new record work is
	// scheduled, but work already started finishes normally. Zero means
	// no cutoff.
	deadline time.Time
}

func (s *syncer) pastDeadline() bool {
	return !s.deadline.IsZero() && time.Now().After(s.deadline)
}

func (s *syncer) sourceKey() string { return string(s.typ) + ":all" }
func (s *syncer) targetKey() string { return "target:" + string(s.typ) + ":all" }

// listSource reads the source listing through the cache, serving stale
// data when the source is down rather than failing the session.
func (s *syncer) listSource(ctx context.Context) ([]entity.Record, error) {
	raw, err := s.cache.GetWithFallback(ctx, s.sourceKey(), s.cacheTTL, func(ctx context.Context) ([]byte, error) {
		recs, err := s.source.ListAll(ctx, s.typ)
		if err != nil {
			return nil, err
		}
		return encodeRecords(recs)
	})
	if err != nil {
		return nil, err
	}
	return decodeRecords(raw)
}

func (s *syncer) listTarget(ctx context.Context) ([]entity.Record, error) {
	raw, err := s.cache.GetWithFallback(ctx, s.targetKey(), s.cacheTTL, func(ctx context.Context) ([]byte, error) {
		recs, err := s.target.ListAll(ctx, s.typ)
		if err != nil {
			return nil, err
		}
		return encodeRecords(recs)
	})
	if err != nil {
		return nil, err
	}
	return decodeRecords(raw)
}

// errAuthAbort wraps an auth failure so the controller can fail the whole
// session instead of grinding through records that will all be rejected.
var errAuthAbort = errors.New("authentication failure, aborting session")

// run executes one pass. Outcomes are reported per record; only auth
// failures and context expiry propagate as errors.
func (s *syncer) run(ctx context.Context, session *tracker.Session) error {
	srcRecs, err := s.listSource(ctx)
	if err != nil {
		return fmt.Errorf("list source %s: %w", s.typ, err)
	}
	tgtRecs, err := s.listTarget(ctx)
	if err != nil {
		return fmt.Errorf("list target %s: %w", s.typ, err)
	}

	tgtByID := make(map[string]entity.Record, len(tgtRecs))
	for _, r := range tgtRecs {
		tgtByID[r.EntityID()] = r
	}
	srcIDs := make(map[string]bool, len(srcRecs))
	for _, r := range srcRecs {
		srcIDs[r.EntityID()] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, rec := range srcRecs {
		rec := rec
		if gctx.Err() != nil || s.pastDeadline() {
			s.recordSkip(session, rec.EntityID(), "deadline_exceeded")
			continue
		}
		g.Go(func() error {
			return s.syncOne(gctx, session, rec, tgtByID[rec.EntityID()])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Orphans: present in the target, gone from the source.
	for _, tgt := range tgtRecs {
		if srcIDs[tgt.EntityID()] {
			continue
		}
		if ctx.Err() != nil || s.pastDeadline() {
			s.recordSkip(session, tgt.EntityID(), "deadline_exceeded")
			continue
		}
		s.handleOrphan(ctx, session, tgt)
	}
	return nil
}

// syncOne validates one source record and applies it to the target.
// The deadline check here covers records queued behind the worker limit
// that had not started when the cutoff passed.
func (s *syncer) syncOne(ctx context.Context, session *tracker.Session, src, tgt entity.Record) error {
	if ctx.Err() != nil || s.pastDeadline() {
		s.recordSkip(session, src.EntityID(), "deadline_exceeded")
		return nil
	}

	res := s.validator.Validate(src)
	if !res.Valid {
		verr := syncerr.New(syncerr.CodeValidation, validationSummary(res))
		s.recordError(ctx, session, src, verr, res)
		return nil
	}

	fp := entity.Fingerprint(src)
	if tgt != nil && entity.Fingerprint(tgt) == fp {
		s.events.Record(tracker.Result{
			Session: session, EntityType: s.typ, EntityID: src.EntityID(),
			Operation: tracker.OpSkipped, Reason: "unchanged", Repairs: res.Repairs,
		})
		return nil
	}

	upsert, err := s.target.Upsert(ctx, src, idempotencyKey(s.typ, src.EntityID(), fp))
	if err != nil {
		s.recordError(ctx, session, src, err, res)
		if syncerr.Is(err, syncerr.CodeAuthFailed) {
			return fmt.Errorf("%w: %v", errAuthAbort, err)
		}
		return nil
	}

	op := tracker.OpUpdated
	if upsert.Outcome == adapters.OutcomeCreated {
		op = tracker.OpCreated
	}
	s.events.Record(tracker.Result{
		Session: session, EntityType: s.typ, EntityID: src.EntityID(),
		Operation: op, Changes: entity.ChangedFields(tgt, src), Repairs: res.Repairs,
	})
	return nil
}

// handleOrphan deletes when deletes are enabled, otherwise records a skip
// so the orphan stays visible without destructive action.
func (s *syncer) handleOrphan(ctx context.Context, session *tracker.Session, tgt entity.Record) {
	if !s.deletes {
		s.events.Record(tracker.Result{
			Session: session, EntityType: s.typ, EntityID: tgt.EntityID(),
			Operation: tracker.OpSkipped, Reason: "orphan",
		})
		return
	}
	found, err := s.target.Delete(ctx, s.typ, tgt.EntityID())
	if err != nil {
		s.recordError(ctx, session, tgt, err, validate.Result{})
		return
	}
	op := tracker.OpDeleted
	reason := ""
	if !found {
		op = tracker.OpSkipped
		reason = "already_absent"
	}
	s.events.Record(tracker.Result{
		Session: session, EntityType: s.typ, EntityID: tgt.EntityID(),
		Operation: op, Reason: reason, Changes: entity.ChangedFields(tgt, nil),
	})
}

func (s *syncer) recordSkip(session *tracker.Session, id, reason string) {
	s.events.Record(tracker.Result{
		Session: session, EntityType: s.typ, EntityID: id,
		Operation: tracker.OpSkipped, Reason: reason,
	})
}

func (s *syncer) recordError(ctx context.Context, session *tracker.Session, rec entity.Record, err error, res validate.Result) {
	s.events.Record(tracker.Result{
		Session: session, EntityType: s.typ, EntityID: rec.EntityID(),
		Operation: tracker.OpError, Repairs: res.Repairs, Err: err,
	})
	if s.failq == nil {
		return
	}
	failed := failq.FailedRecord{
		EntityType:       s.typ,
		EntityID:         rec.EntityID(),
		LastErrorCode:    syncerr.CodeOf(err),
		LastErrorMessage: err.Error(),
		HTTPStatus:       syncerr.StatusOf(err),
		FailedFields:     failedFields(res),
	}
	if qerr := s.failq.Enqueue(ctx, failed); qerr != nil {
		log.Ctx(ctx).Warn().Err(qerr).
			Str("entity_type", string(s.typ)).
			Str("entity_id", rec.EntityID()).
			Msg("cannot enqueue failed record")
	}
}

func failedFields(res validate.Result) map[string]string {
	if len(res.Errors) == 0 {
		return nil
	}
	out := make(map[string]string, len(res.Errors))
	for _, fe := range res.Errors {
		out[fe.Field] = fe.Error
	}
	return out
}

func validationSummary(res validate.Result) string {
	if len(res.Errors) == 0 {
		return "validation failed"
	}
	fe := res.Errors[0]
	if len(res.Errors) == 1 {
		return fmt.Sprintf("%s: %s", fe.Field, fe.Error)
	}
	return fmt.Sprintf("%s: %s (and %d more)", fe.Field, fe.Error, len(res.Errors)-1)
}
