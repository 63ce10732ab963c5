// Package failq is the durable queue of records that failed to sync.
// One entry exists per (entity_type, entity_id); repeated failures merge
// into it. Entries live in a Redis hash so they survive restarts.
package failq

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/syncerr"
)

// State is the lifecycle of a queue entry.
type State string

const (
	StateQueued    State = "queued"
	StateDismissed State = "dismissed"
)

// FailedRecord is one entry in the queue.
type FailedRecord struct {
	EntityType       entity.Type       `json:"entity_type"`
	EntityID         string            `json:"entity_id"`
	FirstFailedAt    time.Time         `json:"first_failed_at"`
	LastFailedAt     time.Time         `json:"last_failed_at"`
	AttemptCount     int               `json:"attempt_count"`
	HTTPStatus       int               `json:"http_status,omitempty"`
	LastErrorCode    syncerr.Code      `json:"last_error_code"`
	LastErrorMessage string            `json:"last_error_message"`
	FailedFields     map[string]string `json:"failed_fields,omitempty"`
	State            State             `json:"state"`
}

// Retrier re-runs the sync for a single record. The engine implements it.
type Retrier interface {
	RetryOne(ctx context.Context, typ entity.Type, id string) error
}

// Queue stores failed records in Redis.
type Queue struct {
	rdb *redis.Client
	key string
}

// New creates the queue under the given namespace.
func New(rdb *redis.Client, namespace string) *Queue {
	return &Queue{rdb: rdb, key: namespace + ":failed_records"}
}

func field(typ entity.Type, id string) string {
	return string(typ) + ":" + id
}

// Enqueue records a failure, merging into the existing entry when one is
// queued for the same record. A dismissed entry re-enters as queued with
// its history reset.
func (q *Queue) Enqueue(ctx context.Context, rec FailedRecord) error {
	f := field(rec.EntityType, rec.EntityID)
	now := time.Now()

	existing, err := q.get(ctx, f)
	if err != nil {
		return err
	}
	if existing != nil && existing.State == StateQueued {
		rec.FirstFailedAt = existing.FirstFailedAt
		rec.AttemptCount = existing.AttemptCount + 1
	} else {
		rec.FirstFailedAt = now
		rec.AttemptCount = 1
	}
	rec.LastFailedAt = now
	rec.State = StateQueued

	raw, err := json.Marshal(rec)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeInternal, "marshal failed record", err)
	}
	if err := q.rdb.HSet(ctx, q.key, f, raw).Err(); err != nil {
		return syncerr.Wrap(syncerr.CodeDependency, "failed-record store", err)
	}
	return nil
}

func (q *Queue) get(ctx context.Context, f string) (*FailedRecord, error) {
	raw, err := q.rdb.HGet(ctx, q.key, f).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeDependency, "failed-record read", err)
	}
	var rec FailedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeInternal, "decode failed record", err)
	}
	return &rec, nil
}

// Get returns the entry for one record, or nil when absent.
func (q *Queue) Get(ctx context.Context, typ entity.Type, id string) (*FailedRecord, error) {
	return q.get(ctx, field(typ, id))
}

// Filter narrows List output.
type Filter struct {
	EntityType entity.Type
	State      State
	Offset     int
	Limit      int
}

// List returns matching entries ordered by most recent failure first,
// plus the total match count before paging.
func (q *Queue) List(ctx context.Context, flt Filter) ([]FailedRecord, int, error) {
	all, err := q.rdb.HGetAll(ctx, q.key).Result()
	if err != nil {
		return nil, 0, syncerr.Wrap(syncerr.CodeDependency, "failed-record list", err)
	}

	var out []FailedRecord
	for _, raw := range all {
		var rec FailedRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable failed-record entry")
			continue
		}
		if flt.EntityType != "" && rec.EntityType != flt.EntityType {
			continue
		}
		if flt.State != "" && rec.State != flt.State {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastFailedAt.Equal(out[j].LastFailedAt) {
			return out[i].LastFailedAt.After(out[j].LastFailedAt)
		}
		return field(out[i].EntityType, out[i].EntityID) < field(out[j].EntityType, out[j].EntityID)
	})

	total := len(out)
	if flt.Offset > 0 {
		if flt.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[flt.Offset:]
	}
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, total, nil
}

// Dismiss marks an entry dismissed so RetryAll skips it. The entry stays
// visible in listings until a later success removes it.
func (q *Queue) Dismiss(ctx context.Context, typ entity.Type, id string) error {
	f := field(typ, id)
	rec, err := q.get(ctx, f)
	if err != nil {
		return err
	}
	if rec == nil {
		return syncerr.New(syncerr.CodeNotFound, "no failed record for "+f)
	}
	rec.State = StateDismissed
	raw, _ := json.Marshal(rec)
	if err := q.rdb.HSet(ctx, q.key, f, raw).Err(); err != nil {
		return syncerr.Wrap(syncerr.CodeDependency, "failed-record store", err)
	}
	return nil
}

// Remove deletes the entry after a successful retry.
func (q *Queue) Remove(ctx context.Context, typ entity.Type, id string) error {
	if err := q.rdb.HDel(ctx, q.key, field(typ, id)).Err(); err != nil {
		return syncerr.Wrap(syncerr.CodeDependency, "failed-record delete", err)
	}
	return nil
}

// Retry re-runs the sync for one queued record. Success removes the
// entry; failure re-enqueues with the attempt count bumped.
func (q *Queue) Retry(ctx context.Context, r Retrier, typ entity.Type, id string) error {
	rec, err := q.Get(ctx, typ, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return syncerr.New(syncerr.CodeNotFound, "no failed record for "+field(typ, id))
	}

	if err := r.RetryOne(ctx, typ, id); err != nil {
		enqErr := q.Enqueue(ctx, FailedRecord{
			EntityType:       typ,
			EntityID:         id,
			LastErrorCode:    syncerr.CodeOf(err),
			LastErrorMessage: err.Error(),
			HTTPStatus:       syncerr.StatusOf(err),
		})
		if enqErr != nil {
			log.Error().Err(enqErr).Msg("cannot re-enqueue after failed retry")
		}
		return err
	}
	return q.Remove(ctx, typ, id)
}

// RetryAllResult summarizes a bulk retry.
type RetryAllResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RetryAll retries every queued entry, optionally narrowed to one entity
// type, with at most workers retries in flight. Dismissed entries are
// skipped. A failing entry does not stop the pass.
func (q *Queue) RetryAll(ctx context.Context, r Retrier, typ entity.Type, workers int) (RetryAllResult, error) {
	if workers <= 0 {
		workers = 1
	}
	queued, _, err := q.List(ctx, Filter{State: StateQueued, EntityType: typ})
	if err != nil {
		return RetryAllResult{}, err
	}

	var mu sync.Mutex
	var res RetryAllResult
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rec := range queued {
		rec := rec
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := q.Retry(gctx, r, rec.EntityType, rec.EntityID)
			mu.Lock()
			defer mu.Unlock()
			res.Attempted++
			if err != nil {
				res.Failed++
				log.Warn().Err(err).
					Str("entity_type", string(rec.EntityType)).
					Str("entity_id", rec.EntityID).
					Msg("bulk retry entry failed")
				return nil
			}
			res.Succeeded++
			return nil
		})
	}
	g.Wait()
	return res, ctx.Err()
}

// Len counts queued entries for the readiness and status surfaces.
func (q *Queue) Len(ctx context.Context) (int, error) {
	_, total, err := q.List(ctx, Filter{State: StateQueued})
	return total, err
}
