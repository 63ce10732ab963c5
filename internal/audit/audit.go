// Package audit keeps a bounded log of control-plane write actions in a
// Redis list, newest first.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/syncerr"
)

// Entry records one operator action.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
}

// maxEntries bounds the Redis list; older actions fall off the tail.
const maxEntries = 1000

// Log appends to and reads from the audit list.
type Log struct {
	rdb *redis.Client
	key string
}

// New creates the log under the given namespace.
func New(rdb *redis.Client, namespace string) *Log {
	return &Log{rdb: rdb, key: namespace + ":audit:log"}
}

// Record appends one entry. Failures are logged and swallowed: auditing
// never blocks the action it describes.
func (l *Log) Record(ctx context.Context, actor, action string, details map[string]string) {
	e := Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Actor:     actor,
		Action:    action,
		Details:   details,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	pipe := l.rdb.Pipeline()
	pipe.LPush(ctx, l.key, raw)
	pipe.LTrim(ctx, l.key, 0, maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}

// List returns up to limit entries, newest first, optionally filtered by
// action name.
func (l *Log) List(ctx context.Context, action string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxEntries {
		limit = 100
	}
	raws, err := l.rdb.LRange(ctx, l.key, 0, maxEntries-1).Result()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeDependency, "audit read", err)
	}
	var out []Entry
	for _, raw := range raws {
		if len(out) >= limit {
			break
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if action != "" && e.Action != action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
