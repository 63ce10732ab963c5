// Package adapters wraps each external system behind typed, paginated
// reads and idempotent writes. Wire errors are translated to the
// taxonomy in syncerr before they leave this package; retries happen in
// the HTTP client underneath, never here.
package adapters

import (
	"context"

	"github.com/fieldops/safesync/internal/entity"
)

// Outcome of an idempotent write.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
)

// UpsertResult reports what the target did with a payload.
type UpsertResult struct {
	Outcome Outcome
	ID      string
}

// Source reads one entity type from a system of record. ListAll returns
// records in stable ascending order by entity id; implementations page
// internally and are restartable.
type Source interface {
	ListAll(ctx context.Context, t entity.Type) ([]entity.Record, error)
	GetByID(ctx context.Context, t entity.Type, id string) (entity.Record, error) // nil, nil when absent
}

// Target is the authoritative system the engine writes to. Upsert is
// idempotent under a stable idempotency key: repeating the same payload
// and key never creates duplicates.
type Target interface {
	Source
	Upsert(ctx context.Context, rec entity.Record, idempotencyKey string) (UpsertResult, error)
	Delete(ctx context.Context, t entity.Type, id string) (bool, error) // false when not found
}
