package audit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test")
}

func TestRecordAndListNewestFirst(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	l.Record(ctx, "ops@example.com", "trigger_sync", map[string]string{"sync_type": "full"})
	l.Record(ctx, "ops@example.com", "pause_sync", map[string]string{"paused": "true"})

	entries, err := l.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Action != "pause_sync" {
		t.Errorf("first entry = %s, want pause_sync (newest first)", entries[0].Action)
	}
	if entries[0].ID == "" || entries[0].Timestamp.IsZero() {
		t.Error("entry id/timestamp not populated")
	}
	if entries[1].Details["sync_type"] != "full" {
		t.Errorf("details = %v", entries[1].Details)
	}
}

func TestListActionFilterAndLimit(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Record(ctx, "a", "cache_invalidate", nil)
	}
	l.Record(ctx, "a", "trigger_sync", nil)

	entries, err := l.List(ctx, "cache_invalidate", 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Action != "cache_invalidate" {
			t.Errorf("unexpected action %s", e.Action)
		}
	}
}
