package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// diskStore is the tier-3 snapshot: one JSON file per key. It exists so
// reads keep working when both the process cache is cold and Redis is
// unreachable, so it must not depend on anything external.
type diskStore struct {
	dir string
	mu  sync.Mutex
}

func newDiskStore(dir string) *diskStore {
	return &diskStore{dir: dir}
}

// fileFor hashes the key: cache keys contain colons and slashes.
func (d *diskStore) fileFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:16])+".json")
}

func (d *diskStore) write(key string, ent entry) error {
	if d.dir == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(struct {
		Key string `json:"key"`
		entry
	}{Key: key, entry: ent})
	if err != nil {
		return err
	}
	tmp := d.fileFor(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.fileFor(key))
}

func (d *diskStore) read(key string) (entry, bool) {
	if d.dir == "" {
		return entry{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := os.ReadFile(d.fileFor(key))
	if err != nil {
		return entry{}, false
	}
	var stored struct {
		Key string `json:"key"`
		entry
	}
	if err := json.Unmarshal(raw, &stored); err != nil || stored.Key != key {
		return entry{}, false
	}
	return stored.entry, true
}

func (d *diskStore) remove(key string) {
	if d.dir == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	os.Remove(d.fileFor(key))
}

// removeAll wipes every snapshot, including ones written by a previous
// process whose keys this one has never seen.
func (d *diskStore) removeAll() {
	if d.dir == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(d.dir, "*.json"))
	if err != nil {
		return
	}
	for _, f := range matches {
		os.Remove(f)
	}
}
