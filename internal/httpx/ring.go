package httpx

import (
	"sync"
	"time"
)

// CallRecord is one entry in the recent-call log surfaced by the control
// plane. Paths are templates only; no query strings or payloads.
type CallRecord struct {
	Time          time.Time `json:"time"`
	Service       string    `json:"service"`
	Method        string    `json:"method"`
	Host          string    `json:"host"`
	Path          string    `json:"path"`
	Status        int       `json:"status_code"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	Attempt       int       `json:"attempt"`
	CorrelationID string    `json:"correlation_id"`
	Error         string    `json:"error,omitempty"`
}

// CallFilter narrows Calls output.
type CallFilter struct {
	Service    string
	Method     string
	StatusCode int
	ErrorsOnly bool
	Limit      int
}

// callLog is a fixed-size ring of recent outbound calls.
type callLog struct {
	mu   sync.Mutex
	buf  []CallRecord
	next int
	full bool
}

func newCallLog(size int) *callLog {
	return &callLog{buf: make([]CallRecord, size)}
}

func (l *callLog) add(r CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns records newest-first.
func (l *callLog) snapshot() []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	out := make([]CallRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Calls returns recent outbound calls, newest first, matching the filter.
func (c *Client) Calls(f CallFilter) []CallRecord {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []CallRecord
	for _, r := range c.calls.snapshot() {
		if f.Service != "" && r.Service != f.Service {
			continue
		}
		if f.Method != "" && r.Method != f.Method {
			continue
		}
		if f.StatusCode != 0 && r.Status != f.StatusCode {
			continue
		}
		if f.ErrorsOnly && r.Error == "" && r.Status < 400 {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out
}
