package httpx

import (
	"time"

	"github.com/sony/gobreaker"
)

// DependencyStatus summarizes one host's recent behavior. Derived from the
// circuit breaker plus the latency of the most recent completed call.
type DependencyStatus struct {
	Host        string        `json:"host"`
	Healthy     bool          `json:"healthy"`
	State       string        `json:"state"`
	LastLatency time.Duration `json:"last_latency_ms"`
	LastChecked time.Time     `json:"last_checked"`
	LastError   string        `json:"last_error,omitempty"`
}

func (h *hostState) note(latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastChecked = time.Now()
	if err != nil {
		h.lastErr = err.Error()
		return
	}
	h.lastLatency = latency
	h.lastErr = ""
}

// Health reports per-host dependency status for the readiness probe and
// the /dependencies/health endpoint.
func (c *Client) Health() []DependencyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DependencyStatus, 0, len(c.hosts))
	for host, hs := range c.hosts {
		state := hs.breaker.State()
		hs.mu.Lock()
		out = append(out, DependencyStatus{
			Host:        host,
			Healthy:     state == gobreaker.StateClosed,
			State:       state.String(),
			LastLatency: hs.lastLatency / time.Millisecond,
			LastChecked: hs.lastChecked,
			LastError:   hs.lastErr,
		})
		hs.mu.Unlock()
	}
	return out
}
