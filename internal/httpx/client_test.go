package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldops/safesync/internal/syncerr"
)

func testClient(opts Options) *Client {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = 5 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 50 * time.Millisecond
	}
	return New(opts)
}

func TestDo_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(Options{})
	resp, err := c.Do(context.Background(), Request{
		Service: "target", Method: http.MethodGet, URL: srv.URL + "/things",
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(Options{MaxAttempts: 2})
	start := time.Now()
	resp, err := c.Do(context.Background(), Request{
		Service: "target", Method: http.MethodGet, URL: srv.URL + "/limited",
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if waited := time.Since(start); waited < time.Second {
		t.Errorf("waited %v before retry, want >= 1s (Retry-After)", waited)
	}
}

func TestDo_404SurfacedImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(Options{})
	_, err := c.Do(context.Background(), Request{
		Service: "target", Method: http.MethodGet, URL: srv.URL + "/missing",
	})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server saw %d calls, want 1 (4xx must not retry)", got)
	}
}

func TestDo_PostWithoutIdempotencyKeyNotRetriedAfterSend(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(Options{})
	_, err := c.Do(context.Background(), Request{
		Service: "target", Method: http.MethodPost, URL: srv.URL + "/create",
		Body: []byte(`{}`),
	})
	if err == nil {
		t.Fatal("expected error for 500")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server saw %d calls, want 1 (non-idempotent POST reached the wire)", got)
	}
}

func TestDo_PostWithIdempotencyKeyRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("Idempotency-Key header missing")
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(Options{})
	resp, err := c.Do(context.Background(), Request{
		Service: "target", Method: http.MethodPost, URL: srv.URL + "/create",
		Body: []byte(`{}`), IdempotencyKey: "emp-1001-abc",
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.Status)
	}
}

func TestDo_ResponseBodyCap(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	c := testClient(Options{MaxResponseBytes: 1024})
	_, err := c.Do(context.Background(), Request{
		Service: "target", Method: http.MethodGet, URL: srv.URL + "/big",
	})
	if err == nil {
		t.Fatal("expected error for oversized body")
	}
	// A terminal client-side failure, never the internal bucket and never
	// retried.
	if !syncerr.Is(err, syncerr.CodeValidation) {
		t.Errorf("code = %s, want validation_failed", syncerr.CodeOf(err))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

func TestDo_LocalBucketExhaustionFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// 1 rps, burst 1: second immediate call cannot get a token inside the
	// queue timeout.
	c := New(Options{
		MaxAttempts: 1, RPSPerHost: 1, BurstPerHost: 1,
		QueueTimeout: 10 * time.Millisecond,
		BaseBackoff:  time.Millisecond, MaxBackoff: time.Millisecond,
	})
	if _, err := c.Do(context.Background(), Request{Service: "target", Method: http.MethodGet, URL: srv.URL}); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	_, err := c.Do(context.Background(), Request{Service: "target", Method: http.MethodGet, URL: srv.URL})
	if err == nil {
		t.Fatal("expected rate_limited error")
	}
}

func TestCalls_FilterAndOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(Options{MaxAttempts: 1})
	c.Do(context.Background(), Request{Service: "fleet", Method: http.MethodGet, URL: srv.URL + "/ok"})
	c.Do(context.Background(), Request{Service: "target", Method: http.MethodGet, URL: srv.URL + "/bad"})

	all := c.Calls(CallFilter{})
	if len(all) != 2 {
		t.Fatalf("got %d call records, want 2", len(all))
	}
	if all[0].Path != "/bad" {
		t.Errorf("newest record path = %q, want /bad", all[0].Path)
	}

	errsOnly := c.Calls(CallFilter{ErrorsOnly: true})
	if len(errsOnly) != 1 || errsOnly[0].Status != http.StatusBadRequest {
		t.Errorf("errors-only filter returned %+v", errsOnly)
	}

	byService := c.Calls(CallFilter{Service: "fleet"})
	if len(byService) != 1 || byService[0].Service != "fleet" {
		t.Errorf("service filter returned %+v", byService)
	}
}
