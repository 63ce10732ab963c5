// Package httpx provides the rate-limited, retrying HTTP client used for
// every call to an external system. Policy lives here and only here:
// adapters and syncers never implement their own retries.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fieldops/safesync/internal/metrics"
	"github.com/fieldops/safesync/internal/syncerr"
)

// Request describes one outbound call. Body is held as bytes so retries
// can replay it without the caller's involvement.
type Request struct {
	Service        string // logical dependency name, used in call log and health
	Method         string
	URL            string
	Header         http.Header
	Body           []byte
	IdempotencyKey string // empty means the request is not safely retryable mid-flight
	CorrelationID  string // generated when empty
}

// Response is the terminal result of a call, after retries.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Elapsed time.Duration
}

// Options tunes the shared client. Zero values are filled with defaults.
type Options struct {
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	QueueTimeout       time.Duration
	MaxResponseBytes   int64
	RPSPerHost         float64
	BurstPerHost       int
	ConcurrencyPerHost int
	Timeout            time.Duration
}

func (o *Options) fillDefaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 5 * time.Second
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = 16 << 20
	}
	if o.RPSPerHost <= 0 {
		o.RPSPerHost = 10
	}
	if o.BurstPerHost <= 0 {
		o.BurstPerHost = 20
	}
	if o.ConcurrencyPerHost <= 0 {
		o.ConcurrencyPerHost = 8
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
}

// hostState is the shared per-host throttling state.
type hostState struct {
	limiter *rate.Limiter
	sem     chan struct{}
	breaker *gobreaker.CircuitBreaker

	mu          sync.Mutex
	lastLatency time.Duration
	lastChecked time.Time
	lastErr     string
}

// Client is safe for concurrent use.
type Client struct {
	opts  Options
	httpc *http.Client

	mu    sync.Mutex
	hosts map[string]*hostState

	calls *callLog
}

// New builds a client. A single instance is shared by all adapters so the
// per-host buckets actually bound aggregate traffic.
func New(opts Options) *Client {
	opts.fillDefaults()
	return &Client{
		opts:  opts,
		httpc: &http.Client{Timeout: opts.Timeout},
		hosts: make(map[string]*hostState),
		calls: newCallLog(512),
	}
}

func (c *Client) host(name string) *hostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs, ok := c.hosts[name]
	if !ok {
		hs = &hostState{
			limiter: rate.NewLimiter(rate.Limit(c.opts.RPSPerHost), c.opts.BurstPerHost),
			sem:     make(chan struct{}, c.opts.ConcurrencyPerHost),
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    name,
				Timeout: 30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
			}),
		}
		c.hosts[name] = hs
	}
	return hs
}

// Do runs the request with per-host throttling and the retry policy.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeInternal, "invalid url", err)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	hs := c.host(u.Host)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BaseBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 1 // full jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		resp, err := c.attempt(ctx, hs, u, req, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !c.shouldRetry(req, err) || attempt == c.opts.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if ra := retryAfterOf(err); ra > delay {
			delay = ra
		}
		if delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, syncerr.Wrap(syncerr.CodeTransport, "request cancelled", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// attempt performs a single send, including token and slot acquisition.
func (c *Client) attempt(ctx context.Context, hs *hostState, u *url.URL, req Request, attempt int) (*Response, error) {
	// Token bucket wait is bounded: callers must not queue indefinitely.
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.QueueTimeout)
	err := hs.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.Wrap(syncerr.CodeTransport, "request cancelled", ctx.Err())
		}
		return nil, syncerr.New(syncerr.CodeRateLimited, "local token bucket exhausted")
	}

	select {
	case hs.sem <- struct{}{}:
	case <-time.After(c.opts.QueueTimeout):
		return nil, syncerr.New(syncerr.CodeRateLimited, "per-host concurrency cap reached")
	case <-ctx.Done():
		return nil, syncerr.Wrap(syncerr.CodeTransport, "request cancelled", ctx.Err())
	}
	defer func() { <-hs.sem }()

	result, err := hs.breaker.Execute(func() (any, error) {
		return c.send(ctx, u, req, attempt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = syncerr.Wrap(syncerr.CodeDependency, u.Host+" circuit open", err)
		}
		hs.note(0, err)
		return nil, err
	}
	resp := result.(*Response)
	hs.note(resp.Elapsed, nil)
	return resp, nil
}

func (c *Client) send(ctx context.Context, u *url.URL, req Request, attempt int) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeInternal, "build request", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	start := time.Now()
	httpResp, err := c.httpc.Do(httpReq)
	elapsed := time.Since(start)

	logEvent := log.Ctx(ctx).Info()
	if err != nil || (httpResp != nil && httpResp.StatusCode >= 400) {
		logEvent = log.Ctx(ctx).Warn()
	}
	status := 0
	if httpResp != nil {
		status = httpResp.StatusCode
	}
	logEvent.
		Str("service", req.Service).
		Str("method", req.Method).
		Str("host", u.Host).
		Str("path", u.Path).
		Int("status", status).
		Dur("elapsed", elapsed).
		Int("attempt", attempt).
		Str("correlation_id", req.CorrelationID).
		Msg("outbound http request")

	c.calls.add(CallRecord{
		Time:          start,
		Service:       req.Service,
		Method:        req.Method,
		Host:          u.Host,
		Path:          u.Path,
		Status:        status,
		ElapsedMs:     elapsed.Milliseconds(),
		Attempt:       attempt,
		CorrelationID: req.CorrelationID,
		Error:         errString(err),
	})

	if err != nil {
		return nil, classifyTransport(err)
	}
	defer httpResp.Body.Close()

	metrics.HTTPRequestDuration.WithLabelValues(u.Host, req.Method, strconv.Itoa(status)).Observe(elapsed.Seconds())

	// Stream at most MaxResponseBytes; anything beyond is a hard failure,
	// not a silent truncation.
	body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, c.opts.MaxResponseBytes+1))
	if readErr != nil {
		return nil, syncerr.Wrap(syncerr.CodeTransport, "read response body", readErr)
	}
	// Classified with the terminal 4xx family: retrying cannot shrink the
	// payload, and the failure is ours, not the dependency's.
	if int64(len(body)) > c.opts.MaxResponseBytes {
		return nil, syncerr.New(syncerr.CodeValidation,
			fmt.Sprintf("response body exceeds %d byte limit", c.opts.MaxResponseBytes)).WithStatus(status)
	}

	if status >= 200 && status < 300 {
		return &Response{Status: status, Header: httpResp.Header, Body: body, Elapsed: elapsed}, nil
	}

	serr := syncerr.FromStatus(status, fmt.Sprintf("%s %s returned %d", req.Method, u.Path, status))
	if ra := parseRetryAfter(httpResp.Header.Get("Retry-After")); ra > 0 {
		serr.Err = &retryAfterError{after: ra}
	}
	return nil, serr
}

// shouldRetry applies the retry matrix. Non-idempotent requests are only
// retried when the failure happened before the request hit the wire.
func (c *Client) shouldRetry(req Request, err error) bool {
	var se *syncerr.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case syncerr.CodeRateLimited:
		return true
	case syncerr.CodeDependency:
		if se.HTTPStatus == http.StatusNotImplemented || se.HTTPStatus == http.StatusHTTPVersionNotSupported {
			return false
		}
	case syncerr.CodeTransport:
	case syncerr.CodeInternal:
		// 408/425 come through as internal with a status attached.
		if se.HTTPStatus != http.StatusRequestTimeout && se.HTTPStatus != http.StatusTooEarly {
			return false
		}
	default:
		return false
	}

	if req.Method == http.MethodPost && req.IdempotencyKey == "" {
		return isConnectFailure(err)
	}
	return true
}

// classifyTransport maps a client-side error. TLS failures are terminal.
func classifyTransport(err error) error {
	if isTLSError(err) {
		return syncerr.Wrap(syncerr.CodeInternal, "tls failure", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return syncerr.Wrap(syncerr.CodeTransport, "request timeout", err)
	}
	return syncerr.Wrap(syncerr.CodeTransport, "transport failure", err)
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	return errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostErr)
}

// isConnectFailure reports whether the request never reached the server.
func isConnectFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

type retryAfterError struct{ after time.Duration }

func (e *retryAfterError) Error() string { return "retry after " + e.after.String() }

func retryAfterOf(err error) time.Duration {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
