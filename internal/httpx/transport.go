// Package httpx is the outbound HTTP layer every platform adapter routes
// through. It owns the shared call policy: per-platform throttling, bearer or
// query authorization, one token refresh on 401, exponential backoff on 429
// and connection resets, a per-attempt timeout and OTel client spans.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/njoerd114/platformsync/internal/model"
)

// Policy defaults, overridable through Options.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Options configures a Transport.
type Options struct {
	// MaxRetries is the number of retries after the first attempt for
	// rate-limited or reset calls.
	MaxRetries int

	// BaseDelay is the first backoff interval; it doubles per retry.
	BaseDelay time.Duration

	// Timeout bounds each attempt, from dial until the response body is
	// closed. Backoff waits between attempts are not counted.
	Timeout time.Duration

	UserAgent string

	// Limiter throttles every attempt. Nil means unthrottled.
	Limiter *rate.Limiter

	// Authorize decorates each outgoing attempt with credentials. It runs
	// per attempt so a refreshed token is picked up by the retry.
	Authorize func(*http.Request) error

	// Refresh obtains a new access token. Nil when the integration has no
	// refresh token; a 401 then propagates as-is.
	Refresh func(context.Context) error

	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	Logger *slog.Logger
}

// Transport is an http.RoundTripper that applies the shared call policy.
// SDK clients (e.g. the Drive API) use it via an *http.Client, so the policy
// lives in one place.
type Transport struct {
	next       http.RoundTripper
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
	userAgent  string
	limiter    *rate.Limiter
	authorize  func(*http.Request) error
	refresh    func(context.Context) error
	log        *slog.Logger
}

// NewTransport builds a Transport from opts, filling defaults.
func NewTransport(opts Options) *Transport {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		next:       otelhttp.NewTransport(base),
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		timeout:    opts.Timeout,
		userAgent:  opts.UserAgent,
		limiter:    opts.Limiter,
		authorize:  opts.Authorize,
		refresh:    opts.Refresh,
		log:        log,
	}
}

// errRetryableStatus marks a 429 attempt inside the backoff loop.
var errRetryableStatus = errors.New("retryable status")

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.withRetry(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || t.refresh == nil {
		return resp, err
	}

	drain(resp)
	t.log.Info("access token rejected, refreshing", "host", req.URL.Host)
	if err := t.refresh(req.Context()); err != nil {
		return nil, fmt.Errorf("%w: refreshing access token: %w", model.ErrAuth, err)
	}
	return t.withRetry(req)
}

// withRetry runs attempts under the backoff policy. A 429 that survives every
// retry is returned as the final response; a reset that survives every retry
// is returned wrapped in model.ErrTransientNetwork.
func (t *Transport) withRetry(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	tries := uint(t.maxRetries + 1)
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		tries = 1 // body cannot be replayed
	}

	var last *http.Response
	keep := func(r *http.Response) {
		if last != nil {
			drain(last)
		}
		last = r
	}

	op := func() (*http.Response, error) {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		actx, cancel := context.WithTimeout(ctx, t.timeout)
		attempt, err := t.prepare(actx, req)
		if err != nil {
			cancel()
			return nil, backoff.Permanent(err)
		}
		resp, err := t.next.RoundTrip(attempt)
		if err != nil {
			cancel()
			if errors.Is(err, syscall.ECONNRESET) {
				return nil, fmt.Errorf("%w: %w", model.ErrTransientNetwork, err)
			}
			if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("attempt exceeded %v: %w", t.timeout, context.DeadlineExceeded)
			}
			return nil, backoff.Permanent(err)
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		if resp.StatusCode == http.StatusTooManyRequests {
			keep(resp)
			return nil, errRetryableStatus
		}
		return resp, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.baseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = t.baseDelay << t.maxRetries

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, d time.Duration) {
			t.log.Debug("retrying request",
				"method", req.Method, "host", req.URL.Host, "delay", d, "error", err)
		}),
	)
	if errors.Is(err, errRetryableStatus) && last != nil {
		return last, nil
	}
	if err != nil {
		if last != nil {
			drain(last)
		}
		return nil, err
	}
	return resp, nil
}

// prepare clones req onto ctx for one attempt, rewinding the body and
// applying the user agent and credentials.
func (t *Transport) prepare(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil && req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		r.Body = body
	}
	if t.userAgent != "" && r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", t.userAgent)
	}
	if t.authorize != nil {
		if err := t.authorize(r); err != nil {
			return nil, fmt.Errorf("authorizing request: %w", err)
		}
	}
	return r, nil
}

// cancelBody releases an attempt's timeout once the caller is done reading.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// NewLimiter returns a limiter allowing perMinute requests per minute with a
// burst of the same size.
func NewLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
}

// Limiters hands out one shared limiter per platform.
type Limiters struct {
	mu       sync.Mutex
	perMin   func(platform string) int
	limiters map[model.Platform]*rate.Limiter
}

// NewLimiters returns a Limiters sized by perMinute.
func NewLimiters(perMinute func(platform string) int) *Limiters {
	return &Limiters{perMin: perMinute, limiters: make(map[model.Platform]*rate.Limiter)}
}

// For returns the limiter for p, creating it on first use.
func (l *Limiters) For(p model.Platform) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[p]
	if !ok {
		lim = NewLimiter(l.perMin(string(p)))
		l.limiters[p] = lim
	}
	return lim
}
