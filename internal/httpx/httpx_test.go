package httpx

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/njoerd114/platformsync/internal/model"
)

// fastOpts returns Options with a tiny backoff so retry tests run quickly.
func fastOpts() Options {
	return Options{BaseDelay: time.Millisecond, MaxRetries: 3}
}

func TestClient_RetriesRateLimitThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"id":"42"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastOpts())
	var out struct{ ID string }
	if err := c.Do(context.Background(), http.MethodGet, "/items", nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.ID != "42" {
		t.Errorf("ID = %q, want 42", out.ID)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("hits = %d, want 3", n)
	}
}

func TestClient_RateLimitExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastOpts())
	err := c.Do(context.Background(), http.MethodGet, "/items", nil, nil)
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if model.ErrorCode(err) != "RATE_LIMIT" {
		t.Errorf("ErrorCode = %q", model.ErrorCode(err))
	}
	if n := hits.Load(); n != 4 {
		t.Errorf("hits = %d, want 4 (1 + 3 retries)", n)
	}
}

func TestClient_OtherStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastOpts())
	err := c.Do(context.Background(), http.MethodGet, "/items", nil, nil)
	if StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500 StatusError", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("hits = %d, want 1", n)
	}
}

func TestClient_RefreshesOnceOn401(t *testing.T) {
	var mu sync.Mutex
	token := "old"
	var refreshes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	opts := fastOpts()
	opts.Authorize = func(r *http.Request) error {
		mu.Lock()
		defer mu.Unlock()
		r.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	opts.Refresh = func(context.Context) error {
		refreshes.Add(1)
		mu.Lock()
		token = "new"
		mu.Unlock()
		return nil
	}

	c := NewClient(srv.URL, time.Second, opts)
	if err := c.Do(context.Background(), http.MethodGet, "/me", nil, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if n := refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}

func TestClient_401WithoutRefreshIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastOpts())
	err := c.Do(context.Background(), http.MethodGet, "/me", nil, nil)
	if !errors.Is(err, model.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestClient_RefreshFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	opts := fastOpts()
	opts.Refresh = func(context.Context) error { return errors.New("invalid_grant") }
	c := NewClient(srv.URL, time.Second, opts)
	err := c.Do(context.Background(), http.MethodGet, "/me", nil, nil)
	if !errors.Is(err, model.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestClient_ReplaysBodyOnRetry(t *testing.T) {
	var hits atomic.Int32
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastOpts())
	if err := c.Do(context.Background(), http.MethodPost, "/issues", map[string]string{"title": "Fix"}, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] != `{"title":"Fix"}` {
		t.Errorf("bodies = %q, want the same JSON twice", bodies)
	}
}

// resetTransport fails the first n round trips with ECONNRESET.
type resetTransport struct {
	n     atomic.Int32
	fails int32
}

func (rt *resetTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.n.Add(1) <= rt.fails {
		return nil, &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	}
	return http.DefaultTransport.RoundTrip(r)
}

func TestClient_RetriesConnectionReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	rt := &resetTransport{fails: 2}
	opts := fastOpts()
	opts.Base = rt
	c := NewClient(srv.URL, time.Second, opts)
	if err := c.Do(context.Background(), http.MethodGet, "/", nil, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if n := rt.n.Load(); n != 3 {
		t.Errorf("round trips = %d, want 3", n)
	}

	always := &resetTransport{fails: 100}
	opts.Base = always
	c = NewClient(srv.URL, time.Second, opts)
	err := c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	if !errors.Is(err, model.ErrTransientNetwork) {
		t.Fatalf("err = %v, want ErrTransientNetwork", err)
	}
	if n := always.n.Load(); n != 4 {
		t.Errorf("round trips = %d, want 4", n)
	}
}

func TestClient_TimeoutAppliesPerAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"id":"42"}`)
	}))
	defer srv.Close()

	// Three slow attempts plus backoff outlast one timeout; none does alone.
	opts := Options{BaseDelay: 60 * time.Millisecond, MaxRetries: 3}
	c := NewClient(srv.URL, 150*time.Millisecond, opts)
	start := time.Now()
	var out struct{ ID string }
	if err := c.Do(context.Background(), http.MethodGet, "/x", nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.ID != "42" || hits.Load() != 3 {
		t.Errorf("id=%q hits=%d", out.ID, hits.Load())
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("elapsed %v, expected the sequence to outlast a single timeout", elapsed)
	}
}

func TestClient_HungAttemptTimesOut(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 50*time.Millisecond, fastOpts())
	err := c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if model.ErrorCode(err) != "TIMEOUT" {
		t.Errorf("code = %q", model.ErrorCode(err))
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("hits = %d, timeouts are not retried", n)
	}
}

func TestClient_UserAgentAndAbsoluteURL(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	opts := fastOpts()
	opts.UserAgent = "platformsync-test"
	c := NewClient("https://unused.invalid", time.Second, opts)
	if err := c.Do(context.Background(), http.MethodGet, srv.URL+"/x", nil, &struct{}{}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if ua != "platformsync-test" {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestStatusError_RedactsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastOpts())
	err := c.Do(context.Background(), http.MethodGet, "/cards?key=k&token=secret", nil, nil)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatal("expected *StatusError")
	}
	if se.URL != srv.URL+"/cards" {
		t.Errorf("URL = %q, want query stripped", se.URL)
	}
}

func TestLimiters_SharedPerPlatform(t *testing.T) {
	l := NewLimiters(func(p string) int {
		if p == "board" {
			return 10
		}
		return 100
	})
	a := l.For(model.PlatformBoard)
	if a != l.For(model.PlatformBoard) {
		t.Error("For returned different limiters for the same platform")
	}
	if a.Burst() != 10 {
		t.Errorf("Burst = %d, want 10", a.Burst())
	}
	if l.For(model.PlatformChat).Burst() != 100 {
		t.Error("chat limiter should use the default budget")
	}
}
