// Package lock provides the single-flight locks that keep one full sync per
// integration in flight, and keyed item locks that serialize the realtime
// bridge against scheduled imports of the same entity.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is a non-blocking mutual exclusion keyed by string.
type Locker interface {
	// TryAcquire takes the lock for key without waiting. ok is false when
	// another holder has it. release must be called exactly once when ok.
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Local is an in-process Locker. The zero value is not usable; call NewLocal.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal returns an empty in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryAcquire implements Locker.
func (l *Local) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// LeaseStore keeps named, expiring leases. Implemented by [state.Store].
type LeaseStore interface {
	TryLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Lease is a Locker backed by leases in the shared state database, so the
// daemon and one-shot commands exclude each other without extra
// infrastructure. A lease outlives a crashed holder by at most ttl.
type Lease struct {
	store LeaseStore
	ttl   time.Duration
	log   *slog.Logger
}

// NewLease returns a Locker over store whose leases last ttl.
func NewLease(store LeaseStore, ttl time.Duration, logger *slog.Logger) *Lease {
	return &Lease{store: store, ttl: ttl, log: logger}
}

// TryAcquire implements Locker.
func (l *Lease) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	holder := uuid.NewString()
	ok, err := l.store.TryLease(ctx, key, holder, l.ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.store.ReleaseLease(ctx, key, holder); err != nil {
				l.log.Warn("releasing lease", "key", key, "error", err)
			}
		})
	}, true, nil
}

// Redis is a Locker backed by bsm/redislock. Locks expire after ttl even if
// the holder dies without releasing.
type Redis struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// TTL bounds how long a lock survives a crashed holder.
	TTL time.Duration

	// Prefix is prepended to every key. Defaults to "platformsync:lock:".
	Prefix string
}

// NewRedis connects to Redis and returns a Locker. The connection is checked
// with PING so misconfiguration fails at startup.
func NewRedis(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*Redis, func() error, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %q: %w", opts.Addr, err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "platformsync:lock:"
	}
	return &Redis{
		client: redislock.New(rdb),
		prefix: prefix,
		ttl:    opts.TTL,
		log:    logger,
	}, rdb.Close, nil
}

// TryAcquire implements Locker.
func (r *Redis) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtaining redis lock %q: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled by the time the
			// sync finishes.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.log.Warn("releasing redis lock", "key", key, "error", err)
			}
		})
	}, true, nil
}

// Keyed is a blocking mutex per key. Entries are reference counted and
// removed once no goroutine holds or waits on them.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed returns an empty Keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
