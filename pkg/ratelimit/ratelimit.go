// Package ratelimit enforces sliding-window quotas over persisted events.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/covault/autodetect/pkg/api"
)

// Window allows at most Limit events within any trailing Span.
type Window struct {
	Span  time.Duration
	Limit int
}

// DefaultWindows is the flag policy: one per day and five per week.
var DefaultWindows = []Window{
	{Span: 24 * time.Hour, Limit: 1},
	{Span: 7 * 24 * time.Hour, Limit: 5},
}

// Counter counts events recorded for key at or after since.
type Counter interface {
	CountSince(ctx context.Context, key string, since time.Time) (int, error)
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(ctx context.Context, key string, since time.Time) (int, error)

// CountSince implements Counter.
func (f CounterFunc) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
	return f(ctx, key, since)
}

// Limiter checks a key against every window in order.
type Limiter struct {
	counter Counter
	windows []Window
	now     func() time.Time

	mu   sync.Mutex
	keys map[string]*keyLock
}

// keyLock is held by at most one Reserve per key. refs counts holders and
// waiters so the entry can be dropped once nobody uses it.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// New creates a limiter. With no windows, DefaultWindows apply. A nil now
// uses time.Now.
func New(counter Counter, now func() time.Time, windows ...Window) *Limiter {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		counter: counter,
		windows: windows,
		now:     now,
		keys:    make(map[string]*keyLock),
	}
}

// Allow returns nil when another event for key fits in every window, and an
// *api.RateLimitError naming the first exhausted window otherwise. It records
// nothing; callers persist the event themselves.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	now := l.now()
	for _, w := range l.windows {
		n, err := l.counter.CountSince(ctx, key, now.Add(-w.Span))
		if err != nil {
			return api.NewStoreError(fmt.Sprintf("counting events in %s window", w.Span), err)
		}
		if n >= w.Limit {
			return &api.RateLimitError{Span: w.Span, Limit: w.Limit}
		}
	}
	return nil
}

// Reserve checks key like Allow and, on success, holds key until done is
// called. Callers record the event before calling done, so concurrent
// reservations for the same key count it.
func (l *Limiter) Reserve(ctx context.Context, key string) (done func(), err error) {
	unlock, err := l.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := l.Allow(ctx, key); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

func (l *Limiter) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.keys[key]
	if !ok {
		k = &keyLock{sem: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.keys, key)
		}
		l.mu.Unlock()
	}

	select {
	case k.sem <- struct{}{}:
		return func() {
			<-k.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, fmt.Errorf("waiting for %s: %w", key, ctx.Err())
	}
}
