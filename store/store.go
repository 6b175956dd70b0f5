// Package store defines the counting-store contract used by the rate
// limiter and provides the built-in backends: an in-memory store for
// single-instance deployments and a Redis store for distributed ones.
//
// A Store tracks, per key, how many hits occurred in the current window
// and when that count resets. Increment is the only primitive that must
// be atomic per key: against any interleaving of concurrent increments
// for the same key, the final count equals the number of increments
// issued. Relative ordering of which caller observes count N versus N+1
// is not guaranteed, which is acceptable for abuse prevention but not
// for strict sequential quota enforcement.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrDecrementNotSupported is returned by stores that cannot undo a
// previously counted hit.
var ErrDecrementNotSupported = errors.New("store: decrement not supported")

// IncrementResult is the post-increment state of a key.
type IncrementResult struct {
	// Hits is the number of requests counted against the key in the
	// current window, including the increment that produced this result.
	Hits int64

	// Reset is when the key's count returns to zero. Zero when the
	// backend cannot supply one; callers should substitute a value
	// derived from the window length.
	Reset time.Time
}

// Store is the counting-store contract. Implementations must be safe
// for concurrent use and must keep keys independent of one another.
type Store interface {
	// Increment adds one hit to the key and returns the post-increment
	// state. Creates the key at count 1 if it does not exist or its
	// window has elapsed.
	Increment(ctx context.Context, key string) (IncrementResult, error)

	// Decrement removes one hit from the key, never going below zero.
	// Used to undo a speculatively counted request.
	Decrement(ctx context.Context, key string) error

	// Get reads the key's state without mutating it. ok is false when
	// the key does not exist or has expired.
	Get(ctx context.Context, key string) (result IncrementResult, ok bool, err error)

	// Reset forces the key's count back to zero.
	Reset(ctx context.Context, key string) error
}

// Initializer is implemented by stores that need the window length
// before serving requests. The limiter calls Init once per limiter
// instance; calling Init again must cancel any background work started
// by the previous call before starting new work.
type Initializer interface {
	Init(window time.Duration)
}

// AllResetter is implemented by stores that can clear every key at once.
type AllResetter interface {
	ResetAll(ctx context.Context) error
}

// Closer is implemented by stores holding background resources. Close
// must be safe to call multiple times.
type Closer interface {
	Close() error
}

// WindowedStore is the older store shape that takes the window on every
// increment instead of at initialization. Use AdaptWindowed to use one
// where a Store is expected.
type WindowedStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Get(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// AdaptWindowed wraps a WindowedStore in the Store contract. The window
// is supplied through Init and threaded into every increment. Decrement
// reports ErrDecrementNotSupported since the windowed shape has no way
// to undo a hit.
func AdaptWindowed(ws WindowedStore) Store {
	return &windowedAdapter{ws: ws}
}

type windowedAdapter struct {
	ws     WindowedStore
	window time.Duration
}

func (a *windowedAdapter) Init(window time.Duration) {
	a.window = window
}

func (a *windowedAdapter) Increment(ctx context.Context, key string) (IncrementResult, error) {
	count, ttl, err := a.ws.Increment(ctx, key, a.window)
	if err != nil {
		return IncrementResult{}, err
	}
	res := IncrementResult{Hits: count}
	if ttl > 0 {
		res.Reset = time.Now().Add(ttl)
	}
	return res, nil
}

func (a *windowedAdapter) Decrement(_ context.Context, _ string) error {
	return ErrDecrementNotSupported
}

func (a *windowedAdapter) Get(ctx context.Context, key string) (IncrementResult, bool, error) {
	count, err := a.ws.Get(ctx, key)
	if err != nil {
		return IncrementResult{}, false, err
	}
	if count == 0 {
		return IncrementResult{}, false, nil
	}
	return IncrementResult{Hits: count}, true, nil
}

func (a *windowedAdapter) Reset(ctx context.Context, key string) error {
	return a.ws.Reset(ctx, key)
}

func (a *windowedAdapter) Close() error {
	return a.ws.Close()
}
