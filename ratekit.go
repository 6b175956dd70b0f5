// Package ratekit provides request rate limiting middleware for Chi and
// standard http.Handler pipelines.
//
// Each request is attributed to a client key (default: client IP, with
// IPv6 addresses collapsed to a /56 so rotating the low bits of an
// address block doesn't evade the limit), counted against a time window
// in a pluggable store, and denied with 429 once the configured limit
// is exceeded. Denied responses carry Retry-After plus, depending on
// configuration, the legacy X-RateLimit-* headers and/or the IETF
// draft RateLimit fields (drafts 6, 7 and 8).
//
// Basic usage:
//
//	limiter, err := ratekit.New(
//	    ratekit.WithLimit(100),
//	    ratekit.WithWindow(time.Minute),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer limiter.Close()
//
//	r := chi.NewRouter()
//	r.Use(limiter.Handler)
//
// The default store is in-memory and suitable only for single-instance
// deployments; use store.NewRedis for distributed ones. A store
// instance must not be shared between limiters: their quotas would
// silently merge (a runtime diagnostic flags this).
//
// Counting semantics: the store's increment is the sole atomic
// primitive, so no increments are ever lost under concurrent requests,
// but which request observes count N versus N+1 is not tied to arrival
// order. That is fine for abuse prevention and NOT suitable for strict
// sequential quota enforcement.
package ratekit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/ratekit/ratekit/store"
)

// ErrResetAllNotSupported is returned by Limiter.ResetAll when the
// configured store cannot clear all keys at once.
var ErrResetAllNotSupported = errors.New("ratekit: store does not support resetting all keys")

// Limiter is a configured rate limiter. Construct once with New and
// mount its Handler; constructing a limiter per request defeats the
// store's lifecycle and is flagged by a diagnostic.
type Limiter struct {
	cfg        *config
	store      store.Store
	ownedStore bool
	checks     *diagnostics

	sharedStore         bool
	constructedInFlight bool
}

// New builds a Limiter from the given options. Invalid configuration
// (negative limit, unknown header draft, unrecognized store shape,
// unknown validation check names) fails here rather than at request
// time. If no store is configured the limiter owns a fresh in-memory
// store, initialized with the configured window.
func New(opts ...Option) (*Limiter, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}

	checks, err := newDiagnostics(cfg.logger, cfg.validation, cfg.validationChecks)
	if err != nil {
		return nil, err
	}

	st := cfg.store
	owned := false
	if st == nil {
		st = store.NewMemory()
		owned = true
	}

	l := &Limiter{
		cfg:        cfg,
		store:      st,
		ownedStore: owned,
		checks:     checks,
	}
	l.sharedStore = claimStore(st, l)
	l.constructedInFlight = inFlight.Load() > 0

	if init, ok := st.(store.Initializer); ok {
		init.Init(cfg.window)
	}
	return l, nil
}

// Handler returns the rate limiting middleware.
//
// Per request: the skip predicate runs first and bypasses everything
// including the store; the client key is resolved; the store increment
// decides allow (post-increment count <= limit) or deny; the Info is
// attached to the request context and the configured headers are set;
// denied requests get Retry-After and the deny handler, allowed ones
// proceed to the next handler. With the skip-failed/skip-successful
// flags the hit is counted speculatively and refunded asynchronously
// after the response completes, at most once per request.
//
// Store failures fail closed with a 500 unless WithPassOnStoreError
// lets the request through after logging.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight.Add(1)
		defer inFlight.Add(-1)

		if l.cfg.skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		key, err := l.cfg.keyGenerator(r)
		if err != nil {
			l.resolverError(w, r, "rate limit key generator failed", err)
			return
		}
		l.checks.forwardedHeader(r, l.cfg.defaultKeyer)
		l.checks.key(key)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		l.checks.sharedStore(l.sharedStore)
		l.checks.construction(l.constructedInFlight)

		ctx, double := markCounted(r.Context(), l.store)
		l.checks.singleCount(double, key)
		r = r.WithContext(ctx)

		res, err := l.store.Increment(ctx, key)
		if err != nil {
			l.cfg.logger.Error("rate limit store increment failed", "error", err, "key", key)
			if hasCanonicalLine(ctx) {
				canonlog.ErrorAdd(ctx, err)
			}
			if l.cfg.passOnStoreError {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Rate limit check failed", http.StatusInternalServerError)
			return
		}
		l.checks.positiveHits(res.Hits)

		limit, err := l.cfg.limit(r)
		if err != nil {
			l.resolverError(w, r, "rate limit resolver failed", err)
			return
		}

		info := &Info{
			Limit:     limit,
			Used:      res.Hits,
			Remaining: max(0, limit-res.Hits),
			Reset:     res.Reset,
			Key:       key,
		}
		r = r.WithContext(withInfo(r.Context(), l.cfg.identifier, info))

		now := time.Now()
		if res.Reset.IsZero() {
			l.checks.unreliableReset()
		}

		h := w.Header()
		if l.cfg.legacyHeaders {
			setLegacyHeaders(h, info, now)
		}
		switch l.cfg.draft {
		case Draft6:
			setDraft6Headers(h, info, l.cfg.window, now)
		case Draft7:
			setDraft7Headers(h, info, l.cfg.window, now)
		case Draft8:
			setDraft8Headers(h, info, l.cfg.window, now, l.cfg.identifier)
		}

		exceeded := res.Hits > limit
		if logCtx := r.Context(); hasCanonicalLine(logCtx) {
			canonlog.InfoAddMany(logCtx, map[string]any{
				"ratelimit_key":      key,
				"ratelimit_used":     res.Hits,
				"ratelimit_limit":    limit,
				"ratelimit_exceeded": exceeded,
			})
		}

		if exceeded {
			setRetryAfter(h, info, l.cfg.window, now)
			// First request past the limit, and only that one, fires
			// the breach callback.
			if res.Hits == limit+1 && l.cfg.onLimitReached != nil {
				l.cfg.onLimitReached(r, info)
			}
			l.cfg.handler(w, r, info)
			return
		}

		if !l.cfg.skipFailed && !l.cfg.skipSuccessful {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		success := l.cfg.wasSuccessful(r, rec.status())
		if (success && l.cfg.skipSuccessful) || (!success && l.cfg.skipFailed) {
			l.refund(r.Context(), rec, key)
		}
	})
}

// refund undoes a speculative hit asynchronously, at most once per
// request regardless of how many completion paths report in.
func (l *Limiter) refund(ctx context.Context, rec *statusRecorder, key string) {
	rec.refundOnce.Do(func() {
		ctx = context.WithoutCancel(ctx)
		go func() {
			if err := l.store.Decrement(ctx, key); err != nil {
				l.cfg.logger.Error("rate limit refund failed", "error", err, "key", key)
			}
		}()
	})
}

// hasCanonicalLine reports whether the request context carries a
// canonlog logger to enrich.
func hasCanonicalLine(ctx context.Context) bool {
	_, ok := canonlog.TryGetLogger(ctx)
	return ok
}

func (l *Limiter) resolverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	l.cfg.logger.Error(msg, "error", err)
	if hasCanonicalLine(r.Context()) {
		canonlog.ErrorAdd(r.Context(), err)
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// ResetKey forces a client's count back to zero.
func (l *Limiter) ResetKey(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// ResetAll clears every client's state, when the store supports it.
func (l *Limiter) ResetAll(ctx context.Context) error {
	if ar, ok := l.store.(store.AllResetter); ok {
		return ar.ResetAll(ctx)
	}
	return ErrResetAllNotSupported
}

// GetKey reads a client's current state without counting a hit. ok is
// false when the key is unknown or expired.
func (l *Limiter) GetKey(ctx context.Context, key string) (store.IncrementResult, bool, error) {
	return l.store.Get(ctx, key)
}

// Close releases the limiter's own default store. Stores passed in via
// WithStore belong to the caller and are left alone.
func (l *Limiter) Close() error {
	if !l.ownedStore {
		return nil
	}
	if c, ok := l.store.(store.Closer); ok {
		return c.Close()
	}
	return nil
}

// statusRecorder captures the response status so completed responses
// can be classified for speculative accounting.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	refundOnce  sync.Once
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.statusCode = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// status reports the written status, or 200 for handlers that never
// wrote one, matching net/http's implicit default.
func (s *statusRecorder) status() int {
	if !s.wroteHeader {
		return http.StatusOK
	}
	return s.statusCode
}

// defaultDenyHandler writes the configured status code and message:
// plain text for strings, JSON for anything else. Encoding happens
// into a buffer first so a failed encode never mixes partial output
// into the response.
func (c *config) defaultDenyHandler() DenyHandler {
	return func(w http.ResponseWriter, r *http.Request, _ *Info) {
		switch msg := c.message(r).(type) {
		case string:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(c.statusCode)
			io.WriteString(w, msg)
		default:
			buf := new(bytes.Buffer)
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(c.statusCode)
			w.Write(buf.Bytes())
		}
	}
}
