package ratekit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ratekit/ratekit/store"
)

// Configuration errors returned by New. Invalid configuration fails the
// construction call outright rather than degrading silently.
var (
	ErrInvalidStore      = errors.New("ratekit: store implements neither store.Store nor store.WindowedStore")
	ErrInvalidLimit      = errors.New("ratekit: limit must be zero or positive")
	ErrInvalidStatusCode = errors.New("ratekit: status code must be a valid HTTP status")
	ErrUnsupportedDraft  = errors.New("ratekit: unsupported standard-headers draft")
	ErrUnknownCheck      = errors.New("ratekit: unknown validation check")
	ErrInvalidIPv6Prefix = errors.New("ratekit: ipv6 prefix must be between 1 and 128")
	ErrEmptyIdentifier   = errors.New("ratekit: identifier must not be empty")
)

// DefaultMessage is the body sent with denied requests unless
// WithMessage or WithHandler overrides it.
const DefaultMessage = "Too many requests, please try again later."

// LimitFunc resolves the limit for a single request, allowing
// different quotas per client tier, path, or similar.
type LimitFunc func(*http.Request) (int64, error)

// MessageFunc resolves the denial body for a single request. Strings
// are sent as plain text, everything else as JSON.
type MessageFunc func(*http.Request) any

// DenyHandler writes the response for a denied request. It runs after
// the configured headers (including Retry-After) are set and must write
// the response exactly once; the next handler is never called.
type DenyHandler func(w http.ResponseWriter, r *http.Request, info *Info)

// SuccessFunc classifies a completed response for the speculative
// accounting flags. The default treats any status below 400 as success.
type SuccessFunc func(r *http.Request, status int) bool

// BreachFunc is called the moment a client first exceeds its limit,
// exactly once per window transition.
type BreachFunc func(r *http.Request, info *Info)

// Option configures a Limiter. Options are applied once in New; the
// resulting configuration is immutable for the limiter's lifetime and
// every optional knob is resolved to a concrete value or closure before
// the first request, so the request path never branches on "was this
// option provided".
type Option func(*config)

type config struct {
	window           time.Duration
	limit            LimitFunc
	message          MessageFunc
	statusCode       int
	legacyHeaders    bool
	draft            HeaderDraft
	identifier       string
	keyGenerator     KeyFunc
	defaultKeyer     bool
	ipv6Prefix       int
	skip             func(*http.Request) bool
	skipFailed       bool
	skipSuccessful   bool
	wasSuccessful    SuccessFunc
	handler          DenyHandler
	store            store.Store
	validation       bool
	validationChecks map[string]bool
	passOnStoreError bool
	logger           *slog.Logger
	onLimitReached   BreachFunc

	errs []error
}

func defaultConfig() *config {
	return &config{
		window:        time.Minute,
		limit:         staticLimit(5),
		statusCode:    http.StatusTooManyRequests,
		legacyHeaders: true,
		draft:         DraftNone,
		identifier:    DefaultProperty,
		ipv6Prefix:    DefaultIPv6Prefix,
		validation:    true,
		logger:        slog.Default(),
	}
}

// finish resolves every unset field to its default. The key generator
// is built last so it picks up a configured IPv6 prefix.
func (c *config) finish() error {
	if c.keyGenerator == nil {
		c.keyGenerator = ClientIPKey(c.ipv6Prefix)
		c.defaultKeyer = true
	}
	if c.skip == nil {
		c.skip = func(*http.Request) bool { return false }
	}
	if c.wasSuccessful == nil {
		c.wasSuccessful = func(_ *http.Request, status int) bool { return status < 400 }
	}
	if c.message == nil {
		c.message = func(*http.Request) any { return DefaultMessage }
	}
	if c.handler == nil {
		c.handler = c.defaultDenyHandler()
	}
	if !c.draft.valid() {
		c.errs = append(c.errs, fmt.Errorf("%w: %q", ErrUnsupportedDraft, c.draft))
	}
	if c.statusCode < 100 || c.statusCode > 599 {
		c.errs = append(c.errs, ErrInvalidStatusCode)
	}
	if c.identifier == "" {
		c.errs = append(c.errs, ErrEmptyIdentifier)
	}
	if c.ipv6Prefix < 1 || c.ipv6Prefix > 128 {
		c.errs = append(c.errs, ErrInvalidIPv6Prefix)
	}
	return errors.Join(c.errs...)
}

func staticLimit(n int64) LimitFunc {
	return func(*http.Request) (int64, error) { return n, nil }
}

// WithWindow sets the length of the tracking window. Default: one
// minute. A non-positive window is legal and makes every request start
// a fresh window.
func WithWindow(window time.Duration) Option {
	return func(c *config) {
		c.window = window
	}
}

// WithLimit sets the maximum number of requests per window per client.
// Default: 5. A limit of 0 denies every request; it does not disable
// limiting.
func WithLimit(limit int64) Option {
	return func(c *config) {
		if limit < 0 {
			c.errs = append(c.errs, ErrInvalidLimit)
			return
		}
		c.limit = staticLimit(limit)
	}
}

// WithLimitFunc resolves the limit per request instead of using a
// fixed number.
func WithLimitFunc(fn LimitFunc) Option {
	return func(c *config) {
		c.limit = fn
	}
}

// WithMessage sets the body sent with denied requests. Strings are
// sent as plain text, everything else as JSON.
func WithMessage(message any) Option {
	return func(c *config) {
		c.message = func(*http.Request) any { return message }
	}
}

// WithMessageFunc resolves the denial body per request.
func WithMessageFunc(fn MessageFunc) Option {
	return func(c *config) {
		c.message = fn
	}
}

// WithStatusCode sets the status for denied requests. Default: 429.
func WithStatusCode(code int) Option {
	return func(c *config) {
		c.statusCode = code
	}
}

// WithLegacyHeaders controls the X-RateLimit-* family. Default: on.
func WithLegacyHeaders(enabled bool) Option {
	return func(c *config) {
		c.legacyHeaders = enabled
	}
}

// WithStandardHeaders selects which draft of the IETF RateLimit header
// fields to emit. Default: none.
func WithStandardHeaders(draft HeaderDraft) Option {
	return func(c *config) {
		c.draft = draft
	}
}

// WithIdentifier names this limiter. The name keys the Info attached
// to the request context (see NamedFromContext) and the draft-8 quota
// policy, so stacked limiters stay distinguishable. Default:
// DefaultProperty.
func WithIdentifier(name string) Option {
	return func(c *config) {
		c.identifier = name
	}
}

// WithKeyGenerator replaces the default client-IP key generator.
func WithKeyGenerator(fn KeyFunc) Option {
	return func(c *config) {
		c.keyGenerator = fn
		c.defaultKeyer = false
	}
}

// WithIPv6Subnet sets the prefix length the built-in key generators
// collapse IPv6 addresses to. Default: DefaultIPv6Prefix.
func WithIPv6Subnet(prefix int) Option {
	return func(c *config) {
		c.ipv6Prefix = prefix
	}
}

// WithSkip bypasses the limiter entirely for matching requests: no key
// resolution, no store access, no headers. Whitelisted traffic imposes
// zero store load.
func WithSkip(fn func(*http.Request) bool) Option {
	return func(c *config) {
		c.skip = fn
	}
}

// WithSkipFailedRequests refunds the hit for requests whose response is
// classified unsuccessful. The request is counted speculatively and
// decremented after the response completes.
func WithSkipFailedRequests(enabled bool) Option {
	return func(c *config) {
		c.skipFailed = enabled
	}
}

// WithSkipSuccessfulRequests refunds the hit for requests whose
// response is classified successful.
func WithSkipSuccessfulRequests(enabled bool) Option {
	return func(c *config) {
		c.skipSuccessful = enabled
	}
}

// WithRequestWasSuccessful replaces the default success classifier
// (status < 400) used by the skip-failed/skip-successful flags.
func WithRequestWasSuccessful(fn SuccessFunc) Option {
	return func(c *config) {
		c.wasSuccessful = fn
	}
}

// WithHandler replaces the default denial response writer.
func WithHandler(fn DenyHandler) Option {
	return func(c *config) {
		c.handler = fn
	}
}

// WithLimitReached registers a callback fired exactly once per window
// the moment a client first exceeds its limit. Subsequent denied
// requests in the same window do not re-fire it.
func WithLimitReached(fn BreachFunc) Option {
	return func(c *config) {
		c.onLimitReached = fn
	}
}

// WithStore sets the counting store. Accepts a store.Store, or the
// older store.WindowedStore shape which is wrapped in an adapter at
// construction time. Anything else fails New with ErrInvalidStore.
// Default: a Memory store owned by the limiter.
//
// Do not share one store instance between limiters: their counts would
// silently merge into one quota.
func WithStore(st any) Option {
	return func(c *config) {
		switch s := st.(type) {
		case store.Store:
			c.store = s
		case store.WindowedStore:
			c.store = store.AdaptWindowed(s)
		default:
			c.errs = append(c.errs, ErrInvalidStore)
		}
	}
}

// WithValidation toggles all runtime diagnostic checks at once.
// Default: on.
func WithValidation(enabled bool) Option {
	return func(c *config) {
		c.validation = enabled
	}
}

// WithValidationChecks toggles individual checks by name (see the
// Check* constants). Unknown names fail New. The map is copied, so the
// caller's map is never retained or mutated.
func WithValidationChecks(checks map[string]bool) Option {
	return func(c *config) {
		copied := make(map[string]bool, len(checks))
		for name, v := range checks {
			copied[name] = v
		}
		c.validationChecks = copied
	}
}

// WithPassOnStoreError lets requests through when the store fails,
// after logging, instead of failing closed with a 500. An explicit
// availability-over-strictness trade-off: a dead Redis stops limiting
// instead of stopping traffic.
func WithPassOnStoreError(enabled bool) Option {
	return func(c *config) {
		c.passOnStoreError = enabled
	}
}

// WithLogger sets the logger for diagnostics and store errors.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
