package ratekit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/ratekit/ratekit/store"
)

// Check names accepted by WithValidationChecks. Every check is a pure
// side channel: it logs a warning at most once per limiter and never
// changes the outcome of a request.
const (
	// CheckIP warns when the resolved client key is empty or still
	// carries a port, both signs of an unconfigured trust boundary
	// upstream.
	CheckIP = "ip"

	// CheckForwardedHeader warns when forwarded headers arrive while
	// the default connection-address key generator is active: behind a
	// proxy that setup counts the proxy, not the client.
	CheckForwardedHeader = "forwardedHeader"

	// CheckPositiveHits warns when a store reports a non-positive hit
	// count from an increment, a contract violation.
	CheckPositiveHits = "positiveHits"

	// CheckUnsharedStore warns when one store instance serves more
	// than one limiter, silently merging their quotas.
	CheckUnsharedStore = "unsharedStore"

	// CheckSingleCount warns when the same request is counted twice
	// against one store, usually a limiter mounted at two levels.
	CheckSingleCount = "singleCount"

	// CheckConstruction warns when a limiter is constructed while a
	// request is already being served, the signature of per-request
	// instantiation that defeats the store's lifecycle.
	CheckConstruction = "construction"

	// CheckUnreliableReset warns when the store supplies no reset time
	// and headers fall back to the window length.
	CheckUnreliableReset = "unreliableReset"
)

var allChecks = []string{
	CheckIP,
	CheckForwardedHeader,
	CheckPositiveHits,
	CheckUnsharedStore,
	CheckSingleCount,
	CheckConstruction,
	CheckUnreliableReset,
}

// storeOwners tracks which limiter first claimed each store instance.
var storeOwners sync.Map

// inFlight counts requests currently inside any limiter's Handler,
// used to detect limiters constructed per request.
var inFlight atomic.Int64

// diagnostics runs the best-effort runtime checks. Each check logs at
// most once for the lifetime of the limiter, then disables itself.
type diagnostics struct {
	logger *slog.Logger

	mu      sync.Mutex
	enabled map[string]bool
	fired   map[string]bool
}

func newDiagnostics(logger *slog.Logger, enabled bool, overrides map[string]bool) (*diagnostics, error) {
	on := make(map[string]bool, len(allChecks))
	for _, name := range allChecks {
		on[name] = enabled
	}
	for name, v := range overrides {
		if _, ok := on[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCheck, name)
		}
		on[name] = v
	}
	return &diagnostics{
		logger:  logger,
		enabled: on,
		fired:   make(map[string]bool, len(allChecks)),
	}, nil
}

func (d *diagnostics) warn(check, msg string, args ...any) {
	d.mu.Lock()
	if !d.enabled[check] || d.fired[check] {
		d.mu.Unlock()
		return
	}
	d.fired[check] = true
	d.mu.Unlock()

	d.logger.Warn(msg, append(args, "check", check)...)
}

func (d *diagnostics) key(key string) {
	if key == "" {
		d.warn(CheckIP, "client key is empty; requests are passing unlimited",
			"hint", "the host server is likely not populating the request's remote address")
		return
	}
	if _, _, err := net.SplitHostPort(key); err == nil {
		d.warn(CheckIP, "client key contains a port; every connection gets its own quota",
			"key", key)
	}
}

func (d *diagnostics) forwardedHeader(r *http.Request, defaultKeyer bool) {
	if !defaultKeyer {
		return
	}
	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("X-Real-IP") != "" {
		d.warn(CheckForwardedHeader,
			"forwarded headers present but the default key generator uses the connection address",
			"hint", "behind a proxy, use ForwardedIPKey so clients are limited instead of the proxy")
	}
}

func (d *diagnostics) positiveHits(hits int64) {
	if hits <= 0 {
		d.warn(CheckPositiveHits, "store returned a non-positive hit count from increment",
			"hits", hits)
	}
}

func (d *diagnostics) sharedStore(shared bool) {
	if shared {
		d.warn(CheckUnsharedStore,
			"store instance is shared by more than one limiter; their quotas are merged")
	}
}

func (d *diagnostics) singleCount(double bool, key string) {
	if double {
		d.warn(CheckSingleCount, "request counted twice against the same store",
			"key", key,
			"hint", "the limiter is likely mounted at more than one level of the router")
	}
}

func (d *diagnostics) construction(during bool) {
	if during {
		d.warn(CheckConstruction,
			"limiter constructed while a request was in flight; construct limiters once, not per request")
	}
}

func (d *diagnostics) unreliableReset() {
	d.warn(CheckUnreliableReset,
		"store supplied no reset time; headers report the window length instead")
}

// claimStore records l as the store's owner. Reports true when another
// limiter already claimed it. Non-pointer stores cannot be tracked and
// are never reported as shared.
func claimStore(st store.Store, l *Limiter) bool {
	if reflect.ValueOf(st).Kind() != reflect.Pointer {
		return false
	}
	owner, loaded := storeOwners.LoadOrStore(st, l)
	return loaded && owner != any(l)
}

// countedStores marks which stores already counted a request, so a
// limiter accidentally mounted twice is caught.
type countedStores struct {
	mu     sync.Mutex
	stores []store.Store
}

type countedStoresKey struct{}

// markCounted records st against the request and reports whether it had
// already counted this request. The returned context carries the marker
// for inner limiters.
func markCounted(ctx context.Context, st store.Store) (context.Context, bool) {
	if counted, ok := ctx.Value(countedStoresKey{}).(*countedStores); ok {
		counted.mu.Lock()
		defer counted.mu.Unlock()
		for _, s := range counted.stores {
			if s == st {
				return ctx, true
			}
		}
		counted.stores = append(counted.stores, st)
		return ctx, false
	}
	counted := &countedStores{stores: []store.Store{st}}
	return context.WithValue(ctx, countedStoresKey{}, counted), false
}
