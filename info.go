package ratekit

import (
	"context"
	"net/http"
	"time"
)

// DefaultProperty is the name under which a limiter attaches its Info
// to the request context when WithIdentifier is not used.
const DefaultProperty = "rateLimit"

// Info is the per-request rate-limit state derived from the store's
// post-increment result. It is attached to the request context for
// downstream handlers and discarded with the request.
type Info struct {
	// Limit is the maximum number of hits allowed in the window.
	Limit int64

	// Used is the number of hits counted against the key so far,
	// including the current request.
	Used int64

	// Remaining is max(Limit-Used, 0).
	Remaining int64

	// Reset is when the key's count returns to zero. Zero when the
	// store could not supply one.
	Reset time.Time

	// Key is the client key the request was counted under.
	Key string
}

type infoContextKey struct{ name string }

func withInfo(ctx context.Context, name string, info *Info) context.Context {
	return context.WithValue(ctx, infoContextKey{name: name}, info)
}

// FromContext returns the Info attached under the default property
// name. ok is false when no limiter processed the request.
func FromContext(ctx context.Context) (*Info, bool) {
	return NamedFromContext(ctx, DefaultProperty)
}

// NamedFromContext returns the Info attached under the given property
// name. Use this when stacking limiters configured with WithIdentifier.
func NamedFromContext(ctx context.Context, name string) (*Info, bool) {
	info, ok := ctx.Value(infoContextKey{name: name}).(*Info)
	return info, ok
}

// FromRequest is a convenience wrapper around FromContext.
func FromRequest(r *http.Request) (*Info, bool) {
	return FromContext(r.Context())
}
