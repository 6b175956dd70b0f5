package ratekit

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HeaderDraft selects which revision of the IETF RateLimit header
// fields the limiter emits alongside (or instead of) the legacy
// X-RateLimit-* family.
type HeaderDraft string

const (
	// DraftNone emits no standard headers.
	DraftNone HeaderDraft = ""

	// Draft6 emits RateLimit-Policy, RateLimit-Limit,
	// RateLimit-Remaining and RateLimit-Reset per draft 6 of
	// draft-ietf-httpapi-ratelimit-headers.
	Draft6 HeaderDraft = "draft-6"

	// Draft7 emits RateLimit-Policy plus the combined RateLimit field
	// per draft 7.
	Draft7 HeaderDraft = "draft-7"

	// Draft8 emits named policies with partition keys per draft 8,
	// appended so stacked limiters combine into one header pair.
	Draft8 HeaderDraft = "draft-8"
)

func (d HeaderDraft) valid() bool {
	switch d {
	case DraftNone, Draft6, Draft7, Draft8:
		return true
	}
	return false
}

// windowSeconds is the window length in whole seconds, rounded up,
// never below 1: header fields have no sub-second resolution.
func windowSeconds(window time.Duration) int64 {
	sec := int64((window + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

// resetSeconds is how many whole seconds remain until the key resets,
// rounded up. When the store supplied no reset time the window length
// stands in for it.
func resetSeconds(reset time.Time, now time.Time, window time.Duration) int64 {
	if reset.IsZero() {
		return windowSeconds(window)
	}
	remaining := reset.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64((remaining + time.Second - 1) / time.Second)
}

// setLegacyHeaders writes the X-RateLimit-* family plus a Date header
// so clients can correct for clock skew when interpreting the unix
// reset timestamp.
func setLegacyHeaders(h http.Header, info *Info, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	if !info.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset.Unix(), 10))
	}
	h.Set("Date", now.UTC().Format(http.TimeFormat))
}

func setDraft6Headers(h http.Header, info *Info, window time.Duration, now time.Time) {
	h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", info.Limit, windowSeconds(window)))
	h.Set("RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	h.Set("RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	h.Set("RateLimit-Reset", strconv.FormatInt(resetSeconds(info.Reset, now, window), 10))
}

func setDraft7Headers(h http.Header, info *Info, window time.Duration, now time.Time) {
	h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", info.Limit, windowSeconds(window)))
	h.Set("RateLimit", fmt.Sprintf("limit=%d, remaining=%d, reset=%d",
		info.Limit, info.Remaining, resetSeconds(info.Reset, now, window)))
}

// setDraft8Headers writes a named quota policy with a partition key
// derived from the client key. Add (not Set) lets stacked limiters
// combine into one comma-joined header pair on the wire.
func setDraft8Headers(h http.Header, info *Info, window time.Duration, now time.Time, name string) {
	h.Add("RateLimit-Policy", fmt.Sprintf("%q; q=%d; w=%d; pk=:%s:",
		name, info.Limit, windowSeconds(window), partitionKey(info.Key)))
	h.Add("RateLimit", fmt.Sprintf("%q; r=%d; t=%d",
		name, info.Remaining, resetSeconds(info.Reset, now, window)))
}

// setRetryAfter is emitted only on denied requests.
func setRetryAfter(h http.Header, info *Info, window time.Duration, now time.Time) {
	h.Set("Retry-After", strconv.FormatInt(resetSeconds(info.Reset, now, window), 10))
}

// partitionKey distinguishes clients across simultaneous limiters
// without exposing the raw key: the first 12 characters of the
// base64url-encoded SHA-256 of the key.
func partitionKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	return encoded[:12]
}
