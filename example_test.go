package ratekit_test

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ratekit/ratekit"
	"github.com/ratekit/ratekit/store"
)

func ExampleNew() {
	// 100 requests per client IP per minute.
	limiter, err := ratekit.New(
		ratekit.WithLimit(100),
		ratekit.WithWindow(time.Minute),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer limiter.Close()

	r := chi.NewRouter()
	r.Use(limiter.Handler)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
}

func ExampleNew_standardHeaders() {
	// Emit the IETF draft-7 RateLimit fields instead of the legacy
	// X-RateLimit-* family.
	limiter, err := ratekit.New(
		ratekit.WithLimit(100),
		ratekit.WithLegacyHeaders(false),
		ratekit.WithStandardHeaders(ratekit.Draft7),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer limiter.Close()

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleNew_redis() {
	// A Redis store shares counts across instances.
	st, err := store.NewRedis(store.RedisConfig{
		URL:    "localhost:6379",
		Prefix: "api:ratelimit:",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	limiter, err := ratekit.New(
		ratekit.WithLimit(1000),
		ratekit.WithWindow(time.Hour),
		ratekit.WithStore(st),
		// If Redis goes down, keep serving instead of returning 500s.
		ratekit.WithPassOnStoreError(true),
	)
	if err != nil {
		log.Fatal(err)
	}

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleComposeKeys() {
	// Limit each tenant per endpoint rather than per IP.
	limiter, err := ratekit.New(
		ratekit.WithLimit(100),
		ratekit.WithKeyGenerator(ratekit.ComposeKeys(
			ratekit.HeaderKey("X-Tenant-ID"),
			ratekit.EndpointKey(),
		)),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer limiter.Close()

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleFromRequest() {
	limiter, err := ratekit.New(ratekit.WithLimit(100))
	if err != nil {
		log.Fatal(err)
	}
	defer limiter.Close()

	r := chi.NewRouter()
	r.Use(limiter.Handler)

	r.Get("/quota", func(w http.ResponseWriter, req *http.Request) {
		if info, ok := ratekit.FromRequest(req); ok {
			fmt.Fprintf(w, "%d of %d requests used", info.Used, info.Limit)
		}
	})
}

func ExampleLimiter_stacked() {
	// A tight burst limit and a generous sustained limit, stacked.
	// Draft-8 headers keep the two policies distinguishable by name.
	burst, err := ratekit.New(
		ratekit.WithLimit(20),
		ratekit.WithWindow(time.Second),
		ratekit.WithIdentifier("burst"),
		ratekit.WithStandardHeaders(ratekit.Draft8),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer burst.Close()

	sustained, err := ratekit.New(
		ratekit.WithLimit(5000),
		ratekit.WithWindow(time.Hour),
		ratekit.WithIdentifier("sustained"),
		ratekit.WithStandardHeaders(ratekit.Draft8),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer sustained.Close()

	r := chi.NewRouter()
	r.Use(burst.Handler, sustained.Handler)
}
