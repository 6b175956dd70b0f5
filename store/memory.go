package store

import (
	"context"
	"sync"
	"time"
)

// poolHistory is how many rotations the pool-sizing moving average
// looks back over.
const poolHistory = 10

// clientRecord is one key's state within the current window. A record
// is owned by exactly one of the current generation, the previous
// generation, or the pool at any instant; moving a record between them
// always removes it from its old owner first.
type clientRecord struct {
	hits  int64
	reset time.Time
}

// Memory is the default in-memory Store.
//
// Records are partitioned into two generations. A ticker fires once per
// window: everything still in the previous generation has not been
// touched for at least one full window and is retired into a pool,
// the current generation becomes the previous one, and a fresh current
// generation is created. Increment mutates in place when the key is
// current, migrates the record when it is previous, and otherwise takes
// a record from the pool or allocates one. This bounds expiry work to
// one timer for the whole store and keeps any key's effective window
// between one and two window lengths.
//
// The pool is sized to a moving average of how many new records were
// allocated over the last ten rotations, so bursty workloads neither
// thrash a fixed-size pool nor pin memory forever.
//
// NOT suitable for multi-instance deployments: each instance counts
// independently, and all counts are lost on restart. Use Redis for
// distributed rate limiting.
type Memory struct {
	mu       sync.Mutex
	window   time.Duration
	current  map[string]*clientRecord
	previous map[string]*clientRecord

	pool    []*clientRecord
	fresh   int // records allocated since the last rotation
	history [poolHistory]int
	histIdx int
	histLen int

	stopCh chan struct{}
	closed bool
}

// NewMemory creates an in-memory store. The window length is supplied
// later through Init, which the limiter calls during construction.
//
// Call Close when done to stop the rotation goroutine.
func NewMemory() *Memory {
	return &Memory{
		current:  make(map[string]*clientRecord),
		previous: make(map[string]*clientRecord),
	}
}

// Init sets the window length and starts the generation-rotation
// ticker. Calling Init again stops the previous ticker before starting
// a new one, so a store redefined with a different window never runs
// two rotations concurrently. A non-positive window starts no ticker;
// every record is then created already expired and each increment
// begins a fresh window at count 1.
func (m *Memory) Init(window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.window = window
	if window > 0 && !m.closed {
		m.stopCh = make(chan struct{})
		go m.run(m.stopCh, window)
	}
}

func (m *Memory) run(stop <-chan struct{}, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.rotate()
		case <-stop:
			return
		}
	}
}

// rotate retires the previous generation and recycles as many of its
// records into the pool as the moving allocation average allows.
func (m *Memory) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	retired := m.previous
	m.previous = m.current
	m.current = make(map[string]*clientRecord, len(m.previous))

	m.history[m.histIdx] = m.fresh
	m.histIdx = (m.histIdx + 1) % poolHistory
	if m.histLen < poolHistory {
		m.histLen++
	}
	m.fresh = 0

	target := m.poolTarget()
	if len(m.pool) > target {
		clear(m.pool[target:])
		m.pool = m.pool[:target]
	}
	for _, rec := range retired {
		if len(m.pool) >= target {
			break
		}
		rec.hits = 0
		rec.reset = time.Time{}
		m.pool = append(m.pool, rec)
	}
}

// poolTarget is the moving average of new allocations per rotation,
// rounded up. Callers must hold mu.
func (m *Memory) poolTarget() int {
	if m.histLen == 0 {
		return 0
	}
	sum := 0
	for i := range m.histLen {
		sum += m.history[i]
	}
	return (sum + m.histLen - 1) / m.histLen
}

// Increment adds one hit to the key and returns the post-increment
// state. The mutex serializes increments, so concurrent callers never
// lose updates for the same key.
func (m *Memory) Increment(_ context.Context, key string) (IncrementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec := m.current[key]
	if rec == nil {
		if prev := m.previous[key]; prev != nil {
			// Migrate, don't copy: the record must never be reachable
			// from both generations.
			delete(m.previous, key)
			rec = prev
		} else {
			rec = m.take()
		}
		m.current[key] = rec
	}

	if !rec.reset.After(now) {
		// Window elapsed (or fresh record): indistinguishable from a
		// brand-new key.
		rec.hits = 0
		rec.reset = now.Add(m.window)
	}
	rec.hits++

	return IncrementResult{Hits: rec.hits, Reset: rec.reset}, nil
}

// take returns a pooled record or allocates a new one. Callers must
// hold mu.
func (m *Memory) take() *clientRecord {
	if n := len(m.pool); n > 0 {
		rec := m.pool[n-1]
		m.pool[n-1] = nil
		m.pool = m.pool[:n-1]
		return rec
	}
	m.fresh++
	return &clientRecord{}
}

// Decrement removes one hit from the key, never going below zero.
// Unknown keys are a no-op.
func (m *Memory) Decrement(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.current[key]
	if rec == nil {
		rec = m.previous[key]
	}
	if rec != nil && rec.hits > 0 {
		rec.hits--
	}
	return nil
}

// Get reads the key's state without mutating it. A record whose reset
// time has passed is logically expired and reported as absent even if
// the rotation has not physically cleared it yet.
func (m *Memory) Get(_ context.Context, key string) (IncrementResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.current[key]
	if rec == nil {
		rec = m.previous[key]
	}
	if rec == nil || !rec.reset.After(time.Now()) {
		return IncrementResult{}, false, nil
	}
	return IncrementResult{Hits: rec.hits, Reset: rec.reset}, true, nil
}

// Reset removes the key's record entirely.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.current, key)
	delete(m.previous, key)
	return nil
}

// ResetAll clears every key's state immediately.
func (m *Memory) ResetAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = make(map[string]*clientRecord)
	m.previous = make(map[string]*clientRecord)
	return nil
}

// Close stops the rotation goroutine. Safe to call multiple times.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	return nil
}
