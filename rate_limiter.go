package ultrafast

import (
	"sync"
	"sync/atomic"
	"time"
)

// AdmissionDecision is the outcome of a rate limiter check.
type AdmissionDecision int

const (
	// AdmissionAllowed admits the request immediately.
	AdmissionAllowed AdmissionDecision = iota
	// AdmissionDelayed admits the request after Admission.Delay elapses. The
	// limiter never sleeps itself; the executor honors the delay.
	AdmissionDelayed
	// AdmissionRejected denies the request outright.
	AdmissionRejected
)

// Admission carries a limiter decision and, for delayed admissions, how long
// the executor should wait before sending.
type Admission struct {
	Decision AdmissionDecision
	Delay    time.Duration
}

// RateLimiter admits, delays, or rejects outbound requests. Implementations
// must be safe for concurrent use and must never block the caller.
type RateLimiter interface {
	Admit() Admission
}

// NewRateLimiter builds a limiter for the configured algorithm. A disabled
// config yields a limiter that always admits immediately.
func NewRateLimiter(config RateLimitConfig) RateLimiter {
	if !config.Enabled || config.RequestsPerSecond <= 0 {
		return noopLimiter{}
	}
	switch config.Algorithm {
	case AlgorithmLeakyBucket:
		return newLeakyBucket(config)
	case AlgorithmFixedWindow:
		return newFixedWindow(config)
	case AlgorithmSlidingWindow:
		return newSlidingWindow(config)
	default:
		return newTokenBucket(config)
	}
}

type noopLimiter struct{}

func (noopLimiter) Admit() Admission { return Admission{Decision: AdmissionAllowed} }

// tokenBucket is a lock-free token bucket: capacity = burst size, refill rate
// = requests per second. State lives in two atomics so concurrent admits never
// serialize on a mutex. Delayed admissions drive tokens negative, reserving
// future refills, so a delayed caller owns its token once the wait elapses.
type tokenBucket struct {
	tokens     int64
	lastRefill int64
	maxTokens  int64
	// refillInterval is the nanoseconds represented by one token.
	refillInterval int64
	queueRequests  bool
	maxQueueSize   int64
}

func newTokenBucket(config RateLimitConfig) *tokenBucket {
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		tokens:         int64(burst),
		maxTokens:      int64(burst),
		lastRefill:     time.Now().UnixNano(),
		refillInterval: int64(float64(time.Second) / config.RequestsPerSecond),
		queueRequests:  config.QueueRequests,
		maxQueueSize:   int64(config.MaxQueueSize),
	}
}

func (tb *tokenBucket) Admit() Admission {
	tb.refill()
	for {
		current := atomic.LoadInt64(&tb.tokens)
		if current > 0 {
			if atomic.CompareAndSwapInt64(&tb.tokens, current, current-1) {
				return Admission{Decision: AdmissionAllowed}
			}
			continue
		}

		if !tb.queueRequests {
			return Admission{Decision: AdmissionRejected}
		}
		// Tokens owed before this caller's reservation is honored.
		debt := -current + 1
		if tb.maxQueueSize > 0 && debt > tb.maxQueueSize {
			return Admission{Decision: AdmissionRejected}
		}
		if atomic.CompareAndSwapInt64(&tb.tokens, current, current-1) {
			lastRefill := atomic.LoadInt64(&tb.lastRefill)
			wait := lastRefill + debt*tb.refillInterval - time.Now().UnixNano()
			if wait < 0 {
				wait = 0
			}
			return Admission{Decision: AdmissionDelayed, Delay: time.Duration(wait)}
		}
	}
}

func (tb *tokenBucket) refill() {
	now := time.Now().UnixNano()
	for {
		currentTokens := atomic.LoadInt64(&tb.tokens)
		lastRefill := atomic.LoadInt64(&tb.lastRefill)

		elapsed := now - lastRefill
		tokensToAdd := int64(0)
		if tb.refillInterval > 0 {
			tokensToAdd = elapsed / tb.refillInterval
		}
		if tokensToAdd == 0 {
			return
		}

		newTokens := currentTokens + tokensToAdd
		if newTokens > tb.maxTokens {
			newTokens = tb.maxTokens
		}
		newLastRefill := lastRefill + tokensToAdd*tb.refillInterval

		if !atomic.CompareAndSwapInt64(&tb.lastRefill, lastRefill, newLastRefill) {
			continue
		}
		atomic.StoreInt64(&tb.tokens, newTokens)
		return
	}
}

// leakyBucket drains a virtual queue at a fixed rate; admission delay is the
// queue depth ahead of the caller divided by the drain rate.
type leakyBucket struct {
	mu           sync.Mutex
	drainPerSec  float64
	capacity     int
	queueDepth   float64
	lastDrain    time.Time
	queueEnabled bool
}

func newLeakyBucket(config RateLimitConfig) *leakyBucket {
	capacity := config.MaxQueueSize
	if capacity <= 0 {
		capacity = config.BurstSize
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &leakyBucket{
		drainPerSec:  config.RequestsPerSecond,
		capacity:     capacity,
		lastDrain:    time.Now(),
		queueEnabled: config.QueueRequests,
	}
}

func (lb *leakyBucket) Admit() Admission {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	drained := now.Sub(lb.lastDrain).Seconds() * lb.drainPerSec
	if drained > 0 {
		lb.queueDepth -= drained
		if lb.queueDepth < 0 {
			lb.queueDepth = 0
		}
		lb.lastDrain = now
	}

	if lb.queueDepth >= float64(lb.capacity) {
		return Admission{Decision: AdmissionRejected}
	}

	depth := lb.queueDepth
	lb.queueDepth++
	if depth == 0 {
		return Admission{Decision: AdmissionAllowed}
	}
	if !lb.queueEnabled {
		lb.queueDepth--
		return Admission{Decision: AdmissionRejected}
	}
	delay := time.Duration(depth / lb.drainPerSec * float64(time.Second))
	return Admission{Decision: AdmissionDelayed, Delay: delay}
}

// fixedWindow counts admissions in the current second-aligned wall-clock
// window. A deferred admission keeps its count, so it holds a slot in the
// window it wakes into and does not compete with that window's fresh
// arrivals. The boundary roll drains one limit's worth of count per elapsed
// window, which carries the outstanding reservations forward.
type fixedWindow struct {
	mu           sync.Mutex
	windowStart  time.Time
	count        int64
	limit        int64
	queueEnabled bool
	maxQueueSize int64
}

func newFixedWindow(config RateLimitConfig) *fixedWindow {
	limit := int64(config.RequestsPerSecond)
	if limit <= 0 {
		limit = 1
	}
	return &fixedWindow{
		windowStart:  time.Now().Truncate(time.Second),
		limit:        limit,
		queueEnabled: config.QueueRequests,
		maxQueueSize: int64(config.MaxQueueSize),
	}
}

func (fw *fixedWindow) Admit() Admission {
	now := time.Now()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	current := now.Truncate(time.Second)
	if current.After(fw.windowStart) {
		elapsed := int64(current.Sub(fw.windowStart) / time.Second)
		fw.count -= elapsed * fw.limit
		if fw.count < 0 {
			fw.count = 0
		}
		fw.windowStart = current
	}

	fw.count++
	if fw.count <= fw.limit {
		return Admission{Decision: AdmissionAllowed}
	}
	queued := fw.count - fw.limit
	if !fw.queueEnabled || (fw.maxQueueSize > 0 && queued > fw.maxQueueSize) {
		fw.count--
		return Admission{Decision: AdmissionRejected}
	}
	windowsAhead := (fw.count - 1) / fw.limit
	freeAt := fw.windowStart.Add(time.Duration(windowsAhead) * time.Second)
	return Admission{Decision: AdmissionDelayed, Delay: freeAt.Sub(now)}
}

// slidingWindow admits while fewer than the limit of admissions happened in
// the trailing one-second span.
type slidingWindow struct {
	mu           sync.Mutex
	admissions   []time.Time
	limit        int
	span         time.Duration
	queueEnabled bool
}

func newSlidingWindow(config RateLimitConfig) *slidingWindow {
	limit := int(config.RequestsPerSecond)
	if limit <= 0 {
		limit = 1
	}
	return &slidingWindow{
		limit:        limit,
		span:         time.Second,
		queueEnabled: config.QueueRequests,
	}
}

func (sw *slidingWindow) Admit() Admission {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-sw.span)
	kept := sw.admissions[:0]
	for _, ts := range sw.admissions {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	sw.admissions = kept

	if len(sw.admissions) < sw.limit {
		sw.admissions = append(sw.admissions, now)
		return Admission{Decision: AdmissionAllowed}
	}
	if !sw.queueEnabled {
		return Admission{Decision: AdmissionRejected}
	}
	// The oldest admission aging out frees the next slot; record the delayed
	// caller at that future instant so it owns the slot when it wakes.
	freeAt := sw.admissions[0].Add(sw.span)
	delay := freeAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	sw.admissions = append(sw.admissions[1:], freeAt)
	return Admission{Decision: AdmissionDelayed, Delay: delay}
}

// rateLimiterRegistry keys limiter state by host so unrelated targets never
// contend on one bucket.
type rateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]RateLimiter
	config   RateLimitConfig
	shared   RateLimiter
}

func newRateLimiterRegistry(config RateLimitConfig) *rateLimiterRegistry {
	r := &rateLimiterRegistry{
		limiters: make(map[string]RateLimiter),
		config:   config,
	}
	if !config.PerHost {
		r.shared = NewRateLimiter(config)
	}
	return r
}

// AdmitHost runs admission against the host's limiter, creating it on first
// use.
func (r *rateLimiterRegistry) AdmitHost(host string) Admission {
	if !r.config.Enabled {
		return Admission{Decision: AdmissionAllowed}
	}
	if r.shared != nil {
		return r.shared.Admit()
	}

	r.mu.RLock()
	limiter, ok := r.limiters[host]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		limiter, ok = r.limiters[host]
		if !ok {
			limiter = NewRateLimiter(r.config)
			r.limiters[host] = limiter
		}
		r.mu.Unlock()
	}
	return limiter.Admit()
}
