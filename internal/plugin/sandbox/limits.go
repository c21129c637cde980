package sandbox

import (
	"sync"
	"time"
)

// ResourceLimits bounds what a single sandbox may consume.
type ResourceLimits struct {
	// Memory budget in bytes. Engines enforce it on a best-effort basis.
	MemoryBytes int64

	// Maximum wall time per call into the sandbox.
	MaxCPUTime time.Duration

	// Outbound requests allowed per minute. Zero means unlimited.
	NetworkRequestsPerMinute int

	// Maximum size of the plugin's data directory. Zero means unlimited.
	StorageBytes int64
}

// DefaultResourceLimits returns sensible default limits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes:              128 * 1024 * 1024, // 128 MB
		MaxCPUTime:               5 * time.Second,
		NetworkRequestsPerMinute: 60,
		StorageBytes:             100 * 1024 * 1024, // 100 MB
	}
}

// StrictResourceLimits returns stricter limits for untrusted plugins.
func StrictResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes:              32 * 1024 * 1024, // 32 MB
		MaxCPUTime:               time.Second,
		NetworkRequestsPerMinute: 10,
		StorageBytes:             10 * 1024 * 1024, // 10 MB
	}
}

// RelaxedResourceLimits returns relaxed limits for trusted plugins.
func RelaxedResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes:              512 * 1024 * 1024, // 512 MB
		MaxCPUTime:               30 * time.Second,
		NetworkRequestsPerMinute: 600,
		StorageBytes:             1024 * 1024 * 1024, // 1 GB
	}
}

// RateLimiter is a token bucket refilled continuously over a period.
type RateLimiter struct {
	mu sync.Mutex

	limit      int           // operations per period
	period     time.Duration // refill period
	tokens     float64       // current tokens
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter allows limit operations per period with a burst of limit.
// A limit of zero or less never limits.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limit:  limit,
		period: period,
		tokens: float64(limit),
		now:    time.Now,
	}
	rl.lastRefill = rl.now()
	return rl
}

// Allow returns true if an operation is allowed and consumes a token.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return true
	}

	now := rl.now()
	elapsed := now.Sub(rl.lastRefill)
	if elapsed > 0 {
		rl.tokens += elapsed.Seconds() / rl.period.Seconds() * float64(rl.limit)
		if rl.tokens > float64(rl.limit) {
			rl.tokens = float64(rl.limit)
		}
		rl.lastRefill = now
	}

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// Reset resets the rate limiter to full capacity.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = float64(rl.limit)
	rl.lastRefill = rl.now()
}
