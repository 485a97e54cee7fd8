// Package limiter provides per-tool rate limiting with token bucket algorithms.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"dxpipe/pkg/config"
)

// Limiter manages rate limiting across the configured evidence tools.
// Tools without a configured limit are unthrottled.
type Limiter struct {
	tools map[string]*ToolLimiter
	mu    sync.RWMutex
}

// ToolLimiter enforces the token bucket for a single tool name.
//
//nolint:govet // Struct layout optimization not critical for this use case
type ToolLimiter struct {
	name            string
	capacity        float64
	refillPerSecond float64
	currentTokens   float64
	lastRefill      time.Time
	mu              sync.Mutex
}

// ErrRateLimit is returned when a tool's bucket is empty.
var ErrRateLimit = fmt.Errorf("rate limit exceeded")

// NewLimiter creates a limiter configured with the provided per-tool limits.
func NewLimiter(limits map[string]config.ToolLimit) *Limiter {
	l := &Limiter{
		tools: make(map[string]*ToolLimiter),
	}

	for name, limit := range limits {
		l.tools[name] = &ToolLimiter{
			name:            name,
			capacity:        float64(limit.Capacity),
			refillPerSecond: limit.RefillPerSecond,
			currentTokens:   float64(limit.Capacity), // Start with full bucket
			lastRefill:      time.Now(),
		}
	}

	return l
}

// Reserve attempts to take one token from the named tool's bucket. Tools
// with no configured limit always succeed.
func (l *Limiter) Reserve(tool string) error {
	l.mu.RLock()
	toolLimiter, exists := l.tools[tool]
	l.mu.RUnlock()

	if !exists {
		return nil
	}

	return toolLimiter.Reserve()
}

// Status returns the current token count for a tool. The second return is
// false for tools with no configured limit.
func (l *Limiter) Status(tool string) (float64, bool) {
	l.mu.RLock()
	toolLimiter, exists := l.tools[tool]
	l.mu.RUnlock()

	if !exists {
		return 0, false
	}
	return toolLimiter.Status(), true
}

// Reserve takes one token from the bucket, refilling for elapsed time first.
func (tl *ToolLimiter) Reserve() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.refillTokens()

	if tl.currentTokens < 1 {
		return ErrRateLimit
	}

	tl.currentTokens--
	return nil
}

// Status returns the current token count after refill.
func (tl *ToolLimiter) Status() float64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.refillTokens()
	return tl.currentTokens
}

func (tl *ToolLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(tl.lastRefill)

	if elapsed <= 0 {
		return
	}

	tl.currentTokens += elapsed.Seconds() * tl.refillPerSecond
	if tl.currentTokens > tl.capacity {
		tl.currentTokens = tl.capacity
	}
	tl.lastRefill = now
}
