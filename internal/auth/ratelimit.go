package auth

import (
	"sync"
	"time"
)

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// expired entries are swept on every check.
	rateLimitPruneThreshold = 1000
)

type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}
