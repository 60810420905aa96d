package admission

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces the global and per-participant caps of §4.8 using a
// token-bucket per key (golang.org/x/time/rate), honouring the "100th
// request passes, 101st is rejected" boundary for a 60s window by setting
// the bucket's burst equal to the per-minute cap.
type RateLimiter struct {
	mu       sync.RWMutex
	global   *rate.Limiter
	perKey   map[string]*rate.Limiter
	perMin   int
	logger   *log.Logger
}

// RateLimitConfig carries the two caps from §4.8.
type RateLimitConfig struct {
	GlobalPerMinute      int
	PerParticipantPerMin int
}

// NewRateLimiter builds a limiter honouring the global and per-participant
// per-minute caps, each as a token bucket whose burst equals the cap.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.GlobalPerMinute <= 0 {
		cfg.GlobalPerMinute = 1000
	}
	if cfg.PerParticipantPerMin <= 0 {
		cfg.PerParticipantPerMin = 100
	}

	return &RateLimiter{
		global: rate.NewLimiter(rate.Limit(float64(cfg.GlobalPerMinute)/60.0), cfg.GlobalPerMinute),
		perKey: make(map[string]*rate.Limiter),
		perMin: cfg.PerParticipantPerMin,
		logger: log.New(log.Writer(), "[admission] ", log.LstdFlags),
	}
}

// Allow reports whether a request keyed by machineId (or source IP, when
// absent per §4.8) is within both the global and per-key caps. No state
// changes if either check fails (rejections consume no token, mirroring
// "no state change occurs" for a RateLimited verdict).
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	global := rl.global.ReserveN(now, 1)
	if !global.OK() || global.DelayFrom(now) > 0 {
		global.CancelAt(now)
		rl.logger.Printf("global rate limit exceeded")
		return false
	}

	limiter := rl.limiterFor(key)
	if !limiter.AllowN(now, 1) {
		global.CancelAt(now)
		rl.logger.Printf("per-participant rate limit exceeded key=%s", key)
		return false
	}
	return true
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.RLock()
	l, ok := rl.perKey[key]
	rl.mu.RUnlock()
	if ok {
		return l
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.perKey[key]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(float64(rl.perMin)/60.0), rl.perMin)
	rl.perKey[key] = l
	return l
}

// cleanup is exposed for long-running processes that want to bound
// perKey's growth across a contest's lifetime.
func (rl *RateLimiter) Cleanup(idleSince time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, l := range rl.perKey {
		if l.TokensAt(idleSince) >= float64(rl.perMin) {
			delete(rl.perKey, key)
		}
	}
}
