package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionRateLimiter protects the Gateway's connection-upgrade endpoint
// from flood attempts, two-level exactly as the teacher's
// ConnectionRateLimiter: a global token bucket guarding system-wide
// overload, plus a per-IP bucket limiting any single client's burst.
type ConnectionRateLimiter struct {
	ipMu    sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	globalLimiter *rate.Limiter

	stopCleanup chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type RateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func (c *RateLimiterConfig) applyDefaults() {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
}

func NewConnectionRateLimiter(cfg RateLimiterConfig) *ConnectionRateLimiter {
	cfg.applyDefaults()
	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		stopCleanup:   make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

// Allow checks the global bucket first (cheap, no map lookup), then the
// per-IP bucket, matching the teacher's ordering.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	if !crl.globalLimiter.Allow() {
		return false
	}
	return crl.ipLimiter(ip).Allow()
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
		}
	}
}

func (crl *ConnectionRateLimiter) Stop() { close(crl.stopCleanup) }
