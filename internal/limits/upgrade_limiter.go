// Package limits holds the frontend's admission guards: connection-attempt
// rate limiting and static resource limits checked before every WebSocket
// upgrade.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/immortal/internal/monitoring"
)

// UpgradeLimiter rate-limits WebSocket upgrade attempts with token buckets
// at two levels: a global bucket protecting the whole process and one
// bucket per client IP. The global check runs first so a distributed flood
// is cut off without touching the IP map.
type UpgradeLimiter struct {
	ipBuckets map[string]*ipBucket
	ipMu      sync.RWMutex
	ipRate    float64
	ipBurst   int
	ipTTL     time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type UpgradeLimiterConfig struct {
	PerIPRate  float64       // sustained upgrades/sec per IP, default 1
	PerIPBurst int           // burst upgrades per IP, default 10
	PerIPTTL   time.Duration // idle IPs are forgotten after this, default 5m

	GlobalRate  float64 // sustained upgrades/sec process-wide, default 50
	GlobalBurst int     // burst upgrades process-wide, default 300

	Logger zerolog.Logger
}

func NewUpgradeLimiter(cfg UpgradeLimiterConfig) *UpgradeLimiter {
	if cfg.PerIPRate == 0 {
		cfg.PerIPRate = 1.0
	}
	if cfg.PerIPBurst == 0 {
		cfg.PerIPBurst = 10
	}
	if cfg.PerIPTTL == 0 {
		cfg.PerIPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}

	ul := &UpgradeLimiter{
		ipBuckets: make(map[string]*ipBucket),
		ipRate:    cfg.PerIPRate,
		ipBurst:   cfg.PerIPBurst,
		ipTTL:     cfg.PerIPTTL,
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:    cfg.Logger.With().Str("component", "upgrade_limiter").Logger(),
		stopSweep: make(chan struct{}),
	}

	ul.sweepTicker = time.NewTicker(1 * time.Minute)
	go ul.sweepLoop()

	ul.logger.Info().
		Float64("ip_rate", cfg.PerIPRate).
		Int("ip_burst", cfg.PerIPBurst).
		Dur("ip_ttl", cfg.PerIPTTL).
		Float64("global_rate", cfg.GlobalRate).
		Int("global_burst", cfg.GlobalBurst).
		Msg("upgrade limiter initialized")

	return ul
}

// Allow reports whether an upgrade attempt from ip may proceed. A false
// return should surface to the client as 429.
func (ul *UpgradeLimiter) Allow(ip string) bool {
	if !ul.global.Allow() {
		monitoring.UpgradesRejectedTotal.WithLabelValues("global_rate").Inc()
		ul.logger.Debug().Str("ip", ip).Msg("upgrade rejected: global rate exceeded")
		return false
	}

	if !ul.bucketFor(ip).Allow() {
		monitoring.UpgradesRejectedTotal.WithLabelValues("ip_rate").Inc()
		ul.logger.Debug().Str("ip", ip).Msg("upgrade rejected: per-IP rate exceeded")
		return false
	}

	return true
}

func (ul *UpgradeLimiter) bucketFor(ip string) *rate.Limiter {
	ul.ipMu.RLock()
	b, ok := ul.ipBuckets[ip]
	ul.ipMu.RUnlock()

	if ok {
		ul.ipMu.Lock()
		b.lastSeen = time.Now()
		ul.ipMu.Unlock()
		return b.limiter
	}

	ul.ipMu.Lock()
	defer ul.ipMu.Unlock()

	// Re-check under the write lock; another goroutine may have raced us.
	if b, ok = ul.ipBuckets[ip]; ok {
		b.lastSeen = time.Now()
		return b.limiter
	}

	b = &ipBucket{
		limiter:  rate.NewLimiter(rate.Limit(ul.ipRate), ul.ipBurst),
		lastSeen: time.Now(),
	}
	ul.ipBuckets[ip] = b
	return b.limiter
}

func (ul *UpgradeLimiter) sweepLoop() {
	for {
		select {
		case <-ul.sweepTicker.C:
			ul.sweep()
		case <-ul.stopSweep:
			ul.sweepTicker.Stop()
			return
		}
	}
}

// sweep drops IP buckets that have been idle longer than the TTL so the
// map cannot grow without bound.
func (ul *UpgradeLimiter) sweep() {
	ul.ipMu.Lock()
	defer ul.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, b := range ul.ipBuckets {
		if now.Sub(b.lastSeen) > ul.ipTTL {
			delete(ul.ipBuckets, ip)
			removed++
		}
	}

	if removed > 0 {
		ul.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(ul.ipBuckets)).
			Msg("swept idle IP buckets")
	}
}

// Stop halts the background sweep. Call during shutdown.
func (ul *UpgradeLimiter) Stop() {
	close(ul.stopSweep)
}

// TrackedIPs returns how many per-IP buckets are live, for the health
// endpoint.
func (ul *UpgradeLimiter) TrackedIPs() int {
	ul.ipMu.RLock()
	defer ul.ipMu.RUnlock()
	return len(ul.ipBuckets)
}
