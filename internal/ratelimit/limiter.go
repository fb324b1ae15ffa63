// Package ratelimit provides IP-based sliding-window admission for the
// open endpoints, backed by Redis sorted sets so limits hold across API
// instances. Each endpoint runs two tiers (burst + sustained); the press
// endpoint carries stricter tiers. A Redis outage fails open: the
// limiter protects against abuse, not correctness, and failing closed
// would magnify outages.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

// Tier configures one sliding window.
type Tier struct {
	Requests  int64         // max requests allowed in the window
	Window    time.Duration // window length
	KeyPrefix string        // Redis key prefix for this tier
}

// Default tiers for general endpoints.
var (
	BurstTier     = Tier{Requests: 10, Window: time.Second, KeyPrefix: "rl:burst"}
	SustainedTier = Tier{Requests: 60, Window: 60 * time.Second, KeyPrefix: "rl:sustained"}

	// Stricter tiers for the press endpoint specifically.
	PressBurstTier     = Tier{Requests: 5, Window: time.Second, KeyPrefix: "rl:press:burst"}
	PressSustainedTier = Tier{Requests: 30, Window: 60 * time.Second, KeyPrefix: "rl:press:sustained"}
)

// BlocklistKey is the Redis set of hard-rejected IPs.
const BlocklistKey = "rl:blocklist"

// ErrBlocked marks a blocklist hit: a hard 403, distinct from throttling.
var ErrBlocked = errors.New("ip is blocklisted")

// WindowStore is the backing-store contract: ordered-score ranges,
// atomic expiry eviction, and pipelining. One round-trip per snapshot.
type WindowStore interface {
	WindowSnapshot(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, oldest float64, hasOldest bool, err error)
	WindowRecord(ctx context.Context, key string, now time.Time, window time.Duration) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter int // seconds; 0 when allowed
}

// Limiter evaluates tiers against a WindowStore.
type Limiter struct {
	store  WindowStore
	bypass bool
	now    func() time.Time
}

// NewLimiter creates a limiter. bypass admits everything (load tests).
func NewLimiter(store WindowStore, bypass bool) *Limiter {
	return &Limiter{store: store, bypass: bypass, now: time.Now}
}

// WithClock injects a clock for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// CheckTier evaluates a single tier for an IP.
func (l *Limiter) CheckTier(ctx context.Context, ip string, tier Tier) Decision {
	if l.bypass {
		return Decision{Allowed: true, Remaining: tier.Requests}
	}

	key := tier.KeyPrefix + ":" + ip
	now := l.now()

	count, oldest, hasOldest, err := l.store.WindowSnapshot(ctx, key, now, tier.Window)
	if err != nil {
		slog.Warn("rate limit check failed, admitting", "ip", ip, "tier", tier.KeyPrefix, "error", err)
		return Decision{Allowed: true, Remaining: tier.Requests}
	}

	if count >= tier.Requests {
		retryAfter := 1
		if hasOldest {
			nowSec := float64(now.UnixNano()) / 1e9
			expiresIn := oldest + tier.Window.Seconds() - nowSec
			retryAfter = int(math.Max(1, math.Ceil(expiresIn)+1))
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	if err := l.store.WindowRecord(ctx, key, now, tier.Window); err != nil {
		slog.Warn("rate limit record failed", "ip", ip, "tier", tier.KeyPrefix, "error", err)
	}
	return Decision{Allowed: true, Remaining: tier.Requests - count - 1}
}

// Check consults the blocklist, then every tier in order. The first
// throttling tier wins; a blocklist hit returns ErrBlocked.
func (l *Limiter) Check(ctx context.Context, ip string, tiers ...Tier) (Decision, error) {
	if l.bypass {
		return Decision{Allowed: true}, nil
	}

	blocked, err := l.store.SIsMember(ctx, BlocklistKey, ip)
	if err != nil {
		slog.Warn("blocklist check failed, admitting", "ip", ip, "error", err)
	} else if blocked {
		return Decision{}, ErrBlocked
	}

	for _, tier := range tiers {
		if d := l.CheckTier(ctx, ip, tier); !d.Allowed {
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Block adds an IP to the blocklist.
func (l *Limiter) Block(ctx context.Context, ip, reason string) error {
	if err := l.store.SAdd(ctx, BlocklistKey, ip); err != nil {
		return err
	}
	slog.Warn("blocked IP", "ip", ip, "reason", reason)
	return nil
}

// Unblock removes an IP from the blocklist.
func (l *Limiter) Unblock(ctx context.Context, ip string) error {
	return l.store.SRem(ctx, BlocklistKey, ip)
}

// RealIP extracts the client IP, preferring proxy headers in order:
// CF-Connecting-IP, X-Real-IP, leftmost X-Forwarded-For, then the
// transport peer. In production the reverse proxy must be the only
// party allowed to set these headers.
func RealIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
