// Package pow implements the proof-of-work gate on the press path.
//
// Clients request a challenge, burn CPU finding a nonce whose hash has
// enough leading hex zeros, then echo the challenge back with the nonce.
// The server stays stateless for issuance: challenge integrity rides on
// an HMAC under a process-local secret, so the only server-side state is
// the used-challenge set that blocks replays.
package pow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultDifficulty of 4 leading hex zeros is ~65k expected hashes,
	// under 100ms on a mobile device.
	DefaultDifficulty = 4

	// DefaultChallengeTTL bounds how long a client may sit on a
	// challenge before solving it.
	DefaultChallengeTTL = 30 * time.Second

	usedChallengePrefix = "pow:used:"
)

// Challenge is issued to a client. All fields are echoed back in the
// solution; the signature prevents tampering with any of them.
type Challenge struct {
	ChallengeID string `json:"challenge_id"`
	Difficulty  int    `json:"difficulty"`
	ExpiresAt   int64  `json:"expires_at"`
	Signature   string `json:"signature"`
}

// Solution is a challenge echoed back with the nonce the client found.
type Solution struct {
	ChallengeID string `json:"challenge_id"`
	Difficulty  int    `json:"difficulty"`
	ExpiresAt   int64  `json:"expires_at"`
	Signature   string `json:"signature"`
	Nonce       string `json:"nonce"`
}

// UsedSet is the replay-protection store. It is an anti-abuse dependency,
// not authorization: the oracle fails open when it errors.
type UsedSet interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetEX(ctx context.Context, key string, ttl time.Duration) error
}

// Oracle issues and verifies challenges.
type Oracle struct {
	secret     []byte
	difficulty int
	ttl        time.Duration
	used       UsedSet
	bypass     bool
	now        func() time.Time
}

// Option tweaks oracle construction.
type Option func(*Oracle)

// WithDifficulty overrides the default leading-zero requirement.
func WithDifficulty(d int) Option { return func(o *Oracle) { o.difficulty = d } }

// WithTTL overrides the challenge validity window.
func WithTTL(ttl time.Duration) Option { return func(o *Oracle) { o.ttl = ttl } }

// WithBypass skips all verification. Development and load testing only;
// cmd/api refuses to start with bypass enabled in prod mode.
func WithBypass(enabled bool) Option { return func(o *Oracle) { o.bypass = enabled } }

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option { return func(o *Oracle) { o.now = now } }

// NewOracle creates an oracle. A nil secret generates a random
// process-local one, which invalidates outstanding challenges across
// restarts; that is acceptable for a 30s TTL.
func NewOracle(secret []byte, used UsedSet, opts ...Option) *Oracle {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("pow: generate secret: %v", err))
		}
	}
	o := &Oracle{
		secret:     secret,
		difficulty: DefaultDifficulty,
		ttl:        DefaultChallengeTTL,
		used:       used,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Bypassed reports whether verification is disabled.
func (o *Oracle) Bypassed() bool { return o.bypass }

func (o *Oracle) sign(challengeID string, difficulty int, expiresAt int64) string {
	mac := hmac.New(sha256.New, o.secret)
	fmt.Fprintf(mac, "%s:%d:%d", challengeID, difficulty, expiresAt)
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue generates a fresh signed challenge.
func (o *Oracle) Issue() (Challenge, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge id: %w", err)
	}
	challengeID := hex.EncodeToString(idBytes)
	expiresAt := o.now().Unix() + int64(o.ttl.Seconds())

	return Challenge{
		ChallengeID: challengeID,
		Difficulty:  o.difficulty,
		ExpiresAt:   expiresAt,
		Signature:   o.sign(challengeID, o.difficulty, expiresAt),
	}, nil
}

// SolutionHash is the hash the client must grind:
// SHA256(challenge_id ":" nonce), hex encoded.
func SolutionHash(challengeID, nonce string) string {
	sum := sha256.Sum256([]byte(challengeID + ":" + nonce))
	return hex.EncodeToString(sum[:])
}

// VerifyError carries the client-facing rejection message. All
// verification failures are validation errors (HTTP 400), never 5xx.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return e.Reason }

func reject(reason string) error { return &VerifyError{Reason: reason} }

// Verify checks a solution: signature, expiry, replay, then the hash
// itself. On success the challenge is marked used for its remaining
// validity plus a small skew.
func (o *Oracle) Verify(ctx context.Context, sol Solution) error {
	if o.bypass {
		slog.Warn("PoW bypass enabled - skipping verification (dev mode)")
		return nil
	}

	expected := o.sign(sol.ChallengeID, sol.Difficulty, sol.ExpiresAt)
	if !hmac.Equal([]byte(expected), []byte(sol.Signature)) {
		slog.Info("invalid challenge signature", "challenge_id", sol.ChallengeID)
		return reject("Invalid challenge signature")
	}

	now := o.now().Unix()
	if now > sol.ExpiresAt {
		return reject("Challenge expired")
	}

	if o.isUsed(ctx, sol.ChallengeID) {
		slog.Info("replay attempt", "challenge_id", sol.ChallengeID)
		return reject("Challenge already used")
	}

	hash := SolutionHash(sol.ChallengeID, sol.Nonce)
	if !strings.HasPrefix(hash, strings.Repeat("0", sol.Difficulty)) {
		return reject("Invalid proof of work")
	}

	remaining := time.Duration(sol.ExpiresAt-now+5) * time.Second
	o.markUsed(ctx, sol.ChallengeID, remaining)
	return nil
}

func (o *Oracle) isUsed(ctx context.Context, challengeID string) bool {
	if o.used == nil {
		return false
	}
	used, err := o.used.Exists(ctx, usedChallengePrefix+challengeID)
	if err != nil {
		// Fail open: replay protection is anti-abuse, not authorization.
		slog.Warn("used-challenge check failed", "challenge_id", challengeID, "error", err)
		return false
	}
	return used
}

func (o *Oracle) markUsed(ctx context.Context, challengeID string, ttl time.Duration) {
	if o.used == nil {
		return
	}
	if err := o.used.SetEX(ctx, usedChallengePrefix+challengeID, ttl); err != nil {
		slog.Warn("failed to mark challenge used", "challenge_id", challengeID, "error", err)
	}
}

// Solve grinds a nonce for a challenge. Reference implementation for
// tests and the load generator.
func Solve(c Challenge) string {
	target := strings.Repeat("0", c.Difficulty)
	for nonce := 0; ; nonce++ {
		ns := fmt.Sprintf("%d", nonce)
		if strings.HasPrefix(SolutionHash(c.ChallengeID, ns), target) {
			return ns
		}
	}
}
