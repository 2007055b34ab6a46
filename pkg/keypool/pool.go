// Package keypool tracks API credential health and hands out the next
// usable credential per bucket. Cooldowns and per-model verification are
// process-wide shared state guarded by one mutex; selection happens once
// per transcription/generation call, so contention is not a concern.
package keypool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for credential selection.
var (
	// ErrNoBucket is returned when a bucket has no configured credentials.
	ErrNoBucket = errors.New("keypool: no credentials configured for bucket")

	// ErrAllBlocked is returned when every credential in the bucket is
	// permanently blocked for the requested model.
	ErrAllBlocked = errors.New("keypool: all credentials blocked for model")
)

// DefaultBucket receives credentials that were not assigned a named bucket
// and serves models without an explicit route.
const DefaultBucket = "default"

// Config holds credential health tuning.
type Config struct {
	// RateLimitCooldown is applied after a 429.
	RateLimitCooldown time.Duration

	// BlockCooldown is how long a 403 block for a model holds.
	BlockCooldown time.Duration

	// StaleBlockAge bounds persisted blocks; older records are discarded
	// on load so a restarted process re-tries old rejections.
	StaleBlockAge time.Duration
}

// DefaultConfig returns production cooldown defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitCooldown: 30 * time.Second,
		BlockCooldown:     24 * time.Hour,
		StaleBlockAge:     20 * time.Hour,
	}
}

// Key is one configured API credential and its health state. All fields
// are guarded by the owning pool's mutex.
type Key struct {
	value        string
	cooldownTill time.Time
	verified     map[string]bool
	blocked      map[string]time.Time // model -> when blocked
}

// Value returns the secret for use in an upstream request. Never log it;
// use Redacted for log output.
func (k *Key) Value() string { return k.value }

// Redacted returns a loggable form of the credential.
func (k *Key) Redacted() string {
	if len(k.value) <= 8 {
		return "****"
	}
	return k.value[:6] + "…" + k.value[len(k.value)-2:]
}

// Digest identifies the credential in durable storage without writing
// the secret to disk.
func (k *Key) Digest() string {
	sum := sha256.Sum256([]byte(k.value))
	return hex.EncodeToString(sum[:8])
}

type bucket struct {
	keys []*Key
	next int // round-robin pointer
}

// Pool is the process-wide credential pool.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	store   BlockStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewPool creates a pool from bucket name to credential values, restoring
// persisted model blocks from store (nil store disables persistence).
func NewPool(cfg Config, buckets map[string][]string, store BlockStore, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		store:   store,
		logger:  logger.With("component", "keypool"),
		now:     time.Now,
	}
	for name, values := range buckets {
		b := &bucket{}
		for _, v := range values {
			b.keys = append(b.keys, &Key{
				value:    v,
				verified: make(map[string]bool),
				blocked:  make(map[string]time.Time),
			})
		}
		if len(b.keys) > 0 {
			p.buckets[name] = b
		}
	}
	if len(p.buckets) == 0 {
		return nil, ErrNoBucket
	}
	if err := p.restoreBlocks(); err != nil {
		// A broken block store must not stop the pipeline; blocks will
		// be rediscovered on first use.
		p.logger.Warn("restoring credential blocks failed", "error", err)
	}
	return p, nil
}

func (p *Pool) restoreBlocks() error {
	if p.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := p.store.Load(ctx)
	if err != nil {
		return err
	}

	byDigest := make(map[string][]BlockRecord)
	cutoff := p.now().Add(-p.cfg.StaleBlockAge)
	restored, stale := 0, 0
	for _, rec := range records {
		if rec.BlockedAt.Before(cutoff) {
			stale++
			continue
		}
		byDigest[rec.KeyDigest] = append(byDigest[rec.KeyDigest], rec)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buckets {
		for _, k := range b.keys {
			for _, rec := range byDigest[k.Digest()] {
				k.blocked[rec.Model] = rec.BlockedAt
				restored++
			}
		}
	}
	if restored > 0 || stale > 0 {
		p.logger.Info("credential blocks restored", "restored", restored, "stale_dropped", stale)
	}
	return nil
}

// Next selects the next usable credential for model from bucket,
// round-robin so no credential starves. Cooling-down credentials are
// skipped; when every candidate is cooling, the soonest-expiring one is
// returned anyway, because availability is preferred over hard failure.
// Only permanent per-model blocks make a credential ineligible.
func (p *Pool) Next(bucketName, model string) (*Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[bucketName]
	if !ok {
		b, ok = p.buckets[DefaultBucket]
	}
	if !ok || len(b.keys) == 0 {
		return nil, ErrNoBucket
	}

	now := p.now()
	n := len(b.keys)
	var (
		soonest    *Key
		soonestIdx int
	)
	for i := 0; i < n; i++ {
		idx := (b.next + i) % n
		k := b.keys[idx]
		if p.blockedLocked(k, model, now) {
			continue
		}
		if !k.cooldownTill.After(now) {
			b.next = (idx + 1) % n
			return k, nil
		}
		if soonest == nil || k.cooldownTill.Before(soonest.cooldownTill) {
			soonest, soonestIdx = k, idx
		}
	}
	if soonest != nil {
		b.next = (soonestIdx + 1) % n
		return soonest, nil
	}
	return nil, ErrAllBlocked
}

func (p *Pool) blockedLocked(k *Key, model string, now time.Time) bool {
	at, ok := k.blocked[model]
	if !ok {
		return false
	}
	if now.Sub(at) >= p.cfg.BlockCooldown {
		delete(k.blocked, model)
		return false
	}
	return true
}

// Cooldown places the credential on cooldown for d.
func (p *Pool) Cooldown(k *Key, d time.Duration) {
	p.mu.Lock()
	k.cooldownTill = p.now().Add(d)
	p.mu.Unlock()
	p.logger.Debug("credential cooling down", "key", k.Redacted(), "for", d)
}

// CooldownRateLimited applies the configured 429 cooldown.
func (p *Pool) CooldownRateLimited(k *Key) {
	p.Cooldown(k, p.cfg.RateLimitCooldown)
}

// MarkVerified caches a successful probe for key+model so later calls
// skip the probe.
func (p *Pool) MarkVerified(k *Key, model string) {
	p.mu.Lock()
	k.verified[model] = true
	p.mu.Unlock()
}

// IsVerified reports whether key+model has a cached successful probe.
func (p *Pool) IsVerified(k *Key, model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return k.verified[model]
}

// MarkBlocked permanently blocks the credential for model (permission
// rejection) and persists the block so it survives a restart. The
// credential stays eligible for other models.
func (p *Pool) MarkBlocked(k *Key, model string) {
	p.mu.Lock()
	k.blocked[model] = p.now()
	records := p.blockRecordsLocked()
	p.mu.Unlock()

	p.logger.Warn("credential blocked for model", "key", k.Redacted(), "model", model)

	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Save(ctx, records); err != nil {
		p.logger.Warn("persisting credential blocks failed", "error", err)
	}
}

func (p *Pool) blockRecordsLocked() []BlockRecord {
	var records []BlockRecord
	for _, b := range p.buckets {
		for _, k := range b.keys {
			digest := k.Digest()
			for model, at := range k.blocked {
				records = append(records, BlockRecord{
					KeyDigest: digest,
					Model:     model,
					BlockedAt: at,
				})
			}
		}
	}
	return records
}

// IsBlocked reports whether the credential is blocked for model.
func (p *Pool) IsBlocked(k *Key, model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockedLocked(k, model, p.now())
}

// Size returns the number of credentials in bucket.
func (p *Pool) Size(bucketName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[bucketName]
	if !ok {
		return 0
	}
	return len(b.keys)
}
