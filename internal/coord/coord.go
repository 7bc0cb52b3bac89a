// Package coord is the coordination store: short-lived, reconstructible
// state that backs deduplication, debouncing, rate limiting, per-space/
// device locks, and the last-known-display cache. Everything here can be
// rebuilt from the durable store after a cold start (spec.md §5), so a
// Redis outage degrades availability, not correctness.
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lorapark/control-plane/infrastructure/logging"
)

// Store wraps a Redis client with the control plane's coordination
// primitives.
type Store struct {
	rdb    *redis.Client
	logger *logging.Logger
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, logger *logging.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// Dial connects to Redis at addr using the given password/db.
func Dial(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func nonceKey(nonce string) string { return "nonce:" + nonce }

// SeenNonce stores the webhook nonce if absent, returning false when it was
// already present (a replay) within the window.
func (s *Store) SeenNonce(ctx context.Context, nonce string, window time.Duration) (fresh bool, err error) {
	ok, err := s.rdb.SetNX(ctx, nonceKey(nonce), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("coord: seen nonce: %w", err)
	}
	return ok, nil
}

func debounceKey(tenantID, spaceID string) string { return "debounce:" + tenantID + ":" + spaceID }

// DebounceState is the transient per-space record described in spec.md §3/§4.3.
type DebounceState struct {
	PendingValue   string    `json:"pending_value"`
	PendingCount   int       `json:"pending_count"`
	PendingSince   time.Time `json:"pending_since"`
	StableValue    string    `json:"stable_value"`
	StableSince    time.Time `json:"stable_since"`
	LastRawAt      time.Time `json:"last_raw_at"`
}

// LoadDebounce reads the debounce record for a space, or a zero value.
func (s *Store) LoadDebounce(ctx context.Context, tenantID, spaceID string) (DebounceState, error) {
	raw, err := s.rdb.Get(ctx, debounceKey(tenantID, spaceID)).Bytes()
	if err == redis.Nil {
		return DebounceState{}, nil
	}
	if err != nil {
		return DebounceState{}, fmt.Errorf("coord: load debounce: %w", err)
	}
	var st DebounceState
	if err := json.Unmarshal(raw, &st); err != nil {
		return DebounceState{}, fmt.Errorf("coord: decode debounce: %w", err)
	}
	return st, nil
}

// SaveDebounce persists the debounce record. There is no TTL: it is
// reconstructible from the next raw reading, but keeping it warm avoids an
// unnecessary pending→stable round trip after a brief Redis eviction.
func (s *Store) SaveDebounce(ctx context.Context, tenantID, spaceID string, st DebounceState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("coord: encode debounce: %w", err)
	}
	if err := s.rdb.Set(ctx, debounceKey(tenantID, spaceID), raw, 0).Err(); err != nil {
		return fmt.Errorf("coord: save debounce: %w", err)
	}
	return nil
}

func lastDisplayKey(deviceEUI string) string { return "lastdisplay:" + deviceEUI }

// LastKnownDisplay is the cached, decoded state reported by a dual-role
// device's status uplink, used by the reconciliation sweep.
type LastKnownDisplay struct {
	ContentHash string    `json:"content_hash"`
	ObservedAt  time.Time `json:"observed_at"`
}

func (s *Store) SaveLastKnownDisplay(ctx context.Context, deviceEUI string, v LastKnownDisplay) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, lastDisplayKey(deviceEUI), raw, 0).Err()
}

func (s *Store) LoadLastKnownDisplay(ctx context.Context, deviceEUI string) (*LastKnownDisplay, error) {
	raw, err := s.rdb.Get(ctx, lastDisplayKey(deviceEUI)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v LastKnownDisplay
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func lastTargetKey(tenantID, spaceID string) string { return "lasttarget:" + tenantID + ":" + spaceID }

// SaveLastTarget caches the most recent non-held evaluation result for a
// space, so a later silence/unknown reading can hold it per spec.md §4.3
// priority 6 without the evaluator needing to recompute it from scratch.
// Stored as opaque JSON since internal/coord must not import
// internal/statemachine (it sits below it in the dependency graph).
func (s *Store) SaveLastTarget(ctx context.Context, tenantID, spaceID string, encoded []byte) error {
	if err := s.rdb.Set(ctx, lastTargetKey(tenantID, spaceID), encoded, 0).Err(); err != nil {
		return fmt.Errorf("coord: save last target: %w", err)
	}
	return nil
}

// LoadLastTarget returns the cached encoded target, or nil if none exists.
func (s *Store) LoadLastTarget(ctx context.Context, tenantID, spaceID string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, lastTargetKey(tenantID, spaceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coord: load last target: %w", err)
	}
	return raw, nil
}

func policyVersionKey(tenantID string) string { return "policy-version:" + tenantID }

// BumpPolicyVersion increments the tenant's policy version so dispatchers
// know their cached policy is stale.
func (s *Store) BumpPolicyVersion(ctx context.Context, tenantID string) (int64, error) {
	return s.rdb.Incr(ctx, policyVersionKey(tenantID)).Result()
}

func (s *Store) PolicyVersion(ctx context.Context, tenantID string) (int64, error) {
	v, err := s.rdb.Get(ctx, policyVersionKey(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Ping checks Redis connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// lockKey namespaces a distributed lock by subject (space or device).
func lockKey(subject string) string { return "lock:" + subject }

// AcquireLock takes a short-lived exclusive lock, used to serialize
// per-space re-evaluations and per-device dispatch (spec.md §5). Returns a
// release function; callers must call it (or let ttl expire) promptly.
func (s *Store) AcquireLock(ctx context.Context, subject string, ttl time.Duration) (release func(), acquired bool, err error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := s.rdb.SetNX(ctx, lockKey(subject), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("coord: acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func() {
		cur, _ := s.rdb.Get(ctx, lockKey(subject)).Result()
		if cur == token {
			s.rdb.Del(ctx, lockKey(subject))
		}
	}
	return release, true, nil
}

// TokenBucket implements a simple Redis-backed token bucket keyed by
// subject (tenant, IP, gateway, or device EUI per spec.md §4.7).
type TokenBucket struct {
	rdb   *redis.Client
	rate  int
	burst int
	per   time.Duration
}

// NewTokenBucket configures a bucket admitting up to `burst` operations per
// `per` window; `rate` is stored but Allow does not read it.
func (s *Store) NewTokenBucket(rate, burst int, per time.Duration) *TokenBucket {
	return &TokenBucket{rdb: s.rdb, rate: rate, burst: burst, per: per}
}

// Allow reports whether the named key may proceed, using a fixed-window
// counter. It returns a retry-after hint (the window length) when denied.
func (b *TokenBucket) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	windowKey := fmt.Sprintf("bucket:%s:%d", key, time.Now().UnixNano()/b.per.Nanoseconds())
	count, err := b.rdb.Incr(ctx, windowKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("coord: token bucket: %w", err)
	}
	if count == 1 {
		b.rdb.Expire(ctx, windowKey, b.per)
	}
	if int(count) > b.burst {
		return false, b.per, nil
	}
	return true, 0, nil
}
