// Package idempotency builds and validates idempotency keys and wraps the
// storage-backed claim/commit/release/get_original protocol used by
// Execute-Trade to guarantee at-most-once broker order creation per key
// within its TTL.
//
// Grounded on _examples/original_source's utils/idempotency.py (key format)
// and core/storage/repositories/idempotency.py (claim/re-claim semantics).
// Both the key's bucket and the claim's TTL are expressed in milliseconds
// end to end here — the original mixes a ms-based key with a seconds-based
// claim TTL; this package takes both in milliseconds, and internal/config
// rejects a bucket_ms under 1000 as a value most likely entered in seconds.
package idempotency

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/apperrors"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
)

// Source distinguishes why a key was built.
type Source string

const (
	SourceOrder Source = "order"
	SourceEval  Source = "eval"
	SourceExit  Source = "exit"
	SourceDMS   Source = "dms"
)

var keyPattern = regexp.MustCompile(`^(order|eval|exit|dms):[A-Z0-9]+-[A-Z0-9]+:(buy|sell):\d+$`)

// BuildKey constructs `{source}:{BASE-QUOTE}:{side}:{bucket_start_ms}`.
// bucketStartMs must already be floored to the bucket boundary.
func BuildKey(source Source, symbol core.Symbol, side core.Side, bucketStartMs int64) string {
	sym := strings.ToUpper(strings.ReplaceAll(string(symbol), "/", "-"))
	return fmt.Sprintf("%s:%s:%s:%d", source, sym, side, bucketStartMs)
}

// BucketStart floors nowMs to the start of its bucket of width bucketMs.
func BucketStart(nowMs, bucketMs int64) int64 {
	if bucketMs <= 0 {
		return nowMs
	}
	return (nowMs / bucketMs) * bucketMs
}

// Validate reports whether key matches the canonical key grammar.
func Validate(key string) bool {
	return keyPattern.MatchString(key)
}

// Protocol wraps an core.IdempotencyRepo with the claim/commit/release/
// get_original operations Execute-Trade needs, expressed in milliseconds.
type Protocol struct {
	repo core.IdempotencyRepo
}

func New(repo core.IdempotencyRepo) *Protocol {
	return &Protocol{repo: repo}
}

// Claim attempts to acquire key for ttlMs starting now. Returns true iff
// this caller acquired the slot.
func (p *Protocol) Claim(ctx context.Context, key string, ttlMs int64) (bool, error) {
	if !Validate(key) {
		return false, apperrors.New(apperrors.KindConfig, "idempotency.Claim", fmt.Errorf("malformed key %q", key))
	}
	now := time.Now().UnixMilli()
	return p.repo.Claim(ctx, key, now, ttlMs)
}

// Commit marks key committed with the serialized result payload.
func (p *Protocol) Commit(ctx context.Context, key string, result []byte) error {
	return p.repo.Commit(ctx, key, result)
}

// Release deletes the claim, used on hard failure where retry is desired.
func (p *Protocol) Release(ctx context.Context, key string) error {
	return p.repo.Release(ctx, key)
}

// GetOriginal returns the committed payload for key, or a zero record with
// Committed=false if nothing was ever committed for it.
func (p *Protocol) GetOriginal(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	return p.repo.GetOriginal(ctx, key)
}

// Prune deletes every claimed-or-committed row whose TTL has lapsed as of
// now, per spec.md §3's "pruned after TTL" requirement. It reports how many
// rows were removed so the caller can log a non-zero sweep.
func (p *Protocol) Prune(ctx context.Context) (int, error) {
	return p.repo.Prune(ctx, time.Now().UnixMilli())
}
