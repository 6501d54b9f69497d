// Package safety implements process-wide startup safety checks: the
// instance lock spec.md §6 requires to prevent two engine processes from
// managing the same storage concurrently.
//
// Grounded on internal/idempotency.Protocol's claim/TTL/heartbeat shape
// (a row carrying an owner id and an expiry that a live process refreshes),
// adapted from a per-trade claim into a single process-lifetime row keyed
// by a fixed KV key, backed by core.KVRepo rather than a filesystem flock
// since storage (not the filesystem) is the resource being protected.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
)

const instanceLockKey = "instance_lock"

// lockRecord is the JSON payload stored under instanceLockKey.
type lockRecord struct {
	OwnerPID    int       `json:"owner_pid"`
	Hostname    string    `json:"hostname"`
	AcquiredAt  time.Time `json:"acquired_at"`
	LastBeatAt  time.Time `json:"last_beat_at"`
}

// staleAfter is how long a lock can go without a heartbeat refresh before a
// new process is allowed to treat the prior owner as dead (crashed without
// releasing).
const staleAfter = 30 * time.Second

// InstanceLock guards core.Storage against concurrent ownership by two
// engine processes. Acquire must succeed before the engine wires any
// component that writes to storage.
type InstanceLock struct {
	kv core.KVRepo
}

// NewInstanceLock builds a lock backed by kv (typically storage.KV()).
func NewInstanceLock(kv core.KVRepo) *InstanceLock {
	return &InstanceLock{kv: kv}
}

// Acquire attempts to claim the instance lock. It succeeds if no lock row
// exists, or if the existing row's heartbeat is older than staleAfter
// (the prior owner crashed without releasing). Per spec.md §6, a failed
// acquisition must abort the process with exit code 1.
func (l *InstanceLock) Acquire(ctx context.Context) error {
	existing, found, err := l.kv.Get(ctx, instanceLockKey)
	if err != nil {
		return fmt.Errorf("read instance lock: %w", err)
	}
	if found {
		var rec lockRecord
		if err := json.Unmarshal([]byte(existing), &rec); err == nil {
			if time.Since(rec.LastBeatAt) < staleAfter {
				return fmt.Errorf("instance lock held by pid %d on %s since %s", rec.OwnerPID, rec.Hostname, rec.AcquiredAt)
			}
		}
	}

	hostname, _ := os.Hostname()
	now := time.Now()
	rec := lockRecord{OwnerPID: os.Getpid(), Hostname: hostname, AcquiredAt: now, LastBeatAt: now}
	payload, _ := json.Marshal(rec)
	return l.kv.Set(ctx, instanceLockKey, string(payload))
}

// Heartbeat refreshes the lock's last-beat timestamp. The caller schedules
// this periodically (well under staleAfter) for as long as the process
// holds the lock.
func (l *InstanceLock) Heartbeat(ctx context.Context) error {
	hostname, _ := os.Hostname()
	rec := lockRecord{OwnerPID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now(), LastBeatAt: time.Now()}
	existing, found, err := l.kv.Get(ctx, instanceLockKey)
	if err == nil && found {
		var prior lockRecord
		if err := json.Unmarshal([]byte(existing), &prior); err == nil {
			rec.AcquiredAt = prior.AcquiredAt
		}
	}
	payload, _ := json.Marshal(rec)
	return l.kv.Set(ctx, instanceLockKey, string(payload))
}

// Release clears the lock. Called on graceful shutdown only; a crashed
// process relies on staleAfter instead.
func (l *InstanceLock) Release(ctx context.Context) error {
	return l.kv.Delete(ctx, instanceLockKey)
}
