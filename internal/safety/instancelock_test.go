package safety

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/storage"

	"github.com/stretchr/testify/require"
)

func TestAcquireSucceedsWhenNoLockExists(t *testing.T) {
	store := storage.NewMemory()
	lock := NewInstanceLock(store.KV())

	require.NoError(t, lock.Acquire(context.Background()))
}

func TestAcquireFailsWhileFreshLockHeld(t *testing.T) {
	store := storage.NewMemory()
	first := NewInstanceLock(store.KV())
	require.NoError(t, first.Acquire(context.Background()))

	second := NewInstanceLock(store.KV())
	require.Error(t, second.Acquire(context.Background()))
}

func TestAcquireSucceedsAfterStaleLockExpires(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	// Write a lock row whose heartbeat already predates staleAfter, to
	// simulate a process that crashed without releasing.
	old := time.Now().Add(-staleAfter - time.Minute)
	rec := lockRecord{OwnerPID: 1, Hostname: "stale-host", AcquiredAt: old, LastBeatAt: old}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.KV().Set(ctx, instanceLockKey, string(payload)))

	second := NewInstanceLock(store.KV())
	require.NoError(t, second.Acquire(ctx))
}

func TestHeartbeatPreservesAcquiredAt(t *testing.T) {
	store := storage.NewMemory()
	lock := NewInstanceLock(store.KV())
	ctx := context.Background()
	require.NoError(t, lock.Acquire(ctx))
	before, _, err := store.KV().Get(ctx, instanceLockKey)
	require.NoError(t, err)
	var acquired lockRecord
	require.NoError(t, json.Unmarshal([]byte(before), &acquired))

	require.NoError(t, lock.Heartbeat(ctx))

	v, found, err := store.KV().Get(ctx, instanceLockKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, v, "acquired_at")
	var beat lockRecord
	require.NoError(t, json.Unmarshal([]byte(v), &beat))
	require.True(t, beat.AcquiredAt.Equal(acquired.AcquiredAt))
}

func TestReleaseClearsLock(t *testing.T) {
	store := storage.NewMemory()
	lock := NewInstanceLock(store.KV())
	ctx := context.Background()
	require.NoError(t, lock.Acquire(ctx))
	require.NoError(t, lock.Release(ctx))

	_, found, err := store.KV().Get(ctx, instanceLockKey)
	require.NoError(t, err)
	require.False(t, found)

	other := NewInstanceLock(store.KV())
	require.NoError(t, other.Acquire(ctx))
}
