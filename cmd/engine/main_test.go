package main

import (
	"context"
	"testing"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/logging"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/safety"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCollectAllTradesMergesEverySymbolsHistory(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	_, err := store.Trades().Insert(ctx, core.Trade{Symbol: "BTC/USDT", Side: core.SideBuy, Quantity: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = store.Trades().Insert(ctx, core.Trade{Symbol: "ETH/USDT", Side: core.SideBuy, Quantity: decimal.NewFromFloat(1), Price: decimal.NewFromInt(2000)})
	require.NoError(t, err)

	all, err := collectAllTrades(ctx, store, []string{"BTC/USDT", "ETH/USDT"})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCollectAllTradesSkipsSymbolsWithNoHistory(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	all, err := collectAllTrades(ctx, store, []string{"BTC/USDT"})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestStartLockHeartbeatStopsWhenContextCancelled(t *testing.T) {
	store := storage.NewMemory()
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	lock := safety.NewInstanceLock(store.KV())
	require.NoError(t, lock.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	stop := startLockHeartbeat(ctx, lock, log)
	cancel()
	stop()
}
