package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/logging"

	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	b := New(log, 2, 64, 200*time.Millisecond)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var received []core.Event
	b.Subscribe(core.TopicOrderExecuted, func(ctx context.Context, e core.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicOrderExecuted, Key: "BTC/USDT"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFailingHandlerRoutesToDLQ(t *testing.T) {
	b := newTestBus(t)
	b.Subscribe(core.TopicRiskBlocked, func(ctx context.Context, e core.Event) error {
		return assertAlwaysFails()
	})

	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicRiskBlocked}))

	require.Eventually(t, func() bool {
		return b.DLQDepth() >= 1
	}, time.Second, 10*time.Millisecond)
}

func assertAlwaysFails() error {
	return errAlways
}

var errAlways = &testError{"handler always fails"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
