// Package eventbus implements the single-process typed publish/subscribe
// bus: per-topic backpressure policy, a DLQ for handlers that keep failing,
// and a bounded worker pool for dispatch. Events are handed to the pool in
// publish order; delivery order is not guaranteed once more than one worker
// runs them.
//
// Grounded on the channel-with-default routing in the teacher's
// SymbolManager/Orchestrator (drop-oldest under backpressure) and on
// pkg/concurrency's alitto/pond worker-pool wrapper for bounded dispatch
// concurrency.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"github.com/alitto/pond"
)

// topicConfig is the priority + backpressure policy for one topic family.
type topicConfig struct {
	priority int
	policy   core.BackpressurePolicy
	capacity int
}

// defaultTopicConfigs mirrors the topic-family table: dlq.* blocks,
// order/trade families go to-DLQ, risk/budget go to-DLQ, everything else
// (including watchdog heartbeat/health) drops the oldest queued event. Each
// family carries a priority number (lower = more urgent), but dispatch does
// not order events across topics by it: every Publish dispatches its own
// topic's queue directly.
func defaultTopicConfigs() map[core.Topic]topicConfig {
	dlq := topicConfig{priority: 0, policy: core.BackpressureBlock, capacity: 256}
	orderTrade := topicConfig{priority: 10, policy: core.BackpressureToDLQ, capacity: 512}
	riskBudget := topicConfig{priority: 15, policy: core.BackpressureToDLQ, capacity: 512}
	catchAll := topicConfig{priority: 30, policy: core.BackpressureDropOldest, capacity: 256}

	return map[core.Topic]topicConfig{
		core.TopicDLQ:                dlq,
		core.TopicOrderExecuted:      orderTrade,
		core.TopicOrderFailed:        orderTrade,
		core.TopicTradeCompleted:     orderTrade,
		core.TopicTradeBlocked:       orderTrade,
		core.TopicRiskBlocked:        riskBudget,
		core.TopicBudgetExceeded:     riskBudget,
		core.TopicWatchdogHeartbeat:  catchAll,
		core.TopicHealthReport:       catchAll,
		core.TopicReconciliationDone: catchAll,
		core.TopicReconcileMismatch:  catchAll,
		core.TopicOrchAutoPaused:     catchAll,
		core.TopicOrchAutoResumed:    catchAll,
		core.TopicDMSTriggered:       catchAll,
		core.TopicProtectiveExitHit:  catchAll,
	}
}

const defaultCatchAllPriority = 30

// MaxAttempts is the default number of delivery attempts before an event is
// routed to the DLQ.
const MaxAttempts = 3

// queuedEvent is one event waiting for or undergoing dispatch.
type queuedEvent struct {
	event    core.Event
	attempts int
	cause    string
}

type topicQueue struct {
	mu       sync.Mutex
	cfg      topicConfig
	pending  []queuedEvent // FIFO per key handled by the bus, priority across keys
	dropped  int
}

// Bus is the production EventBus implementation.
type Bus struct {
	log      core.Logger
	pool     *pond.WorkerPool
	cfgs     map[core.Topic]topicConfig
	queues   map[core.Topic]*topicQueue
	handlers map[core.Topic][]core.Handler
	mu       sync.RWMutex

	drainDeadline time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bus with the given worker-pool concurrency and drain
// deadline (how long Stop waits for in-flight handlers before abandoning).
func New(log core.Logger, workers, capacity int, drainDeadline time.Duration) *Bus {
	if workers <= 0 {
		workers = 4
	}
	if capacity <= 0 {
		capacity = 1024
	}
	pool := pond.New(workers, capacity, pond.MinWorkers(1),
		pond.PanicHandler(func(p interface{}) {
			log.Error("event bus worker panic recovered", "panic", p)
		}),
	)

	cfgs := defaultTopicConfigs()
	queues := make(map[core.Topic]*topicQueue, len(cfgs))
	for topic, cfg := range cfgs {
		queues[topic] = &topicQueue{cfg: cfg}
	}

	return &Bus{
		log:           log.WithField("component", "eventbus"),
		pool:          pool,
		cfgs:          cfgs,
		queues:        queues,
		handlers:      make(map[core.Topic][]core.Handler),
		drainDeadline: drainDeadline,
	}
}

func (b *Bus) configFor(topic core.Topic) topicConfig {
	if cfg, ok := b.cfgs[topic]; ok {
		return cfg
	}
	return topicConfig{priority: defaultCatchAllPriority, policy: core.BackpressureDropOldest, capacity: 256}
}

func (b *Bus) queueFor(topic core.Topic) *topicQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = &topicQueue{cfg: b.configFor(topic)}
		b.queues[topic] = q
	}
	return q
}

// Subscribe registers a handler for topic. Multiple handlers may subscribe
// to the same topic; they run independently.
func (b *Bus) Subscribe(topic core.Topic, h core.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish enqueues e for dispatch according to its topic's policy.
func (b *Bus) Publish(ctx context.Context, e core.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	q := b.queueFor(e.Topic)

	q.mu.Lock()
	full := len(q.pending) >= q.cfg.capacity
	if full {
		switch q.cfg.policy {
		case core.BackpressureBlock:
			q.mu.Unlock()
			return b.publishBlocking(ctx, e, q)
		case core.BackpressureDropOldest:
			if len(q.pending) > 0 {
				q.pending = q.pending[1:]
				q.dropped++
			}
		case core.BackpressureToDLQ:
			q.mu.Unlock()
			b.routeToDLQ(queuedEvent{event: e}, "queue_full")
			return nil
		}
	}
	q.pending = append(q.pending, queuedEvent{event: e})
	q.mu.Unlock()

	b.dispatchQueue(e.Topic, q)
	return nil
}

// publishBlocking busy-waits (with ctx cancellation) until there is room in
// a block-policy queue, matching the "fails-closed" requirement for dlq.*.
func (b *Bus) publishBlocking(ctx context.Context, e core.Event, q *topicQueue) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.mu.Lock()
			if len(q.pending) < q.cfg.capacity {
				q.pending = append(q.pending, queuedEvent{event: e})
				q.mu.Unlock()
				b.dispatchQueue(e.Topic, q)
				return nil
			}
			q.mu.Unlock()
		}
	}
}

// dispatchQueue pops the next event of topic's queue in priority-then-publish
// order and hands it to the worker pool. Events sharing a key are popped in
// publish order, but each one is a separate pool task, so with more than one
// worker two same-key events may run concurrently and finish out of order.
// A topic with no subscriber keeps its events queued.
func (b *Bus) dispatchQueue(topic core.Topic, q *topicQueue) {
	b.mu.RLock()
	handlers := append([]core.Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].event.Priority > q.pending[j].event.Priority
	})
	qe := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()

	b.pool.Submit(func() {
		b.runHandlers(topic, qe, handlers)
	})
}

func (b *Bus) runHandlers(topic core.Topic, qe queuedEvent, handlers []core.Handler) {
	ctx := context.Background()
	for _, h := range handlers {
		qe.attempts = 0
		for {
			err := h(ctx, qe.event)
			if err == nil {
				break
			}
			qe.attempts++
			b.log.Warn("event handler failed", "topic", string(topic), "attempt", qe.attempts, "error", err.Error())
			if qe.attempts >= MaxAttempts {
				b.routeToDLQ(qe, err.Error())
				break
			}
			time.Sleep(time.Duration(1<<(qe.attempts-1)) * 50 * time.Millisecond)
		}
	}
}

func (b *Bus) routeToDLQ(qe queuedEvent, cause string) {
	qe.cause = cause
	dlq := b.queueFor(core.TopicDLQ)
	dlq.mu.Lock()
	dlq.pending = append(dlq.pending, qe)
	dlq.mu.Unlock()
	b.log.Error("event routed to dlq", "original_topic", string(qe.event.Topic), "cause", cause)
}

// DLQDepth reports how many events are currently parked in the DLQ.
func (b *Bus) DLQDepth() int {
	q := b.queueFor(core.TopicDLQ)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start begins background draining (the worker pool already dispatches as
// events are published; Start exists to satisfy the lifecycle contract and
// to allow a periodic sweep of queues that built up before any subscriber
// existed).
func (b *Bus) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.mu.RLock()
				topics := make([]core.Topic, 0, len(b.queues))
				for t := range b.queues {
					topics = append(topics, t)
				}
				b.mu.RUnlock()
				for _, t := range topics {
					b.dispatchQueue(t, b.queueFor(t))
				}
			}
		}
	}()
	return nil
}

// Stop drains with the configured deadline, then abandons remaining events
// to the DLQ with cause "shutdown". Idempotent.
func (b *Bus) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.drainDeadline):
	}

	b.mu.RLock()
	topics := make([]core.Topic, 0, len(b.queues))
	for t := range b.queues {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	for _, t := range topics {
		if t == core.TopicDLQ {
			continue
		}
		q := b.queueFor(t)
		q.mu.Lock()
		for _, qe := range q.pending {
			b.log.Warn("event abandoned on shutdown", "topic", fmt.Sprint(t))
			go b.routeToDLQ(qe, "shutdown")
		}
		q.pending = nil
		q.mu.Unlock()
	}

	b.pool.StopAndWait()
	return nil
}

var _ core.EventBus = (*Bus)(nil)
