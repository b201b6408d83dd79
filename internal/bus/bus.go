package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plugrig/plugrig/internal/fault"
)

// Bus is the typed message fabric. All methods are safe for
// concurrent use. Handlers run either on the publishing goroutine
// (Publish) or on the worker pool (PublishAsync); a handler must not
// block on its own bus synchronously.
type Bus struct {
	registry *registry
	queue    *priorityQueue
	log      *messageLog

	nextMsgID atomic.Uint64
	running   atomic.Bool
	wg        sync.WaitGroup

	config busConfig

	// Stats.
	published        atomic.Uint64
	delivered        atomic.Uint64
	dropped          atomic.Uint64
	handlersExecuted atomic.Uint64
	handlerErrors    atomic.Uint64
	handlerPanics    atomic.Uint64
}

type busConfig struct {
	queueSize      int
	queueThreshold int
	workerCount    int
	logCapacity    int
}

func defaultBusConfig() busConfig {
	return busConfig{
		queueSize:      10000,
		queueThreshold: 64,
		workerCount:    8,
		logCapacity:    0,
	}
}

// Option configures a Bus.
type Option func(*busConfig)

// WithQueueSize bounds the async queue.
func WithQueueSize(size int) Option {
	return func(c *busConfig) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// WithQueueThreshold sets the depth past which priority preemption
// kicks in; below it the queue is plain FIFO.
func WithQueueThreshold(n int) Option {
	return func(c *busConfig) {
		if n >= 0 {
			c.queueThreshold = n
		}
	}
}

// WithWorkerCount sets the async worker pool size.
func WithWorkerCount(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.workerCount = n
		}
	}
}

// WithMessageLog enables the diagnostic ring buffer of message
// snapshots. Capacity is capped at 10000.
func WithMessageLog(capacity int) Option {
	return func(c *busConfig) {
		if capacity > maxLogCapacity {
			capacity = maxLogCapacity
		}
		if capacity > 0 {
			c.logCapacity = capacity
		}
	}
}

// New creates a bus. Call Start before publishing.
func New(opts ...Option) *Bus {
	config := defaultBusConfig()
	for _, opt := range opts {
		opt(&config)
	}

	b := &Bus{
		registry: newRegistry(),
		config:   config,
	}
	if config.logCapacity > 0 {
		b.log = newMessageLog(config.logCapacity)
	}
	return b
}

// Start launches the worker pool.
func (b *Bus) Start() error {
	if b.running.Swap(true) {
		return ErrBusAlreadyRunning
	}
	b.queue = newPriorityQueue(b.config.queueSize, b.config.queueThreshold)
	for i := 0; i < b.config.workerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return nil
}

// Stop drains the queue and waits for workers, or until ctx expires.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return ErrBusNotRunning
	}
	b.queue.close()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether Start succeeded and Stop has not run.
func (b *Bus) IsRunning() bool {
	return b.running.Load()
}

// Subscribe registers interest in a message type. The subscriber id
// names the recipient for Unicast and Multicast routing.
func (b *Bus) Subscribe(subscriber, msgType string, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if msgType == "" {
		return nil, ErrEmptyMessageType
	}

	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := newSubscription(subscriber, msgType, h, cfg.filter)
	b.registry.add(sub)
	return sub, nil
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	filter FilterFunc
}

// WithFilter attaches a predicate; messages failing it are skipped
// for this subscription only.
func WithFilter(f FilterFunc) SubscribeOption {
	return func(c *subscribeConfig) {
		c.filter = f
	}
}

// Unsubscribe removes a subscription immediately. Never call this
// from inside a handler for its own subscription; use
// Subscription.Cancel there, which defers removal.
func (b *Bus) Unsubscribe(subID string) error {
	sub, ok := b.registry.get(subID)
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Cancel()
	b.registry.remove(subID)
	return nil
}

// Subscriptions returns all subscriptions held by a subscriber.
func (b *Bus) Subscriptions(subscriber string) []*Subscription {
	return b.registry.bySubscriber(subscriber)
}

// Publish delivers a message synchronously on the caller's goroutine.
// All matching handlers run even when some fail; failures are
// collected and the first is returned.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if !b.running.Load() {
		return ErrBusNotRunning
	}
	if msg.Mode == Queued {
		_, err := b.enqueue(msg)
		return err
	}

	stamped, err := b.stamp(msg)
	if err != nil {
		return err
	}
	return b.dispatch(ctx, stamped)
}

// PublishAsync queues the message and returns a future. For Queued
// mode the future resolves on enqueue; for every other mode it
// resolves after all handlers completed or failed.
func (b *Bus) PublishAsync(ctx context.Context, msg Message) *Future {
	if !b.running.Load() {
		return resolvedFuture(ErrBusNotRunning)
	}

	if msg.Mode == Queued {
		future, err := b.enqueue(msg)
		if err != nil {
			return resolvedFuture(err)
		}
		// Queued publication resolves as soon as the message is in.
		future.resolve(nil)
		return future
	}

	stamped, err := b.stamp(msg)
	if err != nil {
		return resolvedFuture(err)
	}

	future := newFuture()
	item := &queuedItem{msg: stamped, future: future}
	if !b.queue.push(item) {
		b.dropped.Add(1)
		return resolvedFuture(ErrQueueFull)
	}
	return future
}

// enqueue stamps and queues a message without dispatching.
func (b *Bus) enqueue(msg Message) (*Future, error) {
	stamped, err := b.stamp(msg)
	if err != nil {
		return nil, err
	}
	future := newFuture()
	if !b.queue.push(&queuedItem{msg: stamped, future: future}) {
		b.dropped.Add(1)
		return nil, ErrQueueFull
	}
	return future, nil
}

// stamp assigns the monotonic id and timestamp and validates the type.
func (b *Bus) stamp(msg Message) (Message, error) {
	if msg.Type == "" {
		return msg, ErrEmptyMessageType
	}
	msg.ID = b.nextMsgID.Add(1)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.published.Add(1)
	if b.log != nil {
		b.log.record(msg)
	}
	return msg, nil
}

// worker drains the queue until Stop closes it.
func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		item, ok := b.queue.pop()
		if !ok {
			return
		}
		err := b.dispatch(context.Background(), item.msg)
		item.future.resolve(err)
	}
}

// dispatch routes the message per its delivery mode and runs handlers.
func (b *Bus) dispatch(ctx context.Context, msg Message) error {
	subs, err := b.recipients(msg)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if !sub.shouldDeliver(msg) {
			continue
		}
		hErr := b.runHandler(ctx, sub, msg)
		sub.recordDelivery(hErr)
		if hErr != nil {
			errs = append(errs, hErr)
		}
	}

	// Handlers may have cancelled their own subscriptions.
	b.registry.pruneCancelled()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// recipients resolves the subscription set for a message's mode.
func (b *Bus) recipients(msg Message) ([]*Subscription, error) {
	matching := b.registry.match(msg.Type)

	switch msg.Mode {
	case Immediate, Queued, Broadcast:
		return matching, nil

	case Unicast:
		if len(msg.Recipients) != 1 {
			return nil, fault.New(fault.InvalidParameters, "unicast requires exactly one recipient, got %d", len(msg.Recipients))
		}
		for _, sub := range matching {
			if sub.subscriber == msg.Recipients[0] {
				return []*Subscription{sub}, nil
			}
		}
		return nil, fault.New(fault.NotFound, "unicast recipient %s has no subscription for %s", msg.Recipients[0], msg.Type)

	case Multicast, Targeted:
		wanted := make(map[string]bool, len(msg.Recipients))
		for _, r := range msg.Recipients {
			wanted[r] = true
		}
		var out []*Subscription
		taken := make(map[string]bool)
		for _, sub := range matching {
			// One delivery per named recipient.
			if wanted[sub.subscriber] && !taken[sub.subscriber] {
				taken[sub.subscriber] = true
				out = append(out, sub)
			}
		}
		return out, nil

	default:
		return nil, fault.New(fault.InvalidParameters, "unknown delivery mode %d", msg.Mode)
	}
}

// runHandler executes one handler with panic isolation.
func (b *Bus) runHandler(ctx context.Context, sub *Subscription, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			if e, ok := r.(error); ok {
				err = fault.Wrap(fault.ExecutionFailed, e, "handler panic for %s", msg.Type)
			} else {
				err = fault.New(fault.ExecutionFailed, "handler panic for %s: %v", msg.Type, r)
			}
		}
	}()

	b.handlersExecuted.Add(1)
	err = sub.handler(ctx, msg)
	if err != nil {
		b.handlerErrors.Add(1)
	} else {
		b.delivered.Add(1)
	}
	return err
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published        uint64 `json:"published"`
	Delivered        uint64 `json:"delivered"`
	Dropped          uint64 `json:"dropped"`
	HandlersExecuted uint64 `json:"handlers_executed"`
	HandlerErrors    uint64 `json:"handler_errors"`
	HandlerPanics    uint64 `json:"handler_panics"`
	ActiveSubs       int    `json:"active_subscriptions"`
	QueueDepth       int    `json:"queue_depth"`
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	depth := 0
	if b.running.Load() && b.queue != nil {
		depth = b.queue.depth()
	}
	return Stats{
		Published:        b.published.Load(),
		Delivered:        b.delivered.Load(),
		Dropped:          b.dropped.Load(),
		HandlersExecuted: b.handlersExecuted.Load(),
		HandlerErrors:    b.handlerErrors.Load(),
		HandlerPanics:    b.handlerPanics.Load(),
		ActiveSubs:       b.registry.countActive(),
		QueueDepth:       depth,
	}
}

// Log returns the diagnostic message log entries, oldest first.
// Returns nil when the log is disabled.
func (b *Bus) Log() []LogEntry {
	if b.log == nil {
		return nil
	}
	return b.log.entries()
}

// IsQueueFull reports whether err indicates queue saturation.
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}
