package billsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Notifier receives committed transitions. Notify must not block the caller
// and its failures never affect the commit.
type Notifier interface {
	Notify(ctx context.Context, t Transition)
}

// NoopNotifier discards every transition.
type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ Transition) {}

// Sink delivers a transition to one downstream system
// (workflow automation, cache invalidation, logs).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, t Transition) error
}

// NotifierConfig configures AsyncNotifier.
type NotifierConfig struct {
	// BufferSize is the size of the buffered queue. Transitions arriving while
	// the queue is full are dropped. Default: 1000
	BufferSize int

	// DeliveryTimeout bounds one fan-out to all sinks. Default: 10s
	DeliveryTimeout time.Duration

	Logger  Logger
	Metrics Metrics
}

// AsyncNotifier queues transitions and delivers them to every sink from a
// background worker, detached from the request that produced them.
type AsyncNotifier struct {
	sinks []Sink
	conf  NotifierConfig

	queue    chan Transition
	shutdown chan struct{}
	wg       sync.WaitGroup

	// mu orders enqueues before Close; closed is guarded by mu
	mu     sync.RWMutex
	closed bool
}

// NewAsyncNotifier creates a notifier and starts its worker.
func NewAsyncNotifier(config NotifierConfig, sinks ...Sink) *AsyncNotifier {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	n := &AsyncNotifier{
		sinks:    sinks,
		conf:     config,
		queue:    make(chan Transition, config.BufferSize),
		shutdown: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Notify enqueues t without blocking. The request context is not retained.
func (n *AsyncNotifier) Notify(_ context.Context, t Transition) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.drop(t, "notifier closed")
		return
	}

	select {
	case n.queue <- t:
		n.conf.Metrics.RecordNotification("queue", "queued")
	default:
		n.drop(t, "queue full")
	}
}

func (n *AsyncNotifier) drop(t Transition, reason string) {
	n.conf.Metrics.RecordNotification("queue", "dropped")
	n.conf.Logger.Warn("notification dropped",
		F("reason", reason),
		F("user_id", t.UserID),
		F("subscription_id", t.SubscriptionID),
		F("to", string(t.To)),
	)
}

// Close stops accepting transitions and delivers whatever is queued, giving up
// when ctx is done.
func (n *AsyncNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.shutdown)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *AsyncNotifier) run() {
	defer n.wg.Done()
	for {
		select {
		case t := <-n.queue:
			n.dispatch(t)
		case <-n.shutdown:
			for {
				select {
				case t := <-n.queue:
					n.dispatch(t)
				default:
					return
				}
			}
		}
	}
}

// dispatch fans t out to all sinks concurrently. Sink errors are logged only.
func (n *AsyncNotifier) dispatch(t Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), n.conf.DeliveryTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range n.sinks {
		g.Go(func() error {
			if err := sink.Deliver(ctx, t); err != nil {
				n.conf.Metrics.RecordNotification(sink.Name(), "failed")
				n.conf.Logger.Error("notification delivery failed",
					F("sink", sink.Name()),
					F("user_id", t.UserID),
					F("subscription_id", t.SubscriptionID),
					F("error", err.Error()),
				)
				return err
			}
			n.conf.Metrics.RecordNotification(sink.Name(), "delivered")
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // failures are logged per sink
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, t Transition) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Deliver(ctx context.Context, t Transition) error {
	if s.Fn == nil {
		return errors.New("sink func is nil")
	}
	return s.Fn(ctx, t)
}
