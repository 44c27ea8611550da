package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type (
	Dispatcher struct {
		sink    Sink
		topic   string
		timeout time.Duration
		queue   chan Event
		log     zerolog.Logger

		// Dispatch holds mu for reading while it queues, so once closed is
		// set under the write lock nothing else reaches the queue
		mu       sync.RWMutex
		closed   bool
		cancel   context.CancelFunc
		stopOnce sync.Once
		done     chan struct{}

		published uint64
		dropped   uint64
		failed    uint64
	}

	DispatcherOption func(*Dispatcher)

	Stats struct {
		Published uint64
		Dropped   uint64
		Failed    uint64
	}
)

const (
	DefaultBufferSize     = 256
	DefaultPublishTimeout = 5 * time.Second
)

func WithTopic(topic string) DispatcherOption {
	return func(d *Dispatcher) {
		d.topic = topic
	}
}

func WithBufferSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queue = make(chan Event, size)
		}
	}
}

func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

func WithLogger(log zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = log
	}
}

func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		topic:   DefaultTopic,
		timeout: DefaultPublishTimeout,
		queue:   make(chan Event, DefaultBufferSize),
		log:     zerolog.Nop(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start launches the worker, it stops when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
}

// Stop prevents new events from being queued, waits for the worker to
// flush what is already queued and returns.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		cancel := d.close()
		if cancel == nil {
			close(d.done)
			return
		}
		cancel()
		<-d.done
	})
}

// Dispatch queues e without blocking. It returns false when the event was
// dropped because the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Dispatch(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		atomic.AddUint64(&d.dropped, 1)
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		atomic.AddUint64(&d.dropped, 1)
		d.log.Warn().Str("event.id", e.ID).Str("event.type", e.Type).Int64("user.id", e.UserID).Msg("Event queue is full, dropping event")
		return false
	}
}

// close rejects further events and returns the worker cancel function,
// nil when the worker never started.
func (d *Dispatcher) close() context.CancelFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.cancel
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: atomic.LoadUint64(&d.published),
		Dropped:   atomic.LoadUint64(&d.dropped),
		Failed:    atomic.LoadUint64(&d.failed),
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case e := <-d.queue:
			d.publish(ctx, e)
		case <-ctx.Done():
			d.close()
			d.drain()
			return
		}
	}
}

// drain publishes whatever is queued using a fresh context, the worker
// context is already cancelled at this point.
func (d *Dispatcher) drain() {
	for {
		select {
		case e := <-d.queue:
			d.publish(context.Background(), e)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, e Event) {
	log := d.log.With().Str("event.id", e.ID).Str("event.type", e.Type).Str("topic", d.topic).Logger()
	payload, err := e.Encode()
	if err != nil {
		atomic.AddUint64(&d.failed, 1)
		log.Error().Err(err).Msg("Unable to encode event")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err = d.sink.Publish(ctx, d.topic, payload)
	if err != nil {
		atomic.AddUint64(&d.failed, 1)
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Dur("timeout", d.timeout).Msg("Publishing event timed out")
			return
		}
		log.Warn().Err(err).Msg("Unable to publish event")
		return
	}
	atomic.AddUint64(&d.published, 1)
	log.Debug().Msg("Event published")
}
