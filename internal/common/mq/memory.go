package mq

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

const defaultMemoryCapacity = 1024

// MemoryQueue is an in-process MessageQueue backed by bounded channels.
// Messages do not survive a restart.
type MemoryQueue struct {
	capacity int

	mu            sync.Mutex
	topics        map[string]chan *Message
	subscriptions []*memorySubscription
	started       bool
	closed        bool
}

type memorySubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a queue whose topics each buffer up to capacity messages.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryQueue{
		capacity: capacity,
		topics:   make(map[string]chan *Message),
	}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan *Message, q.capacity)
		q.topics[name] = ch
	}
	return ch
}

// Publish enqueues a copy of message. It never blocks: a full topic yields ErrQueueFull.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := q.topic(topic)
	q.mu.Unlock()

	m := *message
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Headers = make(map[string]string, len(message.Headers))
	for k, v := range message.Headers {
		m.Headers[k] = v
	}
	select {
	case ch <- &m:
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe registers handler for topic.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()

	sub := &memorySubscription{topic: topic, handler: handler, opts: options, baseCtx: ctx}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.subscriptions = append(q.subscriptions, sub)
	if q.started {
		q.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subscriptions {
		q.startSubscription(sub)
	}
	q.started = true
	return nil
}

func (q *MemoryQueue) startSubscription(sub *memorySubscription) {
	ch := q.topic(sub.topic)
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		limiter := sub.opts.Limiter
		for {
			if err := limiter.Acquire(sub.ctx); err != nil {
				return
			}
			if sub.ctx.Err() != nil {
				limiter.Release()
				return
			}
			var m *Message
			select {
			case <-sub.ctx.Done():
				limiter.Release()
				return
			case m = <-ch:
			}
			sub.wg.Add(1)
			go func(m *Message) {
				defer sub.wg.Done()
				defer limiter.Release()
				if !deliver(sub.ctx, m, sub.handler, sub.opts, q.Publish) {
					q.requeue(ch, m)
				}
			}(m)
		}
	}()
}

// requeue puts back a message whose handler was interrupted by Stop.
func (q *MemoryQueue) requeue(ch chan *Message, m *Message) {
	select {
	case ch <- m:
	default:
	}
}

// Stop stops consumers and waits for in-flight handlers.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	subs := append([]*memorySubscription(nil), q.subscriptions...)
	q.started = false
	q.mu.Unlock()

	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range subs {
		sub.wg.Wait()
	}
	return nil
}

// Ping always succeeds while the queue is open.
func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close stops consumers and rejects further publishes.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.Stop()
}

// Len reports how many messages wait in topic.
func (q *MemoryQueue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.topics[topic]
	if !ok {
		return 0
	}
	return len(ch)
}
