package mq

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by Publish when a bounded queue cannot accept more messages.
var ErrQueueFull = errors.New("queue is full")

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("message queue is closed")

// MessageQueue is the transport between job producers, the judge and the result sink.
// Kafka is the production driver; the in-memory driver serves single-process
// deployments and tests.
type MessageQueue interface {
	Publisher
	Consumer

	// Ping verifies the transport is reachable
	Ping(ctx context.Context) error

	// Close stops consumers and releases connections
	Close() error
}

// Publisher publishes messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer delivers messages of subscribed topics to handlers.
type Consumer interface {
	// Subscribe registers handler for topic. Consumption begins on Start.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages
	Start() error

	// Stop stops fetching and waits for in-flight handlers
	Stop() error
}

// FetchLimiter gates how many messages may be in flight at once.
type FetchLimiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Message is one queued payload.
type Message struct {
	// ID is the unique identifier for the message
	ID string `json:"id"`

	// Key selects the partition; messages with the same key keep their order
	Key string `json:"key"`

	// Body is the message payload
	Body []byte `json:"body"`

	// Headers contains metadata about the message
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`

	// Deliveries counts failed handler attempts so far
	Deliveries int `json:"deliveries"`

	// Expiration dead-letters the message when it is older than this on delivery
	Expiration time.Duration `json:"expiration"`
}

// HandlerFunc processes one message. A nil return acknowledges it.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup is the consumer group name (Kafka only)
	ConsumerGroup string

	// Concurrency bounds in-flight handlers when no Limiter is given.
	// Default: 1
	Concurrency int

	// Limiter is shared between subscriptions that draw from one worker pool
	Limiter FetchLimiter

	// MaxRedeliveries is how many more times a failed message is handed to
	// the handler before it is dead-lettered. Default: 0
	MaxRedeliveries int

	// RetryDelay sets the delay between redeliveries
	// Default: 1 second
	RetryDelay time.Duration

	// DeadLetterTopic receives messages whose handler kept failing
	DeadLetterTopic string

	// MessageTTL dead-letters messages older than this instead of handling them
	MessageTTL time.Duration
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRedeliveries < 0 {
		o.MaxRedeliveries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.Limiter == nil {
		o.Limiter = NewTokenLimiter(o.Concurrency)
	}
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Expired reports whether the message outlived its expiration at now.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration > 0 && !m.Timestamp.IsZero() && now.Sub(m.Timestamp) > m.Expiration
}

// deliver hands m to handler with bounded redelivery. It reports whether the
// message is finished (handled or dead-lettered) and may be acknowledged. A
// handler failure while ctx is stopping leaves the message unacknowledged so
// the transport can redeliver it later.
func deliver(ctx context.Context, m *Message, handler HandlerFunc, opts SubscribeOptions, publish func(context.Context, string, *Message) error) bool {
	if m.Expiration == 0 && opts.MessageTTL > 0 {
		m.Expiration = opts.MessageTTL
	}
	if m.Expired(time.Now()) {
		deadLetter(ctx, m, "message expired", opts, publish)
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	for {
		err := handler(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.Deliveries++
		if m.Deliveries > opts.MaxRedeliveries {
			deadLetter(ctx, m, err.Error(), opts, publish)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(opts.RetryDelay):
		}
	}
}

func deadLetter(ctx context.Context, m *Message, reason string, opts SubscribeOptions, publish func(context.Context, string, *Message) error) {
	if opts.DeadLetterTopic == "" || publish == nil {
		return
	}
	m.SetHeader(headerLastError, reason)
	// A dead letter must not expire on its own topic.
	m.Expiration = 0
	_ = publish(context.WithoutCancel(ctx), opts.DeadLetterTopic, m)
}
