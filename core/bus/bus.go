package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/observability"
)

// Topic identifies an event stream. The set is closed; controllers must
// not invent topics at runtime.
type Topic string

const (
	TopicSensorEnvUpdate     Topic = "sensor.env.update"
	TopicSensorPlantUpdate   Topic = "sensor.plant.update"
	TopicActuatorStateChange Topic = "actuator.state.changed"
	TopicRequestCreated      Topic = "irrigation.request.created"
	TopicRequestApproved     Topic = "irrigation.request.approved"
	TopicRequestDelayed      Topic = "irrigation.request.delayed"
	TopicRequestCancelled    Topic = "irrigation.request.cancelled"
	TopicRequestExecuted     Topic = "irrigation.request.executed"
	TopicRequestExpired      Topic = "irrigation.request.expired"
	TopicSystemHealth        Topic = "system.health.changed"
)

// Event is a single bus message. Metrics holds the normalized metric
// values for sensor topics; Fields carries everything else.
type Event struct {
	Topic     Topic
	UnitID    int64
	SensorID  string
	Metrics   map[string]float64
	Fields    map[string]any
	Timestamp time.Time
}

// Handler processes a delivered event. Handlers run on the subscriber's
// own delivery goroutine, never under the bus lock.
type Handler func(Event)

// Token identifies a subscription for Unsubscribe.
type Token struct {
	topic Topic
	id    uint64
}

const defaultQueueSize = 256

type subscriber struct {
	id      uint64
	handler Handler

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
}

// Bus is an in-process, best-effort fan-out of typed events. Publishing
// never blocks: each subscriber has a bounded queue and overflow drops
// the oldest event.
type Bus struct {
	logger    *zap.Logger
	queueSize int

	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic]map[uint64]*subscriber
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an event bus.
func New(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:    logger.Named("bus"),
		queueSize: defaultQueueSize,
		subs:      make(map[Topic]map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic and starts its delivery
// goroutine. The returned token is used to unsubscribe.
func (b *Bus) Subscribe(topic Topic, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][sub.id] = sub

	go b.deliver(topic, sub)

	return Token{topic: topic, id: sub.id}
}

// Unsubscribe removes a handler. Idempotent; deliveries already queued
// may still fire once.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	sub, ok := b.subs[token.topic][token.id]
	if ok {
		delete(b.subs[token.topic], token.id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// Publish enqueues the event for every current subscriber of its topic
// and returns immediately. If a subscriber queue is full the oldest
// event is dropped and counted.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs[event.Topic]))
	for _, sub := range b.subs[event.Topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.enqueue(event, sub)
	}
}

func (b *Bus) enqueue(event Event, sub *subscriber) {
	dropped := false

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if len(sub.queue) >= b.queueSize {
		sub.queue = sub.queue[1:]
		dropped = true
	}
	sub.queue = append(sub.queue, event)
	depth := len(sub.queue)
	sub.mu.Unlock()

	observability.BusQueueDepth.WithLabelValues(string(event.Topic)).Set(float64(depth))
	if dropped {
		observability.BusDroppedEvents.WithLabelValues(string(event.Topic)).Inc()
		b.logger.Warn("subscriber queue full, dropped oldest event",
			zap.String("topic", string(event.Topic)),
			zap.Uint64("subscriber", sub.id))
		// Overflow on the health topic itself must not recurse.
		if event.Topic != TopicSystemHealth {
			b.Publish(Event{
				Topic:  TopicSystemHealth,
				UnitID: event.UnitID,
				Fields: map[string]any{
					"component": "bus",
					"condition": "queue_overflow",
					"topic":     string(event.Topic),
				},
			})
		}
	}

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// deliver drains a subscriber queue in publish order.
func (b *Bus) deliver(topic Topic, sub *subscriber) {
	for range sub.wake {
		for {
			sub.mu.Lock()
			if sub.closed {
				sub.mu.Unlock()
				return
			}
			if len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			event := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			b.safeHandle(topic, sub, event)
		}
	}
}

func (b *Bus) safeHandle(topic Topic, sub *subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber handler panicked",
				zap.String("topic", string(topic)),
				zap.Uint64("subscriber", sub.id),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// Close unsubscribes everything. Used on unit shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[Topic]map[uint64]*subscriber)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
			select {
			case sub.wake <- struct{}{}:
			default:
			}
		}
	}
}
