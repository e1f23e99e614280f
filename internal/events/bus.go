// Package events is the engine's outbound nervous system: every
// component publishes structured events here and observers (journal,
// notifier, state store) consume them through bounded per-subscriber
// queues. Publishing never calls a handler synchronously.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event variant.
type Type string

const (
	TypeBarFetched          Type = "BAR_FETCHED"
	TypeBarRejected         Type = "BAR_REJECTED"
	TypeSignalGenerated     Type = "SIGNAL_GENERATED"
	TypeRiskRejected        Type = "RISK_REJECTED"
	TypeOrderSubmitted      Type = "ORDER_SUBMITTED"
	TypeOrderFilled         Type = "ORDER_FILLED"
	TypeOrderFailed         Type = "ORDER_FAILED"
	TypePositionOpened      Type = "POSITION_OPENED"
	TypePositionClosed      Type = "POSITION_CLOSED"
	TypeStopTriggered       Type = "STOP_TRIGGERED"
	TypeTakeProfitTriggered Type = "TAKE_PROFIT_TRIGGERED"
	TypeTrailingAdjusted    Type = "TRAILING_ADJUSTED"
	TypeHeartbeatTick       Type = "HEARTBEAT_TICK"
	TypeEngineStarted       Type = "ENGINE_STARTED"
	TypeEngineStopped       Type = "ENGINE_STOPPED"
	TypeEngineFault         Type = "ENGINE_FAULT"
	TypeQueueOverflow       Type = "QUEUE_OVERFLOW"
)

// Event is the unit of delivery. Symbol is empty for engine-level
// events; CorrelationID ties together every event of one tick.
type Event struct {
	Type          Type                   `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Symbol        string                 `json:"symbol,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// NewCorrelationID mints the id shared by all events of one tick.
func NewCorrelationID() string { return uuid.NewString() }

// Handler consumes one event. It runs on the subscriber's own worker
// goroutine and must not publish synchronously expecting delivery
// before it returns.
type Handler func(Event)

// Filter optionally narrows a subscription beyond its type set.
type Filter func(Event) bool

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy string

const (
	DropOldest     OverflowPolicy = "drop_oldest"
	DropNew        OverflowPolicy = "drop_new"
	BlockPublisher OverflowPolicy = "block_publisher"
)

// SubscribeOptions tunes one subscription. Zero values mean: all types,
// no filter, queue of 256, drop_oldest.
type SubscribeOptions struct {
	Types     []Type
	Filter    Filter
	QueueSize int
	Policy    OverflowPolicy
}

const defaultQueueSize = 256

type subscriber struct {
	id      uint64
	name    string
	types   map[Type]bool // nil means all types
	filter  Filter
	policy  OverflowPolicy
	queue   chan Event
	handler Handler

	enqueueMu sync.Mutex // serialises drop-oldest eviction
	dropped   uint64
	done      chan struct{}
}

func (s *subscriber) wants(ev Event) bool {
	if s.types != nil && !s.types[ev.Type] {
		return false
	}
	return s.filter == nil || s.filter(ev)
}

// Bus fans events out to subscribers. Each subscriber owns a bounded
// queue drained by a dedicated goroutine, so delivery is FIFO per
// subscriber and publishers never run handlers inline.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	pending int64 // events enqueued but not yet handled
}

// NewBus returns a running bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a handler and starts its worker. The returned id
// is the handle for Unsubscribe.
func (b *Bus) Subscribe(name string, opts SubscribeOptions, handler Handler) uint64 {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Policy == "" {
		opts.Policy = DropOldest
	}
	var types map[Type]bool
	if len(opts.Types) > 0 {
		types = make(map[Type]bool, len(opts.Types))
		for _, t := range opts.Types {
			types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscriber{
		id:      b.nextID,
		name:    name,
		types:   types,
		filter:  opts.Filter,
		policy:  opts.Policy,
		queue:   make(chan Event, opts.QueueSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s
	go b.drain(s)
	return s.id
}

// Unsubscribe stops delivery to the handle. Queued events for the
// subscriber are discarded.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.queue)
		<-s.done
	}
}

// Publish delivers ev to every matching subscriber according to its
// overflow policy. The timestamp is stamped here if the caller left it
// zero.
func (b *Bus) Publish(ev Event) {
	b.publish(ev, false)
}

func (b *Bus) publish(ev Event, internal bool) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	var overflowed []*subscriber
	for _, s := range targets {
		if b.enqueue(s, ev) {
			overflowed = append(overflowed, s)
		}
	}

	// Dropped deliveries surface as their own event; overflow events
	// that themselves overflow only bump the counter.
	if !internal {
		for _, s := range overflowed {
			b.publish(Event{
				Type:          TypeQueueOverflow,
				CorrelationID: NewCorrelationID(),
				Data: map[string]interface{}{
					"subscriber": s.name,
					"dropped":    atomic.LoadUint64(&s.dropped),
				},
			}, true)
		}
	}
}

// enqueue places ev on the subscriber queue per its overflow policy and
// reports whether anything was dropped.
func (b *Bus) enqueue(s *subscriber, ev Event) (droppedAny bool) {
	defer func() {
		if r := recover(); r != nil {
			// Queue closed by Unsubscribe racing a publish. The panic
			// always fires on a send, so exactly one pending increment
			// is outstanding: roll it back and count the drop, or Flush
			// would spin until its context expired.
			atomic.AddInt64(&b.pending, -1)
			atomic.AddUint64(&s.dropped, 1)
			droppedAny = true
		}
	}()

	switch s.policy {
	case BlockPublisher:
		atomic.AddInt64(&b.pending, 1)
		s.queue <- ev
		return false
	case DropNew:
		atomic.AddInt64(&b.pending, 1)
		select {
		case s.queue <- ev:
			return false
		default:
			atomic.AddInt64(&b.pending, -1)
			atomic.AddUint64(&s.dropped, 1)
			return true
		}
	default: // DropOldest
		s.enqueueMu.Lock()
		defer s.enqueueMu.Unlock()
		for {
			atomic.AddInt64(&b.pending, 1)
			select {
			case s.queue <- ev:
				return droppedAny
			default:
				atomic.AddInt64(&b.pending, -1)
			}
			select {
			case <-s.queue:
				atomic.AddInt64(&b.pending, -1)
				atomic.AddUint64(&s.dropped, 1)
				droppedAny = true
			default:
			}
		}
	}
}

func (b *Bus) drain(s *subscriber) {
	defer close(s.done)
	for ev := range s.queue {
		s.handler(ev)
		atomic.AddInt64(&b.pending, -1)
	}
}

// Dropped reports the cumulative overflow count for a subscriber.
func (b *Bus) Dropped(id uint64) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.subs[id]; ok {
		return atomic.LoadUint64(&s.dropped)
	}
	return 0
}

// Flush waits until every queued event has been handled or the context
// expires.
func (b *Bus) Flush(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if atomic.LoadInt64(&b.pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Close stops all subscribers after their queues drain. Publishes after
// Close are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.queue)
		<-s.done
	}
}
