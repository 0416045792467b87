// Package events distributes engine events to loosely coupled consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"spot-trader/internal/models"
	"spot-trader/internal/risk"
)

// Kind identifies the payload carried by an Event.
type Kind string

const (
	KindDecision   Kind = "decision"
	KindDrawdown   Kind = "drawdown"
	KindStopLoss   Kind = "stop_loss"
	KindEmergency  Kind = "emergency_close"
	KindOrder      Kind = "order"
	KindCycleError Kind = "cycle_error"
)

// Event is a single published occurrence. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind      Kind
	Asset     string
	Timestamp time.Time

	Decision  *models.Decision
	Drawdown  *risk.DrawdownAction
	StopLoss  *risk.StopLossEvent
	Emergency *risk.EmergencyCloseEvent
	Order     *models.TrackedOrder
	Err       error
}

func DecisionEvent(d *models.Decision) Event {
	return Event{Kind: KindDecision, Asset: d.Asset, Timestamp: d.Timestamp, Decision: d}
}

func DrawdownEvent(a risk.DrawdownAction) Event {
	return Event{Kind: KindDrawdown, Timestamp: a.Timestamp, Drawdown: &a}
}

func StopLossEvent(e *risk.StopLossEvent) Event {
	return Event{Kind: KindStopLoss, Asset: e.Asset, Timestamp: e.Timestamp, StopLoss: e}
}

func EmergencyEvent(e *risk.EmergencyCloseEvent) Event {
	return Event{Kind: KindEmergency, Timestamp: e.StartedAt, Emergency: e}
}

// OrderEvent copies the order so later tracker mutations are not observed.
func OrderEvent(o models.TrackedOrder) Event {
	return Event{Kind: KindOrder, Asset: o.Asset, Timestamp: o.UpdatedAt, Order: &o}
}

func CycleErrorEvent(asset string, err error, now time.Time) Event {
	return Event{Kind: KindCycleError, Asset: asset, Timestamp: now, Err: err}
}

// Config holds buffer sizes for the bus.
type Config struct {
	// BufferSize is the size of the inbound event buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Subscription receives events of the kinds it asked for.
type Subscription struct {
	ID        string
	C         <-chan Event
	ch        chan Event
	kinds     map[Kind]bool
	dropped   uint64
	CreatedAt time.Time
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus fans events out to subscribers. Publishing never blocks the engine:
// a full inbound buffer or a slow subscriber drops the event and counts it.
type Bus struct {
	config  Config
	mu      sync.RWMutex
	subs    map[string]*Subscription
	in      chan Event
	done    chan struct{}
	started bool
	wg      sync.WaitGroup

	metricsMu sync.Mutex
	received  uint64
	delivered uint64
	dropped   uint64
}

// Metrics contains bus counters.
type Metrics struct {
	Received    uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// NewBus creates a bus with default configuration.
func NewBus() *Bus {
	return NewBusWithConfig(DefaultConfig())
}

// NewBusWithConfig creates a bus.
func NewBusWithConfig(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.SubscriberBufferSize <= 0 {
		cfg.SubscriberBufferSize = DefaultConfig().SubscriberBufferSize
	}
	return &Bus{
		config: cfg,
		subs:   make(map[string]*Subscription),
		in:     make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.loop(ctx)
}

func (b *Bus) loop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			// flush what is already buffered
			for {
				select {
				case ev := <-b.in:
					b.broadcast(ev)
				default:
					return
				}
			}
		case ev := <-b.in:
			b.broadcast(ev)
		}
	}
}

// Stop drains buffered events, stops the loop and closes every subscription.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Subscribe registers a subscriber for the given kinds; no kinds means all.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	ch := make(chan Event, b.config.SubscriberBufferSize)
	s := &Subscription{
		ID:        uuid.NewString(),
		C:         ch,
		ch:        ch,
		kinds:     make(map[Kind]bool, len(kinds)),
		CreatedAt: time.Now(),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}

	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; ok {
		close(s.ch)
		delete(b.subs, s.ID)
	}
}

// Publish enqueues an event. It is non-blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.in <- ev:
		b.metricsMu.Lock()
		b.received++
		b.metricsMu.Unlock()
	default:
		b.metricsMu.Lock()
		b.dropped++
		b.metricsMu.Unlock()
	}
}

func (b *Bus) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.ch <- ev:
			b.metricsMu.Lock()
			b.delivered++
			b.metricsMu.Unlock()
		default:
			s.dropped++
			b.metricsMu.Lock()
			b.dropped++
			b.metricsMu.Unlock()
		}
	}
}

// Metrics returns bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return Metrics{
		Received:    b.received,
		Delivered:   b.delivered,
		Dropped:     b.dropped,
		Subscribers: n,
	}
}

// Consume calls fn for every event on s until the subscription closes or ctx
// is done.
func Consume(ctx context.Context, s *Subscription, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.C:
			if !ok {
				return
			}
			fn(ev)
		}
	}
}
