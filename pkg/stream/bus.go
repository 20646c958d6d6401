package stream

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes events. Handlers are called synchronously in
// emission order. A handler error or panic is logged and isolated; it
// never affects other subscribers or the emitter.
type Handler func(ctx context.Context, event *Event) error

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	id  int
	bus *Bus
}

// Unsubscribe removes the handler from the bus. Safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Bus fans events out to subscribers. Delivery is synchronous, so the
// per-subscriber event order matches emission order.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]Handler
	filters map[int]Domain // zero value means all domains
	logger  *slog.Logger
	closed  bool
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[int]Handler),
		filters: make(map[int]Domain),
		logger:  logger,
	}
}

// Subscribe registers a handler for all domains.
func (b *Bus) Subscribe(handler Handler) *Subscription {
	return b.subscribe(handler, "")
}

// SubscribeDomain registers a handler that only receives events from
// the given domain.
func (b *Bus) SubscribeDomain(domain Domain, handler Handler) *Subscription {
	return b.subscribe(handler, domain)
}

func (b *Bus) subscribe(handler Handler, domain Domain) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	if domain != "" {
		b.filters[id] = domain
	}
	return &Subscription{id: id, bus: b}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	delete(b.filters, id)
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit delivers the event to every matching subscriber. Subscriber
// failures are logged and do not propagate to the emitter.
func (b *Bus) Emit(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	type sub struct {
		id      int
		handler Handler
	}
	matching := make([]sub, 0, len(b.subs))
	for id, handler := range b.subs {
		if domain, ok := b.filters[id]; ok && domain != event.Envelope.Domain {
			continue
		}
		matching = append(matching, sub{id: id, handler: handler})
	}
	b.mu.RUnlock()

	for _, s := range matching {
		b.dispatch(ctx, s.id, s.handler, event)
	}
}

// dispatch invokes a single handler, recovering from panics so one
// subscriber cannot take down the bus.
func (b *Bus) dispatch(ctx context.Context, id int, handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"subscriber", id,
				"domain", event.Envelope.Domain,
				"type", event.Envelope.Type,
				"panic", r,
			)
		}
	}()

	if err := handler(ctx, event); err != nil {
		b.logger.Warn("event subscriber failed",
			"subscriber", id,
			"domain", event.Envelope.Domain,
			"type", event.Envelope.Type,
			"error", err,
		)
	}
}

// Close drops all subscribers and rejects further emissions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]Handler)
	b.filters = make(map[int]Domain)
}
