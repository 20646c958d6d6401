package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBusDeliversInEmissionOrder(t *testing.T) {
	bus := newTestBus()

	var seen []Type
	bus.Subscribe(func(ctx context.Context, event *Event) error {
		seen = append(seen, event.Envelope.Type)
		return nil
	})

	bus.Emit(context.Background(), NewFlowStart("f1"))
	bus.Emit(context.Background(), NewToolStart("f1", "s1", "search", nil))
	bus.Emit(context.Background(), NewFlowEnd("f1", "COMPLETED"))

	assert.Equal(t, []Type{TypeStart, TypeToolStart, TypeEnd}, seen)
}

func TestBusIsolatesFailingSubscriber(t *testing.T) {
	bus := newTestBus()

	var delivered int
	bus.Subscribe(func(ctx context.Context, event *Event) error {
		return errors.New("subscriber broken")
	})
	bus.Subscribe(func(ctx context.Context, event *Event) error {
		panic("subscriber panicked")
	})
	bus.Subscribe(func(ctx context.Context, event *Event) error {
		delivered++
		return nil
	})

	// Must not panic, and the healthy subscriber still receives the event.
	bus.Emit(context.Background(), NewFlowStart("f1"))
	assert.Equal(t, 1, delivered)
}

func TestBusDomainFilter(t *testing.T) {
	bus := newTestBus()

	var interactions int
	bus.SubscribeDomain(DomainInteraction, func(ctx context.Context, event *Event) error {
		interactions++
		return nil
	})

	bus.Emit(context.Background(), NewFlowStart("f1"))
	bus.Emit(context.Background(), NewResume("c1", nil))

	assert.Equal(t, 1, interactions)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var count int
	sub := bus.Subscribe(func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Emit(context.Background(), NewFlowStart("f1"))
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	bus.Emit(context.Background(), NewFlowStart("f1"))

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusClose(t *testing.T) {
	bus := newTestBus()

	var count int
	bus.Subscribe(func(ctx context.Context, event *Event) error {
		count++
		return nil
	})

	bus.Close()
	bus.Emit(context.Background(), NewFlowStart("f1"))

	assert.Zero(t, count)
	assert.Zero(t, bus.SubscriberCount())
}
