package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGateway is an in-process gateway for development and tests. Proration
// is the seat delta times PricePerSeatCents.
type MockGateway struct {
	mu sync.Mutex

	PricePerSeatCents int64
	// Unconfirmed makes SetSeatQuantity accept without confirming.
	Unconfirmed bool

	quantities map[string]int
	schedules  map[string]MockSchedule
	failures   map[string]error
	calls      []string
}

// MockSchedule is a scheduled decrease held by MockGateway.
type MockSchedule struct {
	SubscriptionID string
	Quantity       int
	EffectiveAt    time.Time
}

func NewMockGateway(pricePerSeatCents int64) *MockGateway {
	return &MockGateway{
		PricePerSeatCents: pricePerSeatCents,
		quantities:        make(map[string]int),
		schedules:         make(map[string]MockSchedule),
		failures:          make(map[string]error),
	}
}

// SetQuantity seeds the quantity the gateway believes a subscription has.
func (g *MockGateway) SetQuantity(subscriptionID string, quantity int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quantities[subscriptionID] = quantity
}

// FailNext makes the next call to op return err.
func (g *MockGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = err
}

// Quantity returns the current quantity of a subscription.
func (g *MockGateway) Quantity(subscriptionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quantities[subscriptionID]
}

// Schedule returns a schedule by id.
func (g *MockGateway) Schedule(scheduleID string) (MockSchedule, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.schedules[scheduleID]
	return s, ok
}

// Calls returns the operations invoked so far.
func (g *MockGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *MockGateway) enter(op string) error {
	g.calls = append(g.calls, op)
	if err, ok := g.failures[op]; ok {
		delete(g.failures, op)
		return err
	}
	return nil
}

func (g *MockGateway) SetSeatQuantity(_ context.Context, subscriptionID string, quantity int, prorate bool) (*QuantityUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("set_seat_quantity"); err != nil {
		return nil, err
	}
	if g.Unconfirmed {
		return &QuantityUpdate{Confirmed: false}, nil
	}

	previous := g.quantities[subscriptionID]
	g.quantities[subscriptionID] = quantity

	update := &QuantityUpdate{Confirmed: true}
	if prorate {
		update.ProratedAmountCents = int64(quantity-previous) * g.PricePerSeatCents
	}
	return update, nil
}

func (g *MockGateway) ScheduleSeatDecrease(_ context.Context, subscriptionID string, quantity int, effectiveAt time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("schedule_seat_decrease"); err != nil {
		return "", err
	}
	id := "sched_" + uuid.NewString()
	g.schedules[id] = MockSchedule{SubscriptionID: subscriptionID, Quantity: quantity, EffectiveAt: effectiveAt}
	return id, nil
}

func (g *MockGateway) CancelScheduledChange(_ context.Context, scheduleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("cancel_scheduled_change"); err != nil {
		return err
	}
	if _, ok := g.schedules[scheduleID]; !ok {
		return fmt.Errorf("schedule %s not found", scheduleID)
	}
	delete(g.schedules, scheduleID)
	return nil
}
