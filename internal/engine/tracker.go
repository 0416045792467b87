package engine

import (
	"sort"
	"sync"
	"time"

	"spot-trader/internal/models"
)

// OrderUpdate is the result of applying an exchange status to a tracked order.
type OrderUpdate struct {
	Order models.TrackedOrder
	// Fill is the newly filled size since the last apply, if any.
	Fill *models.Fill
	// Done is set once, on the transition into a terminal status.
	Done bool
}

// OrderTracker is the local record of orders placed by the engine.
type OrderTracker struct {
	mu     sync.Mutex
	orders map[string]*models.TrackedOrder
}

// NewOrderTracker creates an empty tracker.
func NewOrderTracker() *OrderTracker {
	return &OrderTracker{orders: make(map[string]*models.TrackedOrder)}
}

// Track starts tracking an order.
func (t *OrderTracker) Track(o models.TrackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o.Status == "" {
		o.Status = models.OrderStatusOpen
	}
	t.orders[o.OrderID] = &o
}

// Get returns a copy of a tracked order.
func (t *OrderTracker) Get(orderID string) (models.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[orderID]
	if !ok {
		return models.TrackedOrder{}, false
	}
	return *o, true
}

// Apply merges an exchange status into the tracked order. Applying the same
// status twice yields no second fill, and a terminal order never changes.
func (t *OrderTracker) Apply(state models.OrderState, now time.Time) (OrderUpdate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[state.OrderID]
	if !ok {
		return OrderUpdate{}, false
	}
	if o.Status.IsTerminal() {
		return OrderUpdate{Order: *o}, true
	}

	if state.FilledSize > o.FilledSize {
		o.FilledSize = state.FilledSize
		if state.AveragePrice > 0 {
			o.FillPrice = state.AveragePrice
		}
	}
	o.Status = state.Status
	o.UpdatedAt = now

	up := OrderUpdate{Done: o.Status.IsTerminal()}
	if pending := o.Pending(); pending > 0 {
		up.Fill = &models.Fill{
			OrderID:   o.OrderID,
			Asset:     o.Asset,
			Side:      o.Side,
			Size:      pending,
			Price:     o.FillPrice,
			Source:    o.Source,
			Tag:       o.Tag,
			Timestamp: now,
		}
		o.Applied = o.FilledSize
	}
	up.Order = *o
	return up, true
}

// Open returns non-terminal orders, oldest first.
func (t *OrderTracker) Open() []models.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.TrackedOrder
	for _, o := range t.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	sortByPlaced(out)
	return out
}

// Orders returns every tracked order, oldest first.
func (t *OrderTracker) Orders() []models.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	sortByPlaced(out)
	return out
}

// Prune forgets terminal orders last updated before cutoff.
func (t *OrderTracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, o := range t.orders {
		if o.Status.IsTerminal() && o.UpdatedAt.Before(cutoff) {
			delete(t.orders, id)
			n++
		}
	}
	return n
}

// Restore replaces the tracked set.
func (t *OrderTracker) Restore(orders []models.TrackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders = make(map[string]*models.TrackedOrder, len(orders))
	for i := range orders {
		o := orders[i]
		t.orders[o.OrderID] = &o
	}
}

func sortByPlaced(os []models.TrackedOrder) {
	sort.Slice(os, func(i, j int) bool {
		if os[i].PlacedAt.Equal(os[j].PlacedAt) {
			return os[i].OrderID < os[j].OrderID
		}
		return os[i].PlacedAt.Before(os[j].PlacedAt)
	})
}
