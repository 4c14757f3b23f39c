package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements the order store and the reservation ledger in
// process. One mutex serializes every operation, which gives the same
// all-or-nothing behaviour the Postgres repositories get from transactions.
// It backs tests and local runs without a database.
type MemoryStore struct {
	mu           sync.Mutex
	variants     map[string]*Variant
	orders       map[string]*Order
	reservations map[string][]*Reservation       // by order id, sorted by variant id
	lines        map[string]map[string]OrderLine // by order id, then variant id
	snapshots    map[string][]OrderItemSnapshot
	incidents    []Incident
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		variants:     map[string]*Variant{},
		orders:       map[string]*Order{},
		reservations: map[string][]*Reservation{},
		lines:        map[string]map[string]OrderLine{},
		snapshots:    map[string][]OrderItemSnapshot{},
		now:          time.Now,
	}
}

func (m *MemoryStore) PutVariant(v Variant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := v
	m.variants[v.ID] = &cp
}

func (m *MemoryStore) Variant(id string) (Variant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[id]
	if !ok {
		return Variant{}, false
	}
	return *v, true
}

// PutLine records a priced line for an order seeded with PutOrder.
func (m *MemoryStore) PutLine(l OrderLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lines[l.OrderID] == nil {
		m.lines[l.OrderID] = map[string]OrderLine{}
	}
	m.lines[l.OrderID][l.VariantID] = l
}

// PutOrder inserts or replaces an order verbatim.
func (m *MemoryStore) PutOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.orders[o.ID] = &cp
}

func (m *MemoryStore) CreateOrder(_ context.Context, in NewOrder) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	lines := map[string]OrderLine{}
	for _, it := range MergeItems(in.Items) {
		v, ok := m.variants[it.VariantID]
		if !ok || !v.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, it.VariantID)
		}
		total += v.UnitPriceCents * int64(it.Qty)
		lines[it.VariantID] = OrderLine{VariantID: it.VariantID, ProductName: v.ProductName, UnitPriceCents: v.UnitPriceCents, Quantity: it.Qty}
	}
	if in.ProviderOrderID != "" {
		for _, o := range m.orders {
			if o.PaymentProviderOrderID == in.ProviderOrderID {
				return nil, fmt.Errorf("provider order id %s already used", in.ProviderOrderID)
			}
		}
	}
	now := m.now()
	o := &Order{
		ID:                     uuid.NewString(),
		OwnerID:                in.OwnerID,
		AmountCents:            total,
		Currency:               in.Currency,
		Status:                 StatusCreated,
		PaymentProviderOrderID: in.ProviderOrderID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	m.orders[o.ID] = o
	for id, l := range lines {
		l.OrderID = o.ID
		lines[id] = l
	}
	m.lines[o.ID] = lines
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) FindByProviderOrderID(_ context.Context, providerOrderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if providerOrderID != "" && o.PaymentProviderOrderID == providerOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, orderID string, from []Status, to Status, patch PaymentPatch) (Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return "", false, nil
	}
	matched := false
	for _, s := range from {
		if o.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return "", false, nil
	}
	prev := o.Status
	o.Status = to
	if patch.ProviderPaymentID != "" {
		o.PaymentProviderPaymentID = patch.ProviderPaymentID
	}
	if patch.Signature != "" {
		o.PaymentSignature = patch.Signature
	}
	if len(patch.Shipping) > 0 {
		o.Shipping = append([]byte(nil), patch.Shipping...)
	}
	o.UpdatedAt = m.now()
	return prev, true, nil
}

func (m *MemoryStore) CreateSnapshot(_ context.Context, orderID string, now time.Time) ([]OrderItemSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.snapshots[orderID]; len(existing) > 0 {
		return append([]OrderItemSnapshot(nil), existing...), nil
	}
	var snap []OrderItemSnapshot
	for _, rv := range m.reservations[orderID] {
		if rv.Status != ReservationReserved && rv.Status != ReservationCommitted {
			continue
		}
		name, price := m.linePrice(orderID, rv.VariantID)
		snap = append(snap, OrderItemSnapshot{
			OrderID:        orderID,
			VariantID:      rv.VariantID,
			ProductName:    name,
			UnitPriceCents: price,
			Quantity:       rv.Quantity,
			SubtotalCents:  price * int64(rv.Quantity),
			CreatedAt:      now,
		})
	}
	if len(snap) == 0 {
		return nil, fmt.Errorf("%w: no live reservations for order %s", ErrSnapshotMissing, orderID)
	}
	m.snapshots[orderID] = snap
	return append([]OrderItemSnapshot(nil), snap...), nil
}

// linePrice returns the price frozen on the order line, or the catalog price
// for orders seeded without lines. Callers hold m.mu.
func (m *MemoryStore) linePrice(orderID, variantID string) (string, int64) {
	if l, ok := m.lines[orderID][variantID]; ok {
		return l.ProductName, l.UnitPriceCents
	}
	v := m.variants[variantID]
	if v == nil {
		return "", 0
	}
	return v.ProductName, v.UnitPriceCents
}

func (m *MemoryStore) ListSnapshot(_ context.Context, orderID string) ([]OrderItemSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderItemSnapshot(nil), m.snapshots[orderID]...), nil
}

func (m *MemoryStore) RecordIncident(_ context.Context, inc Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	m.incidents = append(m.incidents, inc)
	return nil
}

func (m *MemoryStore) Incidents(orderID string) []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Incident
	for _, inc := range m.incidents {
		if inc.OrderID == orderID {
			out = append(out, inc)
		}
	}
	return out
}

func (m *MemoryStore) liveHolds(variantID, excludeOrderID string, now time.Time) int {
	held := 0
	for orderID, rows := range m.reservations {
		if orderID == excludeOrderID {
			continue
		}
		for _, rv := range rows {
			if rv.VariantID == variantID && rv.Status == ReservationReserved && rv.ExpiresAt.After(now) {
				held += rv.Quantity
			}
		}
	}
	return held
}

func (m *MemoryStore) Reserve(_ context.Context, req ReserveRequest) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[req.OrderID]
	if !ok {
		return 0, ErrNotFound
	}
	if o.OwnerID != req.OwnerID {
		return 0, ErrOwnerMismatch
	}
	live, closed := 0, 0
	for _, rv := range m.reservations[req.OrderID] {
		switch rv.Status {
		case ReservationReserved, ReservationCommitted:
			live++
		default:
			closed++
		}
	}
	if live > 0 {
		return live, nil
	}
	if closed > 0 {
		return 0, ErrReservationClosed
	}

	items := MergeItems(req.Items)
	for _, it := range items {
		v, ok := m.variants[it.VariantID]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrVariantNotFound, it.VariantID)
		}
		available := v.StockQuantity - m.liveHolds(it.VariantID, "", req.Now)
		if !v.Enabled {
			available = 0
		}
		if available < it.Qty {
			return 0, &OutOfStockError{VariantID: it.VariantID, Requested: it.Qty, Available: max(available, 0)}
		}
	}
	rows := make([]*Reservation, 0, len(items))
	for _, it := range items {
		rows = append(rows, &Reservation{
			ID:        uuid.NewString(),
			OrderID:   req.OrderID,
			OwnerID:   req.OwnerID,
			VariantID: it.VariantID,
			Quantity:  it.Qty,
			Status:    ReservationReserved,
			ExpiresAt: req.ExpiresAt,
			CreatedAt: req.Now,
			UpdatedAt: req.Now,
		})
	}
	m.reservations[req.OrderID] = rows
	return len(rows), nil
}

func (m *MemoryStore) Commit(_ context.Context, orderID string, now time.Time) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res CommitResult
	var pending []*Reservation
	for _, rv := range m.reservations[orderID] {
		switch rv.Status {
		case ReservationCommitted:
			res.AlreadyCommitted++
		case ReservationReserved:
			pending = append(pending, rv)
		}
	}
	if len(pending) == 0 {
		return res, nil
	}
	if len(m.snapshots[orderID]) == 0 {
		return CommitResult{}, ErrSnapshotMissing
	}
	// validate everything first so a failure leaves no partial deduction
	for _, rv := range pending {
		available := m.variants[rv.VariantID].StockQuantity
		if !rv.ExpiresAt.After(now) {
			available -= m.liveHolds(rv.VariantID, orderID, now)
		}
		if available < rv.Quantity {
			return CommitResult{}, &OutOfStockError{VariantID: rv.VariantID, Requested: rv.Quantity, Available: max(available, 0)}
		}
	}
	for _, rv := range pending {
		v := m.variants[rv.VariantID]
		v.StockQuantity -= rv.Quantity
		v.UpdatedAt = now
		rv.Status = ReservationCommitted
		rv.UpdatedAt = now
		res.Committed++
	}
	return res, nil
}

func (m *MemoryStore) Release(_ context.Context, orderID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rv := range m.reservations[orderID] {
		if rv.Status == ReservationReserved {
			rv.Status = ReservationReleased
			rv.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Reap(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Reservation
	for _, rows := range m.reservations {
		for _, rv := range rows {
			if rv.Status == ReservationReserved && rv.ExpiresAt.Before(now) {
				due = append(due, rv)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Reservation, 0, len(due))
	for _, rv := range due {
		rv.Status = ReservationExpired
		rv.UpdatedAt = now
		out = append(out, *rv)
	}
	return out, nil
}

func (m *MemoryStore) ListReservations(_ context.Context, orderID string) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reservation, 0, len(m.reservations[orderID]))
	for _, rv := range m.reservations[orderID] {
		out = append(out, *rv)
	}
	return out, nil
}
