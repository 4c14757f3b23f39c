package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/google/uuid"
)

type StatusStore interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CompareAndSetStatus(ctx context.Context, orderID string, from []Status, to Status, patch PaymentPatch) (Status, bool, error)
}

// StatusCache drops any cached view of an order after its status moved.
type StatusCache interface {
	Invalidate(ctx context.Context, orderID string) error
}

// EventSink publishes lifecycle envelopes without blocking the caller.
type EventSink interface {
	Emit(ctx context.Context, topic string, env Envelope)
}

type Transition struct {
	OrderID string
	From    []Status
	To      Status
	Patch   PaymentPatch
	Reason  string
}

// Machine is the only writer of Order.status. Every write is a
// compare-and-swap on the expected prior status.
type Machine struct {
	Store    StatusStore
	Cache    StatusCache
	Events   EventSink
	Logger   *logger.Logger
	Producer string
	Now      func() time.Time
}

// Apply performs t. applied=false with a nil error is the benign outcome of
// losing a race: the order had already left every status in t.From.
func (m *Machine) Apply(ctx context.Context, t Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition to %s: no expected prior status", t.To)
	}
	for _, from := range t.From {
		if !CanTransition(from, t.To) {
			return false, fmt.Errorf("transition %s -> %s not allowed", from, t.To)
		}
	}

	prev, applied, err := m.Store.CompareAndSetStatus(ctx, t.OrderID, t.From, t.To, t.Patch)
	if err != nil {
		return false, fmt.Errorf("cas %s -> %s: %w", t.From, t.To, err)
	}
	logg := m.logger()
	lctx := logg.WithFields(ctx, map[string]any{"order_id": t.OrderID, "to": t.To})
	if !applied {
		logg.Info(logg.WithField(lctx, "cas_miss", true), "order status already moved by another writer")
		return false, nil
	}
	logg.Info(logg.WithField(lctx, "from", prev), "order status changed")

	if m.Cache != nil {
		if err := m.Cache.Invalidate(ctx, t.OrderID); err != nil {
			logg.Warn(lctx, "status cache invalidate failed", err)
		}
	}
	m.emit(ctx, t, prev)
	return true, nil
}

func (m *Machine) emit(ctx context.Context, t Transition, prev Status) {
	if m.Events == nil {
		return
	}
	payload, err := json.Marshal(StatusChangedPayload{OrderID: t.OrderID, From: prev, To: t.To, Reason: t.Reason})
	if err != nil {
		m.logger().Warn(ctx, "encode status event", err)
		return
	}
	m.Events.Emit(ctx, TopicOrderStatusChanged, Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    m.now().UTC(),
		Producer:      m.Producer,
		CorrelationID: t.OrderID,
		Payload:       payload,
	})
}

func (m *Machine) Get(ctx context.Context, orderID string) (*Order, error) {
	return m.Store.GetOrder(ctx, orderID)
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) logger() *logger.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return logger.Nop()
}
