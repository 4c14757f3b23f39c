package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/google/uuid"
)

// OrderStore is the read side plus the snapshot and incident writers.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (*orders.Order, error)
	CreateSnapshot(ctx context.Context, orderID string, now time.Time) ([]orders.OrderItemSnapshot, error)
	RecordIncident(ctx context.Context, inc orders.Incident) error
}

// Ledger is the subset of the reservation coordinator used after capture.
type Ledger interface {
	Commit(ctx context.Context, orderID string) (orders.CommitResult, error)
	Release(ctx context.Context, orderID string) (int, error)
}

type Transitioner interface {
	Apply(ctx context.Context, t orders.Transition) (bool, error)
}

type CartClearer interface {
	ClearCart(ctx context.Context, ownerID string) error
}

// Tasks runs best-effort work detached from the request.
type Tasks interface {
	Go(ctx context.Context, name string, fn func(context.Context) error)
}

type Deps struct {
	Orders   OrderStore
	Ledger   Ledger
	Machine  Transitioner
	Events   orders.EventSink
	Cart     CartClearer
	Tasks    Tasks
	Logger   *logger.Logger
	Metrics  *metrics.Payments
	Producer string
	Now      func() time.Time
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// finalize freezes the purchased items and then deducts stock. Snapshot
// strictly precedes commit. Any failure here happens after the provider
// captured money, so it is recorded as an incident and the order is parked
// in NEEDS_REVIEW rather than retried.
func (d *Deps) finalize(ctx context.Context, o *orders.Order) (orders.CommitResult, error) {
	snap, err := d.Orders.CreateSnapshot(ctx, o.ID, d.Now())
	if err != nil {
		d.incident(ctx, o.ID, orders.IncidentSnapshotFailed, err.Error())
		return orders.CommitResult{}, apperrors.Wrap(apperrors.CodeSnapshotFailed, err, "create order item snapshot")
	}
	var total int64
	for _, it := range snap {
		total += it.SubtotalCents
	}
	if total != o.AmountCents {
		detail := fmt.Sprintf("snapshot total %d does not match order amount %d", total, o.AmountCents)
		d.incident(ctx, o.ID, orders.IncidentSnapshotMismatch, detail)
		return orders.CommitResult{}, apperrors.New(apperrors.CodeSnapshotFailed, detail)
	}
	res, err := d.Ledger.Commit(ctx, o.ID)
	if err != nil {
		d.incident(ctx, o.ID, orders.IncidentCommitFailed, err.Error())
		return orders.CommitResult{}, apperrors.Wrap(apperrors.CodeCommitFailed, err, "commit reservations")
	}
	if res.Committed == 0 && res.AlreadyCommitted == 0 {
		d.incident(ctx, o.ID, orders.IncidentNothingCommitted, "no reservation left to commit")
		return res, apperrors.New(apperrors.CodeCommitFailed, "no reservation left to commit")
	}
	return res, nil
}

// incident records a post-capture failure, emits it and moves a live order
// to NEEDS_REVIEW. Errors are logged: the caller is already failing.
func (d *Deps) incident(ctx context.Context, orderID string, kind orders.IncidentKind, detail string) {
	ctx = d.Logger.WithFields(ctx, map[string]any{"order_id": orderID, "incident": kind})
	d.Logger.Error(ctx, "payment incident", fmt.Errorf("%s", detail))
	d.Metrics.Incident(string(kind))

	inc := orders.Incident{ID: uuid.NewString(), OrderID: orderID, Kind: kind, Detail: detail, CreatedAt: d.Now().UTC()}
	if err := d.Orders.RecordIncident(ctx, inc); err != nil {
		d.Logger.Error(ctx, "record incident failed", err)
	}
	if _, err := d.Machine.Apply(ctx, orders.Transition{
		OrderID: orderID,
		From:    []orders.Status{orders.StatusCreated, orders.StatusPaymentPending, orders.StatusPaymentConfirmed, orders.StatusCODConfirmed},
		To:      orders.StatusNeedsReview,
		Reason:  string(kind),
	}); err != nil {
		d.Logger.Error(ctx, "escalate to review failed", err)
	}
	if d.Events == nil {
		return
	}
	payload, err := json.Marshal(orders.PaymentIncidentPayload{OrderID: orderID, Kind: kind, Detail: detail})
	if err != nil {
		return
	}
	d.Events.Emit(ctx, orders.TopicPaymentIncident, orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventPaymentIncident,
		EventVersion:  1,
		OccurredAt:    inc.CreatedAt,
		Producer:      d.Producer,
		CorrelationID: orderID,
		Payload:       payload,
	})
}

// failPending moves an unpaid order to FAILED and releases its holds. The
// release only runs when this caller won the CAS, so a concurrently
// completed order keeps its committed stock untouched.
func (d *Deps) failPending(ctx context.Context, orderID, reason string) (bool, error) {
	applied, err := d.Machine.Apply(ctx, orders.Transition{
		OrderID: orderID,
		From:    []orders.Status{orders.StatusCreated, orders.StatusPaymentPending},
		To:      orders.StatusFailed,
		Reason:  reason,
	})
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeInternal, err, "fail order")
	}
	if !applied {
		return false, nil
	}
	if _, err := d.Ledger.Release(ctx, orderID); err != nil {
		// rows stay reserved until the reaper expires them
		d.Logger.Warn(d.Logger.WithOrderID(ctx, orderID), "release after failure", err)
	}
	return true, nil
}

func (d *Deps) clearCart(ctx context.Context, ownerID string) {
	if d.Cart == nil || d.Tasks == nil || ownerID == "" {
		return
	}
	d.Tasks.Go(ctx, "cart_clear", func(taskCtx context.Context) error {
		return d.Cart.ClearCart(taskCtx, ownerID)
	})
}

func lookupError(err error, orderID string) error {
	if apperrors.As(err) != nil {
		return err
	}
	if isNotFound(err) {
		return apperrors.Newf(apperrors.CodeNotFound, "order %s not found", orderID)
	}
	return apperrors.Wrap(apperrors.CodeInternal, err, "load order")
}
