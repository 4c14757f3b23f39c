package checkout

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/inventory"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
)

type OrderStore interface {
	CreateOrder(ctx context.Context, in orders.NewOrder) (*orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
}

type Reserver interface {
	Reserve(ctx context.Context, in inventory.ReserveInput) (inventory.ReserveResult, error)
	Release(ctx context.Context, orderID string) (int, error)
}

type Transitioner interface {
	Apply(ctx context.Context, t orders.Transition) (bool, error)
}

type Request struct {
	OwnerID         string           `json:"-"`
	Currency        string           `json:"currency" validate:"required,len=3"`
	ProviderOrderID string           `json:"provider_order_id"`
	Items           []orders.ItemQty `json:"items" validate:"required,min=1,max=100,dive"`
	TTLSeconds      int              `json:"ttl_seconds" validate:"gte=0"`
}

type Result struct {
	OrderID     string        `json:"order_id"`
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
	Status      orders.Status `json:"status"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Service opens and abandons checkouts: it creates the order, holds stock
// before the payment UI is shown, and releases the hold on cancellation.
type Service struct {
	orders  OrderStore
	ledger  Reserver
	machine Transitioner
	log     *logger.Logger
}

func NewService(store OrderStore, ledger Reserver, machine Transitioner, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{orders: store, ledger: ledger, machine: machine, log: log}
}

func (s *Service) Start(ctx context.Context, req Request) (Result, error) {
	if req.OwnerID == "" {
		return Result{}, apperrors.New(apperrors.CodeUnauthorized, "owner required")
	}
	o, err := s.orders.CreateOrder(ctx, orders.NewOrder{
		OwnerID:         req.OwnerID,
		Currency:        req.Currency,
		ProviderOrderID: req.ProviderOrderID,
		Items:           req.Items,
	})
	if err != nil {
		if errors.Is(err, orders.ErrVariantNotFound) {
			return Result{}, apperrors.Wrap(apperrors.CodeValidation, err, "unknown or disabled variant")
		}
		return Result{}, apperrors.Wrap(apperrors.CodeInternal, err, "create order")
	}
	ctx = s.log.WithOrderID(ctx, o.ID)

	held, err := s.ledger.Reserve(ctx, inventory.ReserveInput{
		OrderID: o.ID,
		OwnerID: o.OwnerID,
		Items:   req.Items,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		if _, casErr := s.machine.Apply(ctx, orders.Transition{
			OrderID: o.ID,
			From:    []orders.Status{orders.StatusCreated},
			To:      orders.StatusFailed,
			Reason:  string(apperrors.CodeOf(err)),
		}); casErr != nil {
			s.log.Error(ctx, "fail order after reserve error", casErr)
		}
		return Result{}, err
	}

	if _, err := s.machine.Apply(ctx, orders.Transition{
		OrderID: o.ID,
		From:    []orders.Status{orders.StatusCreated},
		To:      orders.StatusPaymentPending,
		Reason:  "stock_reserved",
	}); err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeInternal, err, "open payment")
	}
	cur, err := s.orders.GetOrder(ctx, o.ID)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeInternal, err, "reload order")
	}
	return Result{
		OrderID:     cur.ID,
		AmountCents: cur.AmountCents,
		Currency:    cur.Currency,
		Status:      cur.Status,
		ExpiresAt:   held.ExpiresAt,
	}, nil
}

type CancelResult struct {
	OrderID  string        `json:"order_id"`
	Status   orders.Status `json:"status"`
	Released int           `json:"released"`
	NoOp     bool          `json:"no_op,omitempty"`
}

// Cancel is allowed from CREATED and PAYMENT_PENDING. The CAS runs first so
// a cancel losing to a payment confirmation never releases committed stock.
func (s *Service) Cancel(ctx context.Context, orderID string) (CancelResult, error) {
	ctx = s.log.WithOrderID(ctx, orderID)
	applied, err := s.machine.Apply(ctx, orders.Transition{
		OrderID: orderID,
		From:    []orders.Status{orders.StatusCreated, orders.StatusPaymentPending},
		To:      orders.StatusCancelled,
		Reason:  "buyer_cancelled",
	})
	if err != nil {
		return CancelResult{}, apperrors.Wrap(apperrors.CodeInternal, err, "cancel order")
	}
	if !applied {
		cur, err := s.orders.GetOrder(ctx, orderID)
		if errors.Is(err, orders.ErrNotFound) {
			return CancelResult{}, apperrors.Newf(apperrors.CodeNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return CancelResult{}, apperrors.Wrap(apperrors.CodeInternal, err, "load order")
		}
		switch cur.Status {
		case orders.StatusCompleted, orders.StatusCancelled:
			return CancelResult{OrderID: orderID, Status: cur.Status, NoOp: true}, nil
		}
		return CancelResult{}, apperrors.Newf(apperrors.CodeStateConflict, "order is %s", cur.Status).
			WithDetails(map[string]string{"status": string(cur.Status)})
	}

	released, err := s.ledger.Release(ctx, orderID)
	if err != nil {
		// the reaper reclaims whatever is left once the TTL lapses
		s.log.Warn(ctx, "release after cancel", err)
	}
	return CancelResult{OrderID: orderID, Status: orders.StatusCancelled, Released: released}, nil
}
