package payment

import (
	"context"

	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
)

// CODConfirmer accepts cash-on-delivery for a pending order. It follows the
// same snapshot then commit order as a captured payment.
type CODConfirmer struct {
	Deps
}

func NewCODConfirmer(deps Deps) *CODConfirmer {
	deps.defaults()
	return &CODConfirmer{Deps: deps}
}

func (c *CODConfirmer) Confirm(ctx context.Context, o *orders.Order) error {
	ctx = c.Logger.WithOrderID(ctx, o.ID)
	switch o.Status {
	case orders.StatusCODConfirmed:
		return nil
	case orders.StatusPaymentPending:
	default:
		return stateConflict(o.Status)
	}

	if _, err := c.finalize(ctx, o); err != nil {
		c.Metrics.Observe("cod", "fatal")
		return err
	}
	applied, err := c.Machine.Apply(ctx, orders.Transition{
		OrderID: o.ID,
		From:    []orders.Status{orders.StatusPaymentPending},
		To:      orders.StatusCODConfirmed,
		Reason:  "cod_accepted",
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "confirm cod")
	}
	if !applied {
		cur, err := c.Orders.GetOrder(ctx, o.ID)
		if err != nil {
			return lookupError(err, o.ID)
		}
		if cur.Status != orders.StatusCODConfirmed {
			return stateConflict(cur.Status)
		}
	}
	c.Metrics.Observe("cod", "confirmed")
	c.clearCart(ctx, o.OwnerID)
	return nil
}
