package payment

import (
	"context"
	"errors"

	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
)

type VerifyRequest struct {
	ProviderOrderID   string `json:"provider_order_id" validate:"required"`
	ProviderPaymentID string `json:"provider_payment_id" validate:"required"`
	Signature         string `json:"signature" validate:"required"`
	OrderID           string `json:"order_id" validate:"required"`
}

type VerifyResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
}

// Verifier is the synchronous confirmation path driven by the buyer's client.
type Verifier struct {
	Deps
	secret string
}

func NewVerifier(deps Deps, keySecret string) *Verifier {
	deps.defaults()
	return &Verifier{Deps: deps, secret: keySecret}
}

func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	ctx = v.Logger.WithOrderID(ctx, req.OrderID)
	ok := VerifyResult{Success: true, OrderID: req.OrderID}

	o, err := v.Orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return VerifyResult{}, lookupError(err, req.OrderID)
	}
	if o.Status == orders.StatusCompleted {
		v.Metrics.Observe("verify", "already_completed")
		return ok, nil
	}

	// the signature binds the provider order id, which must be the one
	// issued for this order
	if o.PaymentProviderOrderID != req.ProviderOrderID ||
		!VerifyPayment(v.secret, req.ProviderOrderID, req.ProviderPaymentID, req.Signature) {
		v.Metrics.Observe("verify", "signature_invalid")
		v.Logger.Warn(ctx, "payment signature rejected", nil)
		if _, err := v.failPending(ctx, o.ID, "signature_invalid"); err != nil {
			v.Logger.Error(ctx, "fail order after bad signature", err)
		}
		return VerifyResult{}, apperrors.New(apperrors.CodeSignatureInvalid, "payment signature invalid")
	}

	switch o.Status {
	case orders.StatusPaymentPending, orders.StatusPaymentConfirmed:
	case orders.StatusFailed, orders.StatusCancelled:
		v.incident(ctx, o.ID, orders.IncidentCaptureTerminal, "verified payment for "+string(o.Status)+" order")
		v.Metrics.Observe("verify", "state_conflict")
		return VerifyResult{}, stateConflict(o.Status)
	default:
		v.Metrics.Observe("verify", "state_conflict")
		return VerifyResult{}, stateConflict(o.Status)
	}

	if _, err := v.finalize(ctx, o); err != nil {
		v.Metrics.Observe("verify", "fatal")
		return VerifyResult{}, err
	}

	applied, err := v.Machine.Apply(ctx, orders.Transition{
		OrderID: o.ID,
		From:    []orders.Status{orders.StatusPaymentPending, orders.StatusPaymentConfirmed},
		To:      orders.StatusCompleted,
		Patch:   orders.PaymentPatch{ProviderPaymentID: req.ProviderPaymentID, Signature: req.Signature},
		Reason:  "payment_verified",
	})
	if err != nil {
		return VerifyResult{}, apperrors.Wrap(apperrors.CodeInternal, err, "complete order")
	}
	if !applied {
		if err := v.afterLostRace(ctx, o.ID); err != nil {
			return VerifyResult{}, err
		}
		v.Metrics.Observe("verify", "cas_miss")
		return ok, nil
	}

	v.Metrics.Observe("verify", "completed")
	v.clearCart(ctx, o.OwnerID)
	return ok, nil
}

// afterLostRace decides what a CAS miss on completion means. Another path
// completing the order is success; anything else after stock was committed
// needs a human.
func (v *Verifier) afterLostRace(ctx context.Context, orderID string) error {
	cur, err := v.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return lookupError(err, orderID)
	}
	if cur.Status == orders.StatusCompleted {
		return nil
	}
	if cur.Status != orders.StatusNeedsReview {
		v.incident(ctx, orderID, orders.IncidentCaptureTerminal, "order moved to "+string(cur.Status)+" during verification")
	}
	return stateConflict(cur.Status)
}

func stateConflict(s orders.Status) error {
	return apperrors.Newf(apperrors.CodeStateConflict, "order is %s", s).
		WithDetails(map[string]string{"status": string(s)})
}

func isNotFound(err error) bool {
	return errors.Is(err, orders.ErrNotFound)
}
