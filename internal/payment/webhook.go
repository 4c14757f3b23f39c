package payment

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
)

const (
	EventPaymentCaptured = "payment.captured"
	EventOrderPaid       = "order.paid"
	EventPaymentFailed   = "payment.failed"
)

// WebhookEvent is the provider's delivery body. Only the fields the engine
// reads are declared.
type WebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment,omitempty"`
		Order *struct {
			Entity ProviderOrderEntity `json:"entity"`
		} `json:"order,omitempty"`
	} `json:"payload"`
}

type PaymentEntity struct {
	ID      string            `json:"id"`
	OrderID string            `json:"order_id"`
	Amount  int64             `json:"amount"`
	Status  string            `json:"status"`
	Notes   map[string]string `json:"notes"`
}

type ProviderOrderEntity struct {
	ID     string            `json:"id"`
	Amount int64             `json:"amount"`
	Notes  map[string]string `json:"notes"`
}

// Shipping is the courier-relevant address subset carried in payment notes.
type Shipping struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type WebhookDelivery struct {
	Body      []byte
	Signature string
	// EventID is the provider's delivery id; empty falls back to a body digest.
	EventID string
}

// WebhookResult statuses. Every accepted delivery is answered 200 with one
// of these.
const (
	WebhookConfirmed  = "confirmed"
	WebhookFailed     = "failed"
	WebhookIgnored    = "ignored"
	WebhookReview     = "review"
	WebhookRetryLater = "retry_later"
)

type WebhookResult struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// DedupGuard remembers processed deliveries.
type DedupGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// WebhookHandler is the asynchronous confirmation path driven by the
// provider. It races with Verifier and relies only on CAS transitions and
// idempotent ledger calls.
type WebhookHandler struct {
	Deps
	secret string
	guard  DedupGuard
}

func NewWebhookHandler(deps Deps, webhookSecret string, guard DedupGuard) *WebhookHandler {
	deps.defaults()
	return &WebhookHandler{Deps: deps, secret: webhookSecret, guard: guard}
}

func (h *WebhookHandler) Handle(ctx context.Context, d WebhookDelivery) (WebhookResult, error) {
	if !VerifyWebhook(h.secret, d.Body, d.Signature) {
		h.Metrics.Observe("webhook", "signature_invalid")
		return WebhookResult{}, apperrors.New(apperrors.CodeUnauthorized, "webhook signature invalid")
	}

	var ev WebhookEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		// signed by the provider, so a redelivery would carry the same bytes
		h.Logger.Warn(ctx, "undecodable webhook body acknowledged", err)
		h.Metrics.Observe("webhook", "undecodable")
		return WebhookResult{Status: WebhookIgnored}, nil
	}
	eventID := d.EventID
	if eventID == "" {
		eventID = BodyDigest(d.Body)
	}
	ctx = h.Logger.WithFields(ctx, map[string]any{"webhook_event": ev.Event, "webhook_id": eventID})

	if h.guard != nil {
		seen, err := h.guard.CheckAndMark(ctx, eventID)
		if err != nil {
			// the ledger and CAS are idempotent on their own
			h.Logger.Warn(ctx, "webhook dedup unavailable", err)
		} else if seen {
			h.Metrics.Observe("webhook", "duplicate")
			return WebhookResult{Status: WebhookIgnored, Duplicate: true}, nil
		}
	}

	res, err := h.route(ctx, ev)
	if (err != nil || res.Status == WebhookRetryLater) && h.guard != nil {
		if delErr := h.guard.Delete(ctx, eventID); delErr != nil {
			h.Logger.Warn(ctx, "webhook dedup unmark failed", delErr)
		}
	}
	return res, err
}

func (h *WebhookHandler) route(ctx context.Context, ev WebhookEvent) (WebhookResult, error) {
	switch ev.Event {
	case EventPaymentCaptured, EventOrderPaid, EventPaymentFailed:
	default:
		h.Metrics.Observe("webhook", "ignored")
		return WebhookResult{Status: WebhookIgnored}, nil
	}

	o, err := h.correlate(ctx, ev)
	if err != nil {
		h.Metrics.Observe("webhook", "uncorrelated")
		return WebhookResult{}, err
	}
	ctx = h.Logger.WithOrderID(ctx, o.ID)

	if ev.Event == EventPaymentFailed {
		return h.onFailed(ctx, o)
	}
	return h.onCaptured(ctx, o, ev)
}

// correlate prefers the internal order id carried in notes, then falls back
// to the provider order id stored at checkout.
func (h *WebhookHandler) correlate(ctx context.Context, ev WebhookEvent) (*orders.Order, error) {
	var providerOrderID string
	if p := ev.Payload.Payment; p != nil {
		if id := p.Entity.Notes["order_id"]; id != "" {
			return h.get(ctx, id)
		}
		providerOrderID = p.Entity.OrderID
	}
	if po := ev.Payload.Order; po != nil {
		if id := po.Entity.Notes["order_id"]; id != "" {
			return h.get(ctx, id)
		}
		if providerOrderID == "" {
			providerOrderID = po.Entity.ID
		}
	}
	if providerOrderID == "" {
		return nil, apperrors.New(apperrors.CodeNotFound, "webhook carries no order reference")
	}
	o, err := h.Orders.FindByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return nil, lookupError(err, providerOrderID)
	}
	return o, nil
}

func (h *WebhookHandler) get(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, lookupError(err, orderID)
	}
	return o, nil
}

func (h *WebhookHandler) onFailed(ctx context.Context, o *orders.Order) (WebhookResult, error) {
	applied, err := h.failPending(ctx, o.ID, EventPaymentFailed)
	if err != nil {
		return WebhookResult{}, err
	}
	if !applied {
		h.Logger.Info(h.Logger.WithField(ctx, "status", o.Status), "payment failure ignored for settled order")
		h.Metrics.Observe("webhook", "cas_miss")
		return WebhookResult{Status: WebhookIgnored}, nil
	}
	h.Metrics.Observe("webhook", "failed")
	return WebhookResult{Status: WebhookFailed}, nil
}

func (h *WebhookHandler) onCaptured(ctx context.Context, o *orders.Order, ev WebhookEvent) (WebhookResult, error) {
	switch o.Status {
	case orders.StatusPaymentPending:
	case orders.StatusCreated:
		// checkout has not finished reserving; the delivery is unmarked so a
		// redelivery is processed, and /verify still completes the order
		h.Logger.Info(ctx, "capture for order still reserving")
		h.Metrics.Observe("webhook", "retry_later")
		return WebhookResult{Status: WebhookRetryLater}, nil
	case orders.StatusFailed, orders.StatusCancelled:
		h.incident(ctx, o.ID, orders.IncidentCaptureTerminal, fmt.Sprintf("%s for %s order", ev.Event, o.Status))
		h.Metrics.Observe("webhook", "terminal")
		return WebhookResult{Status: WebhookIgnored}, nil
	default:
		h.Metrics.Observe("webhook", "already_confirmed")
		return WebhookResult{Status: WebhookIgnored}, nil
	}

	paymentID, amount, shipping := captureDetails(ev)
	if amount > 0 && amount != o.AmountCents {
		h.incident(ctx, o.ID, orders.IncidentAmountMismatch, fmt.Sprintf("captured %d, order amount %d", amount, o.AmountCents))
		h.Metrics.Observe("webhook", "amount_mismatch")
		return WebhookResult{Status: WebhookReview}, nil
	}

	if _, err := h.finalize(ctx, o); err != nil {
		// recorded as an incident; a redelivery would not fix it
		h.Metrics.Observe("webhook", "fatal")
		return WebhookResult{Status: WebhookReview}, nil
	}

	applied, err := h.Machine.Apply(ctx, orders.Transition{
		OrderID: o.ID,
		From:    []orders.Status{orders.StatusPaymentPending},
		To:      orders.StatusPaymentConfirmed,
		Patch:   orders.PaymentPatch{ProviderPaymentID: paymentID, Shipping: shipping},
		Reason:  ev.Event,
	})
	if err != nil {
		return WebhookResult{}, apperrors.Wrap(apperrors.CodeInternal, err, "confirm payment")
	}
	if !applied {
		h.Metrics.Observe("webhook", "cas_miss")
		return WebhookResult{Status: WebhookIgnored}, nil
	}
	h.Metrics.Observe("webhook", "confirmed")
	h.clearCart(ctx, o.OwnerID)
	return WebhookResult{Status: WebhookConfirmed}, nil
}

func captureDetails(ev WebhookEvent) (paymentID string, amount int64, shipping json.RawMessage) {
	var notes map[string]string
	if p := ev.Payload.Payment; p != nil {
		paymentID = p.Entity.ID
		amount = p.Entity.Amount
		notes = p.Entity.Notes
	}
	if po := ev.Payload.Order; po != nil {
		if amount == 0 {
			amount = po.Entity.Amount
		}
		if len(notes) == 0 {
			notes = po.Entity.Notes
		}
	}
	s := Shipping{
		Name:       notes["shipping_name"],
		Phone:      notes["shipping_phone"],
		Line1:      notes["shipping_line1"],
		Line2:      notes["shipping_line2"],
		City:       notes["shipping_city"],
		State:      notes["shipping_state"],
		PostalCode: notes["shipping_postal_code"],
		Country:    notes["shipping_country"],
	}
	if s != (Shipping{}) {
		shipping, _ = json.Marshal(s)
	}
	return paymentID, amount, shipping
}
