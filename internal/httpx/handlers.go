package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/auth"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/checkout"
	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/payment"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/redisx"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/validators"
	"github.com/go-chi/chi/v5"
)

const (
	HeaderWebhookSignature = "X-Provider-Signature"
	HeaderWebhookEventID   = "X-Provider-Event-Id"

	maxWebhookBytes = 1 << 20
)

type handlers struct {
	Deps
}

type cancelRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

type orderView struct {
	*orders.Order
	Reservations []orders.Reservation `json:"reservations"`
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := auth.PrincipalFrom(ctx)
	var req checkout.Request
	if err := validators.DecodeJSONBody(w, r, &req); err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	req.OwnerID = p.UserID
	res, err := h.Checkout.Start(ctx, req)
	if err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req payment.VerifyRequest
	if err := validators.DecodeJSONBody(w, r, &req); err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	if _, err := h.authorizedOrder(ctx, req.OrderID); err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	res, err := h.Verifier.Verify(ctx, req)
	if err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// webhook answers 200 for every delivery it accepted, including ignored and
// duplicate ones, so the provider stops redelivering.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(ctx, h.Logger, w, apperrors.Wrap(apperrors.CodeValidation, err, "unreadable webhook body"))
		return
	}
	res, err := h.Webhooks.Handle(ctx, payment.WebhookDelivery{
		Body:      body,
		Signature: r.Header.Get(HeaderWebhookSignature),
		EventID:   r.Header.Get(HeaderWebhookEventID),
	})
	if err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req cancelRequest
	if err := validators.DecodeJSONBody(w, r, &req); err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	if _, err := h.authorizedOrder(ctx, req.OrderID); err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	res, err := h.Checkout.Cancel(ctx, req.OrderID)
	if err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) confirmCOD(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.authorizedOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	if err := h.COD.Confirm(ctx, o); err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": o.ID, "status": orders.StatusCODConfirmed})
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.authorizedOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	rows, err := h.Orders.ListReservations(ctx, o.ID)
	if err != nil {
		writeError(ctx, h.Logger, w, apperrors.Wrap(apperrors.CodeInternal, err, "list reservations"))
		return
	}
	if rows == nil {
		rows = []orders.Reservation{}
	}
	writeJSON(w, http.StatusOK, orderView{Order: o, Reservations: rows})
}

// getStatus serves from the status cache when it can and fills it on a miss.
// The fill carries the generation read before the row, so it is ignored if a
// transition invalidated the order in between.
func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "id")
	p, _ := auth.PrincipalFrom(ctx)

	fill := false
	var gen string
	if h.Cache != nil {
		cs, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.Logger.Warn(ctx, "status cache read failed", err)
		}
		if ok {
			if !h.Policy.CanActOn(p, cs.OwnerID) {
				writeError(ctx, h.Logger, w, apperrors.Newf(apperrors.CodeNotFound, "order %s not found", orderID))
				return
			}
			writeJSON(w, http.StatusOK, statusView(orderID, cs))
			return
		}
		if gen, err = h.Cache.Generation(ctx, orderID); err != nil {
			h.Logger.Warn(ctx, "status cache generation read failed", err)
		} else {
			fill = true
		}
	}

	o, err := h.authorizedOrder(ctx, orderID)
	if err != nil {
		writeError(ctx, h.Logger, w, err)
		return
	}
	cs := redisx.CachedStatus{Status: o.Status, OwnerID: o.OwnerID, UpdatedAt: o.UpdatedAt}
	if fill {
		if err := h.Cache.Fill(ctx, o.ID, gen, cs); err != nil {
			h.Logger.Warn(ctx, "status cache write failed", err)
		}
	}
	writeJSON(w, http.StatusOK, statusView(o.ID, cs))
}

func statusView(orderID string, cs redisx.CachedStatus) map[string]any {
	return map[string]any{"order_id": orderID, "status": cs.Status, "updated_at": cs.UpdatedAt.UTC().Format(time.RFC3339)}
}

// authorizedOrder loads orderID and checks the caller may act on it. A
// foreign order is reported as missing.
func (h *handlers) authorizedOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	if orderID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "order id is required")
	}
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "missing credentials")
	}
	o, err := h.Orders.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "load order")
	}
	if !h.Policy.CanActOn(p, o.OwnerID) {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "order %s not found", orderID)
	}
	return o, nil
}
