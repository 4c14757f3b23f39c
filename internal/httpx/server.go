package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/auth"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/checkout"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/payment"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Checkout interface {
	Start(ctx context.Context, req checkout.Request) (checkout.Result, error)
	Cancel(ctx context.Context, orderID string) (checkout.CancelResult, error)
}

type Verifier interface {
	Verify(ctx context.Context, req payment.VerifyRequest) (payment.VerifyResult, error)
}

type Webhooks interface {
	Handle(ctx context.Context, d payment.WebhookDelivery) (payment.WebhookResult, error)
}

type CODConfirmer interface {
	Confirm(ctx context.Context, o *orders.Order) error
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	ListReservations(ctx context.Context, orderID string) ([]orders.Reservation, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.CachedStatus, bool, error)
	Generation(ctx context.Context, orderID string) (string, error)
	Fill(ctx context.Context, orderID, gen string, cs redisx.CachedStatus) error
}

// Deps is everything the router serves. Cache and Metrics are optional.
type Deps struct {
	Checkout Checkout
	Verifier Verifier
	Webhooks Webhooks
	COD      CODConfirmer
	Orders   OrderReader
	Cache    StatusCache
	Policy   *auth.Policy
	Token    auth.TokenConfig
	Logger   *logger.Logger
	Metrics  prometheus.Gatherer
	Timeout  time.Duration
}

func NewRouter(d Deps) *chi.Mux {
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 15 * time.Second
	}
	h := &handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(RequestID(d.Logger), middleware.RealIP, Logging(d.Logger), Recoverer(d.Logger))
	r.Use(middleware.Timeout(d.Timeout))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
	}

	// the provider authenticates by body signature only
	r.Post("/webhook", h.webhook)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(d.Token, d.Logger))
		r.Post("/checkout", h.checkout)
		r.Post("/verify", h.verify)
		r.Post("/cancel", h.cancel)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getStatus)
		r.Post("/orders/{id}/cod", h.confirmCOD)
	})
	return r
}
