package inventory

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/ariefcatur/go-fulfillment-engine.git/internal/errors"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/validators"
)

// Ledger is the transactional reservation store. Each call is one atomic
// unit; *orders.ReservationRepo and *orders.MemoryStore implement it.
type Ledger interface {
	Reserve(ctx context.Context, req orders.ReserveRequest) (int, error)
	Commit(ctx context.Context, orderID string, now time.Time) (orders.CommitResult, error)
	Release(ctx context.Context, orderID string, now time.Time) (int, error)
	Reap(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error)
}

type ReserveInput struct {
	OrderID string           `json:"order_id" validate:"required"`
	OwnerID string           `json:"owner_id" validate:"required"`
	Items   []orders.ItemQty `json:"items" validate:"required,min=1,dive"`
	// TTL <= 0 means the configured default.
	TTL time.Duration `json:"-"`
}

type ReserveResult struct {
	Reserved  int       `json:"reserved"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Coordinator is the only writer of reservation rows and of reservation
// driven stock changes.
type Coordinator struct {
	ledger     Ledger
	log        *logger.Logger
	metrics    *metrics.Ledger
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Logger     *logger.Logger
	Metrics    *metrics.Ledger
	Now        func() time.Time
}

func NewCoordinator(ledger Ledger, opts Options) *Coordinator {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.MaxTTL < opts.DefaultTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		ledger:     ledger,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
		now:        opts.Now,
	}
}

func (c *Coordinator) ttl(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return c.defaultTTL
	case requested > c.maxTTL:
		return c.maxTTL
	}
	return requested
}

// Reserve holds stock for every item or none. A retry for an order that
// already holds live rows returns the existing count.
func (c *Coordinator) Reserve(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	if err := validators.Struct(in); err != nil {
		return ReserveResult{}, err
	}
	now := c.now()
	expiresAt := now.Add(c.ttl(in.TTL))
	n, err := c.ledger.Reserve(ctx, orders.ReserveRequest{
		OrderID:   in.OrderID,
		OwnerID:   in.OwnerID,
		Items:     in.Items,
		ExpiresAt: expiresAt,
		Now:       now,
	})
	ctx = c.log.WithOrderID(ctx, in.OrderID)
	if err != nil {
		mapped := mapLedgerError(err)
		c.metrics.Observe("reserve", resultLabel(mapped), 0)
		c.log.Info(c.log.WithField(ctx, "code", apperrors.CodeOf(mapped)), "reserve rejected")
		return ReserveResult{}, mapped
	}
	c.metrics.Observe("reserve", "ok", n)
	c.log.Info(c.log.WithFields(ctx, map[string]any{"reserved": n, "expires_at": expiresAt}), "stock reserved")
	return ReserveResult{Reserved: n, ExpiresAt: expiresAt}, nil
}

// Commit deducts stock for the order's reserved rows. The order's item
// snapshot must already exist.
func (c *Coordinator) Commit(ctx context.Context, orderID string) (orders.CommitResult, error) {
	if orderID == "" {
		return orders.CommitResult{}, apperrors.New(apperrors.CodeValidation, "order_id is required")
	}
	res, err := c.ledger.Commit(ctx, orderID, c.now())
	ctx = c.log.WithOrderID(ctx, orderID)
	if err != nil {
		mapped := mapLedgerError(err)
		c.metrics.Observe("commit", resultLabel(mapped), 0)
		c.log.Error(ctx, "commit failed", err)
		return orders.CommitResult{}, mapped
	}
	c.metrics.Observe("commit", "ok", res.Committed)
	c.log.Info(c.log.WithFields(ctx, map[string]any{"committed": res.Committed, "already_committed": res.AlreadyCommitted}), "reservations committed")
	return res, nil
}

// Release flips the order's reserved rows to released. Safe to repeat.
func (c *Coordinator) Release(ctx context.Context, orderID string) (int, error) {
	if orderID == "" {
		return 0, apperrors.New(apperrors.CodeValidation, "order_id is required")
	}
	n, err := c.ledger.Release(ctx, orderID, c.now())
	ctx = c.log.WithOrderID(ctx, orderID)
	if err != nil {
		c.metrics.Observe("release", "error", 0)
		c.log.Error(ctx, "release failed", err)
		return 0, mapLedgerError(err)
	}
	c.metrics.Observe("release", "ok", n)
	c.log.Info(c.log.WithField(ctx, "released", n), "reservations released")
	return n, nil
}

// Reap expires at most limit overdue reservations in one transaction.
func (c *Coordinator) Reap(ctx context.Context, limit int) ([]orders.Reservation, error) {
	expired, err := c.ledger.Reap(ctx, c.now(), limit)
	if err != nil {
		c.metrics.Observe("reap", "error", 0)
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "reap reservations")
	}
	c.metrics.Observe("reap", "ok", len(expired))
	c.metrics.AddExpired(len(expired))
	return expired, nil
}

func mapLedgerError(err error) error {
	var oos *orders.OutOfStockError
	switch {
	case apperrors.As(err) != nil:
		return err
	case errors.As(err, &oos):
		return apperrors.Wrap(apperrors.CodeOutOfStock, err, "item unavailable").WithDetails(oos)
	case errors.Is(err, orders.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, err, "order not found")
	case errors.Is(err, orders.ErrVariantNotFound):
		return apperrors.Wrap(apperrors.CodeValidation, err, "unknown variant")
	case errors.Is(err, orders.ErrOwnerMismatch):
		return apperrors.Wrap(apperrors.CodeForbidden, err, "order belongs to another owner")
	case errors.Is(err, orders.ErrReservationClosed):
		return apperrors.Wrap(apperrors.CodeStateConflict, err, "order reservations already closed")
	case errors.Is(err, orders.ErrSnapshotMissing):
		return apperrors.Wrap(apperrors.CodeStateConflict, err, "order item snapshot missing")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeDependency, err, "ledger call cancelled")
	}
	return apperrors.Wrap(apperrors.CodeInternal, err, "reservation ledger failure")
}

func resultLabel(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeOutOfStock:
		return "out_of_stock"
	case apperrors.CodeValidation:
		return "invalid"
	case apperrors.CodeStateConflict, apperrors.CodeForbidden, apperrors.CodeNotFound:
		return "rejected"
	}
	return "error"
}
