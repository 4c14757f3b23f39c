package reaper

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/google/uuid"
)

const jobName = "reservation_reaper"

// maxBatchesPerTick bounds one sweep; anything left waits for the next tick.
const maxBatchesPerTick = 100

type Ledger interface {
	Reap(ctx context.Context, limit int) ([]orders.Reservation, error)
}

// Lock makes sure a single worker sweeps per tick.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	Producer  string
}

// Reaper expires reservations whose TTL lapsed without a terminal outcome.
// It never changes order status.
type Reaper struct {
	ledger  Ledger
	lock    Lock
	events  orders.EventSink
	log     *logger.Logger
	metrics *metrics.JobMetrics
	cfg     Config
	now     func() time.Time
}

func New(ledger Ledger, lock Lock, events orders.EventSink, log *logger.Logger, m *metrics.JobMetrics, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reaper{ledger: ledger, lock: lock, events: events, log: log, metrics: m, cfg: cfg, now: time.Now}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
// Sweep failures are logged and retried on the next tick.
func (r *Reaper) Run(ctx context.Context) error {
	ctx = r.log.WithField(ctx, "job", jobName)
	r.log.Info(r.log.WithFields(ctx, map[string]any{"interval": r.cfg.Interval.String(), "batch_size": r.cfg.BatchSize}), "reaper started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error(ctx, "reaper sweep failed", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info(ctx, "reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep drains overdue reservations in batches and returns how many expired.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx)
		if err != nil {
			r.metrics.IncFailure(jobName)
			return 0, err
		}
		if !ok {
			r.metrics.IncSkipped(jobName)
			r.log.Debug(ctx, "reaper lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn(ctx, "reaper lock release failed", err)
			}
		}()
	}

	start := time.Now()
	total := 0
	var sweepErr error
	for i := 0; i < maxBatchesPerTick; i++ {
		expired, err := r.ledger.Reap(ctx, r.cfg.BatchSize)
		if err != nil {
			sweepErr = err
			break
		}
		total += len(expired)
		r.publish(ctx, expired)
		if len(expired) < r.cfg.BatchSize {
			break
		}
	}
	r.metrics.ObserveDuration(jobName, time.Since(start))
	if sweepErr != nil {
		r.metrics.IncFailure(jobName)
		return total, sweepErr
	}
	r.metrics.IncSuccess(jobName)
	if total > 0 {
		r.log.Info(r.log.WithField(ctx, "expired", total), "reservations expired")
	}
	return total, nil
}

func (r *Reaper) publish(ctx context.Context, expired []orders.Reservation) {
	if r.events == nil || len(expired) == 0 {
		return
	}
	byOrder := map[string][]orders.ItemQty{}
	for _, rv := range expired {
		byOrder[rv.OrderID] = append(byOrder[rv.OrderID], orders.ItemQty{VariantID: rv.VariantID, Qty: rv.Quantity})
	}
	ids := make([]string, 0, len(byOrder))
	for id := range byOrder {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		payload, err := json.Marshal(orders.ReservationExpiredPayload{OrderID: id, Items: byOrder[id]})
		if err != nil {
			continue
		}
		r.events.Emit(ctx, orders.TopicReservationExpired, orders.Envelope{
			EventID:       uuid.NewString(),
			EventType:     orders.EventReservationExpired,
			EventVersion:  1,
			OccurredAt:    r.now().UTC(),
			Producer:      r.cfg.Producer,
			CorrelationID: id,
			Payload:       payload,
		})
	}
}
