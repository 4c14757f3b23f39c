package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReserveRequest struct {
	OrderID   string
	OwnerID   string
	Items     []ItemQty
	ExpiresAt time.Time
	Now       time.Time
}

// ReservationRepo is the Postgres reservation ledger. Every method is one
// transaction; variant rows are always locked in variant-id order.
type ReservationRepo struct{ DB *pgxpool.Pool }

// Reserve holds stock for every item or for none. Availability is
// stock_quantity minus live (reserved, unexpired) holds; stock_quantity
// itself is untouched until Commit.
func (r *ReservationRepo) Reserve(ctx context.Context, req ReserveRequest) (int, error) {
	items := MergeItems(req.Items)
	var reserved int
	err := postgres.InTx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx, `SELECT owner_id FROM orders WHERE id=$1 FOR UPDATE`, req.OrderID).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if owner != req.OwnerID {
			return ErrOwnerMismatch
		}

		// idempotent short-circuit: a retried reserve for the same order
		var live, closed int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE status IN ('reserved','committed')),
			       COUNT(*) FILTER (WHERE status IN ('released','expired'))
			FROM reservations WHERE order_id=$1`, req.OrderID).Scan(&live, &closed); err != nil {
			return err
		}
		if live > 0 {
			reserved = live
			return nil
		}
		if closed > 0 {
			return ErrReservationClosed
		}

		for _, it := range items {
			var stock int
			var enabled bool
			err := tx.QueryRow(ctx, `SELECT stock_quantity, enabled FROM variants WHERE id=$1 FOR UPDATE`, it.VariantID).Scan(&stock, &enabled)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrVariantNotFound, it.VariantID)
			}
			if err != nil {
				return err
			}
			held, err := liveHolds(ctx, tx, it.VariantID, "", req.Now)
			if err != nil {
				return err
			}
			available := stock - held
			if !enabled {
				available = 0
			}
			if available < it.Qty {
				return &OutOfStockError{VariantID: it.VariantID, Requested: it.Qty, Available: max(available, 0)}
			}
		}

		for _, it := range items {
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservations(id, order_id, owner_id, variant_id, quantity, status, expires_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 'reserved', $6, $7, $7)`,
				uuid.NewString(), req.OrderID, req.OwnerID, it.VariantID, it.Qty, req.ExpiresAt, req.Now); err != nil {
				return err
			}
		}
		reserved = len(items)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reserved, nil
}

func liveHolds(ctx context.Context, tx pgx.Tx, variantID, excludeOrderID string, now time.Time) (int, error) {
	var held int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM reservations
		WHERE variant_id=$1 AND status='reserved' AND expires_at > $2 AND order_id <> $3`,
		variantID, now, excludeOrderID).Scan(&held)
	return held, err
}

// Commit turns the order's reserved rows into committed ones and deducts
// stock_quantity. Rows past expires_at that the reaper has not claimed are
// committed only if stock still covers them after every other live hold.
func (r *ReservationRepo) Commit(ctx context.Context, orderID string, now time.Time) (CommitResult, error) {
	var res CommitResult
	err := postgres.InTx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		res = CommitResult{}
		rows, err := tx.Query(ctx, `
			SELECT id, variant_id, quantity, status, expires_at FROM reservations
			WHERE order_id=$1 ORDER BY variant_id FOR UPDATE`, orderID)
		if err != nil {
			return err
		}
		var pending []Reservation
		for rows.Next() {
			var rv Reservation
			var status string
			if err := rows.Scan(&rv.ID, &rv.VariantID, &rv.Quantity, &status, &rv.ExpiresAt); err != nil {
				rows.Close()
				return err
			}
			rv.Status = ReservationStatus(status)
			switch rv.Status {
			case ReservationCommitted:
				res.AlreadyCommitted++
			case ReservationReserved:
				pending = append(pending, rv)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		var hasSnapshot bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM order_item_snapshots WHERE order_id=$1)`, orderID).Scan(&hasSnapshot); err != nil {
			return err
		}
		if !hasSnapshot {
			return ErrSnapshotMissing
		}

		for _, rv := range pending {
			var stock int
			if err := tx.QueryRow(ctx, `SELECT stock_quantity FROM variants WHERE id=$1 FOR UPDATE`, rv.VariantID).Scan(&stock); err != nil {
				return err
			}
			available := stock
			if !rv.ExpiresAt.After(now) {
				held, err := liveHolds(ctx, tx, rv.VariantID, orderID, now)
				if err != nil {
					return err
				}
				available = stock - held
			}
			if available < rv.Quantity {
				return &OutOfStockError{VariantID: rv.VariantID, Requested: rv.Quantity, Available: max(available, 0)}
			}
			if _, err := tx.Exec(ctx, `UPDATE variants SET stock_quantity = stock_quantity - $2, updated_at = $3 WHERE id=$1`,
				rv.VariantID, rv.Quantity, now); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE reservations SET status='committed', updated_at=$2 WHERE id=$1`, rv.ID, now); err != nil {
				return err
			}
			res.Committed++
		}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	return res, nil
}

// Release flips every reserved row of the order to released. No stock
// counter changes: reserved rows never touched stock_quantity.
func (r *ReservationRepo) Release(ctx context.Context, orderID string, now time.Time) (int, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE reservations SET status='released', updated_at=$2
		WHERE order_id=$1 AND status='reserved'`, orderID, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// Reap expires up to limit reserved rows whose TTL has passed. Rows locked by
// an in-flight commit are skipped, not waited on.
func (r *ReservationRepo) Reap(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := r.DB.Query(ctx, `
		UPDATE reservations SET status='expired', updated_at=$1
		WHERE id IN (
			SELECT id FROM reservations
			WHERE status='reserved' AND expires_at < $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status='reserved'
		RETURNING id, order_id, owner_id, variant_id, quantity, status, expires_at, created_at, updated_at`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (r *ReservationRepo) ListReservations(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, owner_id, variant_id, quantity, status, expires_at, created_at, updated_at
		FROM reservations WHERE order_id=$1 ORDER BY variant_id`, orderID)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var rv Reservation
		var status string
		if err := rows.Scan(&rv.ID, &rv.OrderID, &rv.OwnerID, &rv.VariantID, &rv.Quantity, &status,
			&rv.ExpiresAt, &rv.CreatedAt, &rv.UpdatedAt); err != nil {
			return nil, err
		}
		rv.Status = ReservationStatus(status)
		out = append(out, rv)
	}
	return out, rows.Err()
}
