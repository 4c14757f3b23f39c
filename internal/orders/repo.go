package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type NewOrder struct {
	OwnerID         string
	Currency        string
	ProviderOrderID string
	Items           []ItemQty
}

// Repo is the Postgres order store: orders, snapshots, incidents.
type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, owner_id, amount_cents, currency, status,
	COALESCE(payment_provider_order_id, ''), COALESCE(payment_provider_payment_id, ''),
	COALESCE(payment_signature, ''), shipping, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.OwnerID, &o.AmountCents, &o.Currency, &status,
		&o.PaymentProviderOrderID, &o.PaymentProviderPaymentID, &o.PaymentSignature,
		&o.Shipping, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return &o, nil
}

// CreateOrder prices the items from the catalog (never from the client),
// inserts the order in CREATED and records the priced lines.
func (r *Repo) CreateOrder(ctx context.Context, in NewOrder) (*Order, error) {
	items := MergeItems(in.Items)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.VariantID)
	}

	var out *Order
	err := postgres.InTx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, product_name, unit_price_cents, enabled FROM variants WHERE id = ANY($1)`, ids)
		if err != nil {
			return err
		}
		type priced struct {
			name    string
			price   int64
			enabled bool
		}
		prices := map[string]priced{}
		for rows.Next() {
			var id string
			var p priced
			if err := rows.Scan(&id, &p.name, &p.price, &p.enabled); err != nil {
				rows.Close()
				return err
			}
			prices[id] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var total int64
		for _, it := range items {
			p, ok := prices[it.VariantID]
			if !ok || !p.enabled {
				return fmt.Errorf("%w: %s", ErrVariantNotFound, it.VariantID)
			}
			total += p.price * int64(it.Qty)
		}

		var providerOrderID *string
		if in.ProviderOrderID != "" {
			providerOrderID = &in.ProviderOrderID
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO orders(id, owner_id, amount_cents, currency, status, payment_provider_order_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+orderColumns,
			uuid.NewString(), in.OwnerID, total, in.Currency, string(StatusCreated), providerOrderID)
		out, err = scanOrder(row)
		if err != nil {
			return err
		}
		for _, it := range items {
			p := prices[it.VariantID]
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_lines(order_id, variant_id, product_name, unit_price_cents, quantity)
				VALUES ($1, $2, $3, $4, $5)`,
				out.ID, it.VariantID, p.name, p.price, it.Qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
}

func (r *Repo) FindByProviderOrderID(ctx context.Context, providerOrderID string) (*Order, error) {
	return scanOrder(r.DB.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_provider_order_id=$1`, providerOrderID))
}

// CompareAndSetStatus moves the order to `to` only while its status is one of
// `from`, returning the status it replaced. ok=false with a nil error means
// the row no longer matched: another writer got there first.
func (r *Repo) CompareAndSetStatus(ctx context.Context, orderID string, from []Status, to Status, patch PaymentPatch) (Status, bool, error) {
	expected := make([]string, 0, len(from))
	for _, s := range from {
		expected = append(expected, string(s))
	}
	var shipping any
	if len(patch.Shipping) > 0 {
		shipping = []byte(patch.Shipping)
	}
	var prev string
	err := r.DB.QueryRow(ctx, `
		UPDATE orders o
		SET status = $3,
		    payment_provider_payment_id = COALESCE(NULLIF($4, ''), o.payment_provider_payment_id),
		    payment_signature = COALESCE(NULLIF($5, ''), o.payment_signature),
		    shipping = COALESCE($6::jsonb, o.shipping),
		    updated_at = now()
		FROM (SELECT id, status FROM orders WHERE id = $1 FOR UPDATE) prev
		WHERE o.id = prev.id AND prev.status = ANY($2)
		RETURNING prev.status`,
		orderID, expected, string(to), patch.ProviderPaymentID, patch.Signature, shipping).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return Status(prev), true, nil
}

// CreateSnapshot freezes name/price/quantity for every live reservation of
// the order. Prices come from the order lines written by CreateOrder; orders
// without lines fall back to the catalog. An existing snapshot is returned
// untouched.
func (r *Repo) CreateSnapshot(ctx context.Context, orderID string, now time.Time) ([]OrderItemSnapshot, error) {
	var out []OrderItemSnapshot
	err := postgres.InTx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM orders WHERE id=$1 FOR UPDATE`, orderID); err != nil {
			return err
		}
		existing, err := listSnapshot(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing
			return nil
		}
		ct, err := tx.Exec(ctx, `
			INSERT INTO order_item_snapshots(order_id, variant_id, product_name, unit_price_cents, quantity, subtotal_cents, created_at)
			SELECT r.order_id, r.variant_id,
			       COALESCE(l.product_name, v.product_name),
			       COALESCE(l.unit_price_cents, v.unit_price_cents),
			       r.quantity,
			       COALESCE(l.unit_price_cents, v.unit_price_cents) * r.quantity, $2
			FROM reservations r
			JOIN variants v ON v.id = r.variant_id
			LEFT JOIN order_lines l ON l.order_id = r.order_id AND l.variant_id = r.variant_id
			WHERE r.order_id = $1 AND r.status IN ('reserved', 'committed')
			ON CONFLICT (order_id, variant_id) DO NOTHING`, orderID, now)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: no live reservations for order %s", ErrSnapshotMissing, orderID)
		}
		out, err = listSnapshot(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ListSnapshot(ctx context.Context, orderID string) ([]OrderItemSnapshot, error) {
	return listSnapshot(ctx, r.DB, orderID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listSnapshot(ctx context.Context, q querier, orderID string) ([]OrderItemSnapshot, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, variant_id, product_name, unit_price_cents, quantity, subtotal_cents, created_at
		FROM order_item_snapshots WHERE order_id=$1 ORDER BY variant_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItemSnapshot
	for rows.Next() {
		var s OrderItemSnapshot
		if err := rows.Scan(&s.OrderID, &s.VariantID, &s.ProductName, &s.UnitPriceCents, &s.Quantity, &s.SubtotalCents, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) RecordIncident(ctx context.Context, inc Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO payment_incidents(id, order_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`, inc.ID, inc.OrderID, string(inc.Kind), inc.Detail, inc.CreatedAt)
	return err
}

// MergeItems folds duplicate variants together and sorts by variant id, the
// lock order every ledger transaction follows.
func MergeItems(items []ItemQty) []ItemQty {
	byVariant := make(map[string]int, len(items))
	for _, it := range items {
		byVariant[it.VariantID] += it.Qty
	}
	out := make([]ItemQty, 0, len(byVariant))
	for id, qty := range byVariant {
		out = append(out, ItemQty{VariantID: id, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}
