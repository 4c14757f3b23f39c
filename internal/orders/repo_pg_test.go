package orders

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run the Postgres repositories against a real database. They
// are skipped unless POSTGRES_DSN points at a disposable instance.

var (
	pgOnce sync.Once
	pgPool *pgxpool.Pool
	pgErr  error
)

func pgDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if pgErr = postgres.Migrate(ctx, dsn, "up"); pgErr != nil {
			return
		}
		pgPool, pgErr = postgres.Connect(ctx, dsn, 16)
	})
	require.NoError(t, pgErr)
	return pgPool
}

type pgFixture struct {
	db     *pgxpool.Pool
	orders *Repo
	ledger *ReservationRepo
	now    time.Time
}

func newPGFixture(t *testing.T) *pgFixture {
	db := pgDB(t)
	return &pgFixture{
		db:     db,
		orders: &Repo{DB: db},
		ledger: &ReservationRepo{DB: db},
		now:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (f *pgFixture) variant(t *testing.T, price int64, stock int) string {
	t.Helper()
	id := "v-" + uuid.NewString()
	_, err := f.db.Exec(context.Background(), `
		INSERT INTO variants(id, product_name, unit_price_cents, stock_quantity, enabled)
		VALUES ($1, $2, $3, $4, TRUE)`, id, "Item "+id[:10], price, stock)
	require.NoError(t, err)
	return id
}

func (f *pgFixture) stock(t *testing.T, variantID string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(context.Background(),
		`SELECT stock_quantity FROM variants WHERE id=$1`, variantID).Scan(&n))
	return n
}

func (f *pgFixture) order(t *testing.T, owner string, items ...ItemQty) *Order {
	t.Helper()
	o, err := f.orders.CreateOrder(context.Background(), NewOrder{OwnerID: owner, Currency: "INR", Items: items})
	require.NoError(t, err)
	return o
}

func (f *pgFixture) reserve(ctx context.Context, o *Order, ttl time.Duration, now time.Time, items ...ItemQty) (int, error) {
	return f.ledger.Reserve(ctx, ReserveRequest{
		OrderID: o.ID, OwnerID: o.OwnerID, Items: items, ExpiresAt: now.Add(ttl), Now: now,
	})
}

func TestPGConcurrentReserveLastUnit(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	v := f.variant(t, 500, 1)

	const buyers = 8
	placed := make([]*Order, buyers)
	for i := range placed {
		placed[i] = f.order(t, "u-"+uuid.NewString(), ItemQty{VariantID: v, Qty: 1})
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		soldOut int
	)
	for _, o := range placed {
		wg.Add(1)
		go func(o *Order) {
			defer wg.Done()
			_, err := f.reserve(ctx, o, 15*time.Minute, f.now, ItemQty{VariantID: v, Qty: 1})
			mu.Lock()
			defer mu.Unlock()
			var oos *OutOfStockError
			switch {
			case err == nil:
				won++
			case errors.As(err, &oos):
				soldOut++
			default:
				t.Errorf("reserve: %v", err)
			}
		}(o)
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, buyers-1, soldOut)
	assert.Equal(t, 1, f.stock(t, v), "reserving never touches stock_quantity")
}

func TestPGNoOversellUnderConcurrentReserve(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	a, b := f.variant(t, 100, 5), f.variant(t, 200, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	held := map[string]int{}
	for i := 0; i < 12; i++ {
		// opposite item order per buyer; the ledger locks in variant-id order
		items := []ItemQty{{VariantID: a, Qty: 1}, {VariantID: b, Qty: 1}}
		if i%2 == 1 {
			items = []ItemQty{{VariantID: b, Qty: 1}, {VariantID: a, Qty: 1}}
		}
		o := f.order(t, "u-"+uuid.NewString(), items...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.reserve(ctx, o, 15*time.Minute, f.now, items...); err == nil {
				mu.Lock()
				held[a]++
				held[b]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, held[a])
	assert.Equal(t, 5, held[b])
}

func TestPGCommitIsIdempotent(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	v := f.variant(t, 700, 4)
	o := f.order(t, "u-1", ItemQty{VariantID: v, Qty: 3})
	_, err := f.reserve(ctx, o, 15*time.Minute, f.now, ItemQty{VariantID: v, Qty: 3})
	require.NoError(t, err)

	_, err = f.ledger.Commit(ctx, o.ID, f.now)
	require.ErrorIs(t, err, ErrSnapshotMissing)
	assert.Equal(t, 4, f.stock(t, v))

	snap, err := f.orders.CreateSnapshot(ctx, o.ID, f.now)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, o.AmountCents, snap[0].SubtotalCents)

	first, err := f.ledger.Commit(ctx, o.ID, f.now)
	require.NoError(t, err)
	assert.Equal(t, CommitResult{Committed: 1}, first)

	second, err := f.ledger.Commit(ctx, o.ID, f.now)
	require.NoError(t, err)
	assert.Equal(t, CommitResult{AlreadyCommitted: 1}, second)
	assert.Equal(t, 1, f.stock(t, v))
}

func TestPGSnapshotUsesPriceAtOrderCreation(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	v := f.variant(t, 1500, 3)
	o := f.order(t, "u-1", ItemQty{VariantID: v, Qty: 2})
	require.Equal(t, int64(3000), o.AmountCents)
	_, err := f.reserve(ctx, o, 15*time.Minute, f.now, ItemQty{VariantID: v, Qty: 2})
	require.NoError(t, err)

	_, err = f.db.Exec(ctx, `UPDATE variants SET unit_price_cents = 2100 WHERE id=$1`, v)
	require.NoError(t, err)

	snap, err := f.orders.CreateSnapshot(ctx, o.ID, f.now)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1500), snap[0].UnitPriceCents)
	assert.Equal(t, int64(3000), snap[0].SubtotalCents)
}

func TestPGReapedHoldCannotBeCommitted(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	v := f.variant(t, 100, 2)
	o := f.order(t, "u-1", ItemQty{VariantID: v, Qty: 2})
	_, err := f.reserve(ctx, o, time.Minute, f.now, ItemQty{VariantID: v, Qty: 2})
	require.NoError(t, err)
	_, err = f.orders.CreateSnapshot(ctx, o.ID, f.now)
	require.NoError(t, err)

	later := f.now.Add(time.Hour)
	reaped, err := f.ledger.Reap(ctx, later, 1000)
	require.NoError(t, err)
	assert.Contains(t, reservationOrders(reaped), o.ID)

	res, err := f.ledger.Commit(ctx, o.ID, later)
	require.NoError(t, err)
	assert.Equal(t, CommitResult{}, res, "nothing left to commit")
	assert.Equal(t, 2, f.stock(t, v))
}

func TestPGReapRacingCommitSettlesOnce(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		v := f.variant(t, 100, 1)
		o := f.order(t, "u-1", ItemQty{VariantID: v, Qty: 1})
		_, err := f.reserve(ctx, o, time.Minute, f.now, ItemQty{VariantID: v, Qty: 1})
		require.NoError(t, err)
		_, err = f.orders.CreateSnapshot(ctx, o.ID, f.now)
		require.NoError(t, err)

		later := f.now.Add(time.Hour)
		var (
			wg     sync.WaitGroup
			commit CommitResult
			reaped []Reservation
			cErr   error
			rErr   error
		)
		wg.Add(2)
		go func() { defer wg.Done(); commit, cErr = f.ledger.Commit(ctx, o.ID, later) }()
		go func() { defer wg.Done(); reaped, rErr = f.ledger.Reap(ctx, later, 1000) }()
		wg.Wait()
		require.NoError(t, cErr)
		require.NoError(t, rErr)

		rows, err := f.ledger.ListReservations(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		if commit.Committed == 1 {
			assert.Equal(t, ReservationCommitted, rows[0].Status)
			assert.NotContains(t, reservationOrders(reaped), o.ID)
			assert.Equal(t, 0, f.stock(t, v))
		} else {
			assert.Equal(t, ReservationExpired, rows[0].Status)
			assert.Equal(t, 1, f.stock(t, v))
		}
	}
}

func TestPGLateCommitLosesToNewerHold(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	v := f.variant(t, 100, 1)
	late := f.order(t, "u-1", ItemQty{VariantID: v, Qty: 1})
	_, err := f.reserve(ctx, late, time.Minute, f.now, ItemQty{VariantID: v, Qty: 1})
	require.NoError(t, err)
	_, err = f.orders.CreateSnapshot(ctx, late.ID, f.now)
	require.NoError(t, err)

	// the lapsed hold is not reaped yet, another buyer takes the unit
	later := f.now.Add(time.Hour)
	other := f.order(t, "u-2", ItemQty{VariantID: v, Qty: 1})
	_, err = f.reserve(ctx, other, 15*time.Minute, later, ItemQty{VariantID: v, Qty: 1})
	require.NoError(t, err)

	_, err = f.ledger.Commit(ctx, late.ID, later)
	var oos *OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, 1, f.stock(t, v))
}

func TestPGCompareAndSetStatus(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	v := f.variant(t, 100, 1)
	o := f.order(t, "u-1", ItemQty{VariantID: v, Qty: 1})

	prev, ok, err := f.orders.CompareAndSetStatus(ctx, o.ID, []Status{StatusCreated}, StatusPaymentPending, PaymentPatch{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCreated, prev)

	_, ok, err = f.orders.CompareAndSetStatus(ctx, o.ID, []Status{StatusCreated}, StatusCancelled, PaymentPatch{})
	require.NoError(t, err)
	assert.False(t, ok, "a stale expected status misses")

	_, ok, err = f.orders.CompareAndSetStatus(ctx, "missing-"+uuid.NewString(), []Status{StatusCreated}, StatusFailed, PaymentPatch{})
	require.NoError(t, err)
	assert.False(t, ok)

	// completion and failure race; exactly one wins
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := map[Status]bool{}
	for _, to := range []Status{StatusCompleted, StatusFailed} {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			_, ok, err := f.orders.CompareAndSetStatus(ctx, o.ID, []Status{StatusPaymentPending}, to,
				PaymentPatch{ProviderPaymentID: "pay_" + string(to)})
			assert.NoError(t, err)
			mu.Lock()
			wins[to] = ok
			mu.Unlock()
		}(to)
	}
	wg.Wait()
	assert.NotEqual(t, wins[StatusCompleted], wins[StatusFailed])

	got, err := f.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	winner := StatusFailed
	if wins[StatusCompleted] {
		winner = StatusCompleted
	}
	assert.Equal(t, winner, got.Status)
	assert.Equal(t, "pay_"+string(winner), got.PaymentProviderPaymentID)
}

func reservationOrders(rows []Reservation) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.OrderID)
	}
	return out
}
