package payment

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGCartClearer empties a buyer's cart once their order is paid.
type PGCartClearer struct{ DB execer }

func (c *PGCartClearer) ClearCart(ctx context.Context, ownerID string) error {
	_, err := c.DB.Exec(ctx, `DELETE FROM cart_items WHERE owner_id=$1`, ownerID)
	return err
}
