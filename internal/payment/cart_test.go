package payment

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	sql  string
	args []any
}

func (r *recordingExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql, r.args = sql, args
	return pgconn.NewCommandTag("DELETE 2"), nil
}

func TestPGCartClearerDeletesOwnerRows(t *testing.T) {
	db := &recordingExec{}
	require.NoError(t, (&PGCartClearer{DB: db}).ClearCart(context.Background(), "u-1"))
	assert.Contains(t, db.sql, "DELETE FROM cart_items")
	assert.Equal(t, []any{"u-1"}, db.args)
}
