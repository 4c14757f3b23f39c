package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsHaveGooseSections(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		body, err := fs.ReadFile(migrationsFS, migrationsDir+"/"+e.Name())
		require.NoError(t, err)
		text := string(body)
		require.Contains(t, text, "-- +goose Up", e.Name())
		require.Contains(t, text, "-- +goose Down", e.Name())
	}
}

func TestReservationStatusesMatchSchema(t *testing.T) {
	body, err := fs.ReadFile(migrationsFS, migrationsDir+"/00001_fulfillment.sql")
	require.NoError(t, err)
	for _, s := range []string{"'reserved'", "'committed'", "'released'", "'expired'"} {
		require.True(t, strings.Contains(string(body), s), s)
	}
}

func TestOrderLinesMigrationPresent(t *testing.T) {
	body, err := fs.ReadFile(migrationsFS, migrationsDir+"/00002_order_lines.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS order_lines")
	require.Contains(t, string(body), "PRIMARY KEY (order_id, variant_id)")
}
