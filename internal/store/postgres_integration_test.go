//go:build postgres_integration

package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"bustrack/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	require.NoError(t, p.Ping(t.Context()))
	require.NoError(t, p.MigrateDir("../../db/migrations"))

	_, err = p.ListActiveBuses(t.Context())
	require.NoError(t, err)

	_, err = p.FindBusByDriver(t.Context(), model.ID("no-such-driver"))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, p.UpdateBusLocation(t.Context(), "no-such-bus", model.GeoPoint{Lat: 1, Lng: 2}), ErrNotFound)
}
