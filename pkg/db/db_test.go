package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRejectsBadDSN(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://migrator@localhost:notaport/aimigrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestNilHandles(t *testing.T) {
	ctx := context.Background()

	_, err := OpenORM(nil)
	require.Error(t, err)
	require.Error(t, Migrate(ctx, nil))

	var store *Store
	require.NoError(t, store.Close())
	require.Error(t, store.Ready(ctx))
	require.Error(t, (&Store{}).Ready(ctx))
}
