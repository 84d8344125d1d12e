package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLite(t *testing.T) {
	sqlDB, err := Open(Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, Ping(context.Background(), sqlDB))
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestOpen_MySQLBadDSN(t *testing.T) {
	_, err := Open(Config{Driver: "mysql", DSN: "not a dsn"})
	require.Error(t, err)
}
