package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNAppendsConnParams(t *testing.T) {
	assert.Equal(t, "trendmill.db?"+connParams, dsn("trendmill.db"))
	assert.Equal(t, "file:x.db?cache=shared&"+connParams, dsn("file:x.db?cache=shared"))
}

func TestOpenAppliesPragmasOnEveryConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.db")

	database, err := Open(path, nil)
	require.NoError(t, err)
	defer database.Close()

	// Force each query onto a freshly opened connection so the settings
	// cannot come from one connection being reused.
	database.SetMaxIdleConns(0)

	for i := 0; i < 3; i++ {
		var foreignKeys int
		require.NoError(t, database.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, database.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, 5000, busyTimeout)

		var journalMode string
		require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)
	}
}
