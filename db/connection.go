// Package db manages the SQLite database used by the broker streams and the
// trend signal store.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// connParams are applied through the DSN so that every pooled connection gets
// them; PRAGMAs issued with db.Exec only reach the one connection that
// happens to run them.
//
//   - WAL allows concurrent reads during writes; consumer loops read while
//     publishers append.
//   - _txlock=immediate makes transactions take the write lock up front, so
//     the read-modify-write delivery and append transactions wait on
//     busy_timeout instead of failing a deferred-to-write upgrade with
//     SQLITE_BUSY.
const connParams = "_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000&_txlock=immediate"

// dsn appends the connection parameters to a database path, merging with any
// parameters already present.
func dsn(path string) string {
	if strings.ContainsRune(path, '?') {
		return path + "&" + connParams
	}
	return path + "?" + connParams
}

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}
