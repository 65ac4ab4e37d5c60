package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabase_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")

	db, err := NewDatabase(path)
	require.NoError(t, err)
	defer Close(db)

	assert.True(t, db.Migrator().HasTable("trades"))

	var indexes []string
	require.NoError(t, db.Raw(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'trades'`,
	).Scan(&indexes).Error)

	assert.Contains(t, indexes, "idx_trade_account")
	assert.Contains(t, indexes, "idx_trades_account_state")
	assert.Contains(t, indexes, "idx_trades_match")

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)
}

func TestNewDatabase_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")

	db, err := NewDatabase(path)
	require.NoError(t, err)
	require.NoError(t, Close(db))

	db, err = NewDatabase(path)
	require.NoError(t, err)
	require.NoError(t, Close(db))
}
