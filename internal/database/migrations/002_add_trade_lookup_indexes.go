package migrations

import (
	"gorm.io/gorm"
)

// AddTradeLookupIndexes adds the indexes used by exits, the fill poller and
// the query routes
func AddTradeLookupIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Active record lookup per account
		`CREATE INDEX IF NOT EXISTS idx_trades_account_state
		 ON trades(account_name, state)`,

		// Exits without a trade id match on symbol, side and lot
		`CREATE INDEX IF NOT EXISTS idx_trades_match
		 ON trades(symbol, side, lot_size, state)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_created_at
		 ON trades(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
