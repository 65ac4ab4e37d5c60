package migrations

import (
	"github.com/ksred/signal-relay/internal/trades"
	"gorm.io/gorm"
)

// CreateTrades creates the trades table with its unique (trade_id,
// account_name) index
func CreateTrades(db *gorm.DB) error {
	return db.AutoMigrate(&trades.TradeRecord{})
}
