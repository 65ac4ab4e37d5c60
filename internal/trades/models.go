package trades

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/ksred/signal-relay/internal/types"
)

// State is the lifecycle state of a trade record
type State string

const (
	StatePending State = "PENDING"
	StateOpen    State = "OPEN"
	StateClosed  State = "CLOSED"
)

// CloseMethod records how a trade reached CLOSED
type CloseMethod string

const (
	CloseOrderCancelled CloseMethod = "ORDER_CANCELLED"
	ClosePositionClosed CloseMethod = "POSITION_CLOSED"
)

// TradeRecord is one (trade id, account) pair. Records are never deleted.
type TradeRecord struct {
	ID          uint                `gorm:"primarykey" json:"id"`
	TradeID     string              `gorm:"type:varchar(100);not null;uniqueIndex:idx_trade_account,priority:1;index" json:"trade_id"`
	AccountName string              `gorm:"type:varchar(100);not null;uniqueIndex:idx_trade_account,priority:2" json:"account_name"`
	Symbol      string              `gorm:"type:varchar(20);not null" json:"symbol"`
	Side        types.Side          `gorm:"type:varchar(4);not null" json:"side"`
	LotSize     decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"lot_size"`
	EntryPrice  decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	StopLoss    decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"stop_loss"`
	OrderID     string              `gorm:"type:varchar(50)" json:"order_id"`
	PositionID  string              `gorm:"type:varchar(50)" json:"position_id,omitempty"`
	State       State               `gorm:"type:varchar(10);not null;index" json:"state"`
	OpenedAt    time.Time           `gorm:"not null" json:"opened_at"`
	FilledAt    *time.Time          `json:"filled_at,omitempty"`
	ClosedAt    *time.Time          `json:"closed_at,omitempty"`
	CloseMethod *CloseMethod        `gorm:"type:varchar(20)" json:"close_method,omitempty"`
	RealizedPnL decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"realized_pnl"`
	Metadata    datatypes.JSON      `json:"metadata,omitempty"`
	Version     int                 `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// TableName pins the table name used by the raw index migrations
func (TradeRecord) TableName() string {
	return "trades"
}

// Active reports whether the record can still be acted on by an EXIT
func (r *TradeRecord) Active() bool {
	return r.State == StatePending || r.State == StateOpen
}

func validTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateClosed
	}
	return false
}

// Transition moves the record to a new state
func (r *TradeRecord) Transition(to State) error {
	if !validTransition(r.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	r.State = to
	return nil
}

// MarkFilled records that the limit order filled and opened a position
func (r *TradeRecord) MarkFilled(positionID string, at time.Time) error {
	if err := r.Transition(StateOpen); err != nil {
		return err
	}
	r.PositionID = positionID
	r.FilledAt = &at
	return nil
}

// Close moves the record to CLOSED. pnl is nil when the order never filled.
func (r *TradeRecord) Close(method CloseMethod, pnl *decimal.Decimal, at time.Time) error {
	if err := r.Transition(StateClosed); err != nil {
		return err
	}
	r.ClosedAt = &at
	r.CloseMethod = &method
	if pnl != nil {
		r.RealizedPnL = decimal.NullDecimal{Decimal: *pnl, Valid: true}
	} else {
		r.RealizedPnL = decimal.NullDecimal{}
	}
	return nil
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	State   State
	Account string
	Symbol  string
	Limit   int
}

// Stats counts records per account and state
type Stats struct {
	Total     int64                      `json:"total"`
	ByState   map[State]int64            `json:"by_state"`
	ByAccount map[string]map[State]int64 `json:"by_account"`
}
