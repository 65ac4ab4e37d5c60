package types

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SignalKind distinguishes signals that open a trade from signals that close one
type SignalKind string

const (
	SignalEntry SignalKind = "ENTRY"
	SignalExit  SignalKind = "EXIT"
)

// Side is the order direction. Stored lower-case, as the brokerage expects it.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, true
	case "sell":
		return SideSell, true
	}
	return "", false
}

// TradeSignal is the canonical form of an inbound alert.
// Kind decides which fields are populated:
//   - ENTRY: TradeID, Symbol, Side, LotSize, EntryPrice and optionally StopLoss
//   - EXIT: Symbol, Side, LotSize and optionally TradeID
type TradeSignal struct {
	Kind        SignalKind      `json:"kind"`
	TradeID     string          `json:"trade_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	LotSize     decimal.Decimal `json:"lot_size"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	Description string          `json:"description,omitempty"`
}

// HasStopLoss reports whether a stop loss should be attached to the order
func (s TradeSignal) HasStopLoss() bool {
	return s.StopLoss.IsPositive()
}
