package main

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ksred/signal-relay/internal/signal"
	"github.com/ksred/signal-relay/internal/types"
)

// entryPayload builds the webhook body the alert script sends for a new trade
func entryPayload(tradeID, symbol string, side types.Side, lot, price, stopLoss decimal.Decimal) signal.Payload {
	fields := []signal.Field{
		{Name: signal.FieldTradeID, Value: tradeID},
		{Name: signal.FieldLotSize, Value: lot.String()},
		{Name: signal.FieldEntryPrice, Value: price.String()},
	}
	if stopLoss.IsPositive() {
		fields = append(fields, signal.Field{Name: signal.FieldSLPrice, Value: stopLoss.String()})
	}

	icon := "🔵"
	if side == types.SideSell {
		icon = "🔴"
	}
	return signal.Payload{Embeds: []signal.Embed{{
		Title:       symbol,
		Description: fmt.Sprintf("%s %s Signal on %s", icon, strings.ToUpper(string(side)), symbol),
		Fields:      fields,
	}}}
}

// exitPayload builds the webhook body for closing a trade. An empty trade id
// lets the relay match on symbol, side and lot size.
func exitPayload(tradeID, symbol string, side types.Side, lot decimal.Decimal) signal.Payload {
	fields := []signal.Field{
		{Name: signal.FieldSide, Value: string(side)},
		{Name: signal.FieldLotSize, Value: lot.String()},
	}
	if tradeID != "" {
		fields = append([]signal.Field{{Name: signal.FieldTradeID, Value: tradeID}}, fields...)
	}
	return signal.Payload{Embeds: []signal.Embed{{
		Title:       symbol,
		Description: "⚪ Close position on " + symbol,
		Fields:      fields,
	}}}
}
