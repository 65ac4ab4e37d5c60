package signal

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/signal-relay/internal/types"
)

func entryPayload(fields ...Field) Payload {
	return Payload{Embeds: []Embed{{
		Title:       "EURUSD",
		Description: "🔵 BUY Signal on EURUSD",
		Fields:      fields,
	}}}
}

func TestNormalizeEntry(t *testing.T) {
	sig, err := NormalizePayload(entryPayload(
		Field{Name: "Trade ID", Value: "T1"},
		Field{Name: "Lot Size", Value: "1.5"},
		Field{Name: "Entry Price", Value: "1.1050"},
		Field{Name: "SL Price", Value: "1.1000"},
	))
	require.NoError(t, err)

	assert.Equal(t, types.SignalEntry, sig.Kind)
	assert.Equal(t, "T1", sig.TradeID)
	assert.Equal(t, "EURUSD", sig.Symbol)
	assert.Equal(t, types.SideBuy, sig.Side)
	assert.True(t, sig.LotSize.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, sig.EntryPrice.Equal(decimal.RequireFromString("1.105")))
	assert.True(t, sig.StopLoss.Equal(decimal.RequireFromString("1.1")))
	assert.True(t, sig.HasStopLoss())
}

func TestNormalizeEntrySellWithoutStopLoss(t *testing.T) {
	p := entryPayload(
		Field{Name: "Trade ID", Value: "T2"},
		Field{Name: "Lot Size", Value: "0.1"},
		Field{Name: "Entry Price", Value: "2050.5"},
	)
	p.Embeds[0].Description = "🔴 SELL Signal"

	sig, err := NormalizePayload(p)
	require.NoError(t, err)
	assert.Equal(t, types.SideSell, sig.Side)
	assert.False(t, sig.HasStopLoss())
}

func TestNormalizeEntryErrors(t *testing.T) {
	tests := []struct {
		name    string
		fields  []Field
		wantMsg string
	}{
		{
			name: "missing entry price",
			fields: []Field{
				{Name: "Trade ID", Value: "T1"},
				{Name: "Lot Size", Value: "1"},
			},
			wantMsg: "Entry Price is required",
		},
		{
			name: "non numeric lot",
			fields: []Field{
				{Name: "Trade ID", Value: "T1"},
				{Name: "Lot Size", Value: "one"},
				{Name: "Entry Price", Value: "1.1"},
			},
			wantMsg: "Lot Size is not numeric",
		},
		{
			name: "missing trade id",
			fields: []Field{
				{Name: "Lot Size", Value: "1"},
				{Name: "Entry Price", Value: "1.1"},
			},
			wantMsg: "Trade ID is required",
		},
		{
			name: "zero lot",
			fields: []Field{
				{Name: "Trade ID", Value: "T1"},
				{Name: "Lot Size", Value: "0"},
				{Name: "Entry Price", Value: "1.1"},
			},
			wantMsg: "Lot Size must be positive",
		},
		{
			name: "negative stop loss",
			fields: []Field{
				{Name: "Trade ID", Value: "T1"},
				{Name: "Lot Size", Value: "1"},
				{Name: "Entry Price", Value: "1.1"},
				{Name: "SL Price", Value: "-1"},
			},
			wantMsg: "SL Price must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizePayload(entryPayload(tt.fields...))
			var nerr *NormalizationError
			require.ErrorAs(t, err, &nerr)
			assert.Contains(t, nerr.Error(), tt.wantMsg)
		})
	}
}

func TestNormalizeExit(t *testing.T) {
	p := Payload{Embeds: []Embed{{
		Title:       "EURUSD",
		Description: "Close signal",
		Fields: []Field{
			{Name: "Side", Value: "BUY"},
			{Name: "Lot Size", Value: "1.5"},
			{Name: "Trade ID", Value: "T1"},
		},
	}}}

	sig, err := NormalizePayload(p)
	require.NoError(t, err)
	assert.Equal(t, types.SignalExit, sig.Kind)
	assert.Equal(t, types.SideBuy, sig.Side)
	assert.Equal(t, "T1", sig.TradeID)
	assert.True(t, sig.EntryPrice.IsZero())
}

func TestNormalizeExitMissingSide(t *testing.T) {
	p := Payload{Embeds: []Embed{{
		Title:       "EURUSD",
		Description: "exit signal",
		Fields:      []Field{{Name: "Lot Size", Value: "1.5"}},
	}}}

	_, err := NormalizePayload(p)
	var nerr *NormalizationError
	require.ErrorAs(t, err, &nerr)
	assert.Contains(t, nerr.Error(), "Side is required")
}

func TestNormalizeExitInvalidSide(t *testing.T) {
	p := Payload{Embeds: []Embed{{
		Title:       "EURUSD",
		Description: "close",
		Fields: []Field{
			{Name: "Side", Value: "long"},
			{Name: "Lot Size", Value: "1"},
		},
	}}}

	_, err := NormalizePayload(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid Side: "long"`)
}

func TestNormalizeUnknownKind(t *testing.T) {
	p := Payload{Embeds: []Embed{{Title: "EURUSD", Description: "heartbeat"}}}
	_, err := NormalizePayload(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot infer signal kind")
}

func TestNormalizeRawShapes(t *testing.T) {
	t.Run("embeds", func(t *testing.T) {
		raw := []byte(`{"embeds":[{"title":"GBPUSD","description":"BUY Signal","fields":[
			{"name":"Trade ID","value":"abc"},{"name":"Lot Size","value":"2"},{"name":"Entry Price","value":"1.27"}]}]}`)
		sig, err := Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, "GBPUSD", sig.Symbol)
		assert.Equal(t, "abc", sig.TradeID)
	})

	t.Run("inline embed", func(t *testing.T) {
		raw := []byte(`{"title":"GBPUSD","description":"close","fields":[
			{"name":"Side","value":"sell"},{"name":"Lot Size","value":"2"}]}`)
		sig, err := Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, types.SignalExit, sig.Kind)
		assert.Equal(t, types.SideSell, sig.Side)
	})

	t.Run("flat object", func(t *testing.T) {
		raw := []byte(`{"symbol":"XAUUSD","signal":"sell signal","trade_id":"X9","lot_size":0.25,"entry_price":"2301.5"}`)
		sig, err := Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, types.SignalEntry, sig.Kind)
		assert.Equal(t, "XAUUSD", sig.Symbol)
		assert.Equal(t, "X9", sig.TradeID)
		assert.True(t, sig.LotSize.Equal(decimal.RequireFromString("0.25")))
	})

	t.Run("not json", func(t *testing.T) {
		_, err := Normalize([]byte(`nope`))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
	})

	t.Run("empty embeds", func(t *testing.T) {
		_, err := Normalize([]byte(`{"embeds":[]}`))
		require.Error(t, err)
	})
}
