// Package signal turns raw alert payloads into types.TradeSignal values.
package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ksred/signal-relay/internal/types"
)

// Field names used by the alert script
const (
	FieldTradeID    = "Trade ID"
	FieldLotSize    = "Lot Size"
	FieldEntryPrice = "Entry Price"
	FieldSLPrice    = "SL Price"
	FieldSide       = "Side"
)

// NormalizationError rejects a whole payload. No dispatch is attempted.
type NormalizationError struct {
	Problems []string
}

func (e *NormalizationError) Error() string {
	return "invalid signal: " + strings.Join(e.Problems, "; ")
}

func (e *NormalizationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Field is one name/value pair of an embed
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Embed is the title/description/fields block sent by the alerting source
type Embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Fields      []Field `json:"fields"`
}

// Payload is the webhook body. Either Embeds is set, or the embed is inlined
// at the top level.
type Payload struct {
	Embeds []Embed `json:"embeds"`
	Embed
}

// Normalize decodes raw JSON and normalizes it. Flat key/value objects
// ({"symbol": ..., "lot_size": ...}) are accepted as well as embeds.
func Normalize(raw []byte) (types.TradeSignal, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return types.TradeSignal{}, &NormalizationError{Problems: []string{"payload is not a JSON object: " + err.Error()}}
	}

	if _, ok := generic["embeds"]; ok {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.TradeSignal{}, &NormalizationError{Problems: []string{"malformed embeds: " + err.Error()}}
		}
		return NormalizePayload(p)
	}
	if _, ok := generic["fields"]; ok {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.TradeSignal{}, &NormalizationError{Problems: []string{"malformed fields: " + err.Error()}}
		}
		return NormalizePayload(p)
	}

	return NormalizePayload(Payload{Embed: flatEmbed(generic)})
}

// flatEmbed maps a flat key/value object onto the embed shape
func flatEmbed(m map[string]interface{}) Embed {
	var e Embed
	for k, v := range m {
		val := stringify(v)
		switch canonical(k) {
		case "symbol", "title", "ticker":
			e.Title = val
		case "description", "signal", "message", "action":
			e.Description = val
		default:
			e.Fields = append(e.Fields, Field{Name: k, Value: val})
		}
	}
	return e
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	default:
		return fmt.Sprint(t)
	}
}

// NormalizePayload is the total parsing function: it returns a signal whose
// required fields are all populated, or a *NormalizationError listing every
// problem found.
func NormalizePayload(p Payload) (types.TradeSignal, error) {
	embed := p.Embed
	if len(p.Embeds) > 0 {
		embed = p.Embeds[0]
	} else if p.Embeds != nil && embed.Title == "" && embed.Description == "" {
		return types.TradeSignal{}, &NormalizationError{Problems: []string{"payload has an empty embeds list"}}
	}

	nerr := &NormalizationError{}
	fields := indexFields(embed.Fields)

	sig := types.TradeSignal{
		Symbol:      strings.TrimSpace(embed.Title),
		Description: strings.TrimSpace(embed.Description),
	}
	if sig.Symbol == "" {
		nerr.add("symbol (title) is required")
	}

	kind, side, ok := inferKind(embed.Description)
	if !ok {
		nerr.add("cannot infer signal kind from description %q", embed.Description)
		return types.TradeSignal{}, nerr
	}
	sig.Kind = kind

	sig.LotSize = requirePositive(fields, FieldLotSize, nerr)
	sig.TradeID = strings.TrimSpace(fields[canonical(FieldTradeID)])

	switch kind {
	case types.SignalEntry:
		sig.Side = side
		if sig.TradeID == "" {
			nerr.add("%s is required", FieldTradeID)
		}
		sig.EntryPrice = requirePositive(fields, FieldEntryPrice, nerr)
		sig.StopLoss = optionalNonNegative(fields, FieldSLPrice, nerr)
	case types.SignalExit:
		raw, present := fields[canonical(FieldSide)]
		if !present || strings.TrimSpace(raw) == "" {
			nerr.add("%s is required", FieldSide)
			break
		}
		s, ok := types.ParseSide(raw)
		if !ok {
			nerr.add("invalid %s: %q", FieldSide, raw)
			break
		}
		sig.Side = s
	}

	if len(nerr.Problems) > 0 {
		return types.TradeSignal{}, nerr
	}
	return sig, nil
}

// inferKind classifies the description. Buy/sell phrases win over "close"
// so that "BUY signal (close of bar)" is still an entry.
func inferKind(description string) (types.SignalKind, types.Side, bool) {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "buy signal"):
		return types.SignalEntry, types.SideBuy, true
	case strings.Contains(d, "sell signal"):
		return types.SignalEntry, types.SideSell, true
	case strings.Contains(d, "close"), strings.Contains(d, "exit"):
		return types.SignalExit, "", true
	case strings.Contains(d, "buy"):
		return types.SignalEntry, types.SideBuy, true
	case strings.Contains(d, "sell"):
		return types.SignalEntry, types.SideSell, true
	}
	return "", "", false
}

// canonical folds a field name so "Lot Size", "lot_size" and "LOTSIZE" match
func canonical(name string) string {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(name)))
}

func indexFields(fields []Field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[canonical(f.Name)] = f.Value
	}
	return m
}

func requirePositive(fields map[string]string, name string, nerr *NormalizationError) decimal.Decimal {
	raw, ok := fields[canonical(name)]
	if !ok || strings.TrimSpace(raw) == "" {
		nerr.add("%s is required", name)
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		nerr.add("%s is not numeric: %q", name, raw)
		return decimal.Zero
	}
	if !d.IsPositive() {
		nerr.add("%s must be positive, got %s", name, d)
	}
	return d
}

func optionalNonNegative(fields map[string]string, name string, nerr *NormalizationError) decimal.Decimal {
	raw, ok := fields[canonical(name)]
	if !ok || strings.TrimSpace(raw) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		nerr.add("%s is not numeric: %q", name, raw)
		return decimal.Zero
	}
	if d.IsNegative() {
		nerr.add("%s must not be negative, got %s", name, d)
	}
	return d
}
