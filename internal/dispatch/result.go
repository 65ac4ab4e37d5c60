package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/signal-relay/internal/brokerage"
	"github.com/ksred/signal-relay/internal/notify"
	"github.com/ksred/signal-relay/internal/session"
	"github.com/ksred/signal-relay/internal/trades"
	"github.com/ksred/signal-relay/internal/types"
)

// Status is the per-account outcome of a dispatch
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Actions taken for an account
const (
	ActionPlaceOrder    = "place_order"
	ActionCancelOrder   = "cancel_order"
	ActionClosePosition = "close_position"
	ActionNone          = "none"
)

// Error kinds reported in addition to the brokerage kinds
const (
	KindTimeout  = "timeout"
	KindStorage  = "storage"
	KindInternal = "internal"
)

// Outcome is what happened on one account
type Outcome struct {
	Account           string           `json:"account"`
	Status            Status           `json:"status"`
	Action            string           `json:"action"`
	Detail            string           `json:"detail,omitempty"`
	OrderID           string           `json:"order_id,omitempty"`
	PositionID        string           `json:"position_id,omitempty"`
	RealizedPnL       *decimal.Decimal `json:"realized_pnl,omitempty"`
	ErrorKind         string           `json:"error_kind,omitempty"`
	StoreInconsistent bool             `json:"store_inconsistent,omitempty"`
	// Unsettled marks an account that was still running at the dispatch
	// deadline. Its brokerage call may still land and be recorded.
	Unsettled bool `json:"unsettled,omitempty"`
}

// Summary counts outcomes by status
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Result is the aggregate of one dispatch. Outcomes follow registry order.
type Result struct {
	DispatchID string           `json:"dispatch_id"`
	Kind       types.SignalKind `json:"kind"`
	TradeID    string           `json:"trade_id,omitempty"`
	Symbol     string           `json:"symbol"`
	Side       types.Side       `json:"side"`
	Outcomes   []Outcome        `json:"outcomes"`
	Summary    Summary          `json:"summary"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

func summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// errorKind classifies err for an Outcome
func errorKind(err error) string {
	var se *trades.StorageError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case brokerage.KindOf(err) != "":
		return string(brokerage.KindOf(err))
	case session.IsAuthError(err):
		return string(brokerage.KindAuth)
	case errors.As(err, &se):
		return KindStorage
	}
	return KindInternal
}

// Message renders the result as a notification
func (r Result) Message() notify.Message {
	title := fmt.Sprintf("%s %s %s", r.Kind, r.Symbol, strings.ToUpper(string(r.Side)))
	if r.TradeID != "" {
		title += " #" + r.TradeID
	}

	color := notify.ColorGreen
	switch {
	case r.Summary.Failed > 0 && r.Summary.Succeeded == 0:
		color = notify.ColorRed
	case r.Summary.Failed > 0:
		color = notify.ColorYellow
	}

	fields := make([]notify.Field, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		fields = append(fields, notify.Field{Name: o.Account, Value: o.line()})
	}

	return notify.Message{
		Title: title,
		Description: fmt.Sprintf("%d succeeded, %d failed, %d skipped of %d accounts",
			r.Summary.Succeeded, r.Summary.Failed, r.Summary.Skipped, r.Summary.Total),
		Color:  color,
		Fields: fields,
	}
}

func (o Outcome) line() string {
	var b strings.Builder
	b.WriteString(string(o.Status))
	if o.Action != "" && o.Action != ActionNone {
		b.WriteString(" " + o.Action)
	}
	if o.OrderID != "" {
		b.WriteString(" order=" + o.OrderID)
	}
	if o.RealizedPnL != nil {
		b.WriteString(" pnl=" + o.RealizedPnL.StringFixed(2))
	}
	if o.Detail != "" {
		b.WriteString(": " + o.Detail)
	}
	if o.StoreInconsistent {
		b.WriteString(" (NOT RECORDED)")
	}
	if o.Unsettled {
		b.WriteString(" (MAY STILL COMPLETE)")
	}
	return b.String()
}
