// Package brokerage defines the Client interface the relay uses to talk to the
// trading API, and provides the TradeLocker HTTP implementation and an
// in-memory Simulator.
package brokerage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/types"
)

// Credentials is what a login or refresh returns
type Credentials struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is zero when the API did not say; callers decode the JWT.
	ExpiresAt time.Time
	AccountID string
	AccNum    string
}

// Token identifies an authenticated account for trade calls
type Token struct {
	Account     string
	BaseURL     string
	AccessToken string
	AccountID   string
	AccNum      string
}

// LimitOrder is a GTC limit order. StopLoss is only sent when positive.
type LimitOrder struct {
	Symbol   string
	Side     types.Side
	Lot      decimal.Decimal
	Price    decimal.Decimal
	StopLoss decimal.Decimal
}

// OrderState is the brokerage-side state of an order
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderRejected  OrderState = "REJECTED"
	OrderUnknown   OrderState = "UNKNOWN"
)

// OrderStatus reports an order and, once filled, the position it opened
type OrderStatus struct {
	OrderID    string
	State      OrderState
	PositionID string
}

// PositionStatus reports a position. Open is false once the brokerage no
// longer lists it.
type PositionStatus struct {
	PositionID    string
	Open          bool
	Side          types.Side
	Qty           decimal.Decimal
	OpenPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Authenticator logs accounts in and refreshes their tokens
type Authenticator interface {
	// Authenticate performs a full credential login.
	Authenticate(ctx context.Context, account accounts.Account) (Credentials, error)

	// RefreshToken exchanges a refresh token for new credentials.
	RefreshToken(ctx context.Context, account accounts.Account, refreshToken string) (Credentials, error)
}

// Client abstracts the brokerage operations the relay needs. Every method
// returns *Error on brokerage-side failures.
type Client interface {
	Authenticator

	// PlaceLimitOrder submits a limit order and returns the brokerage order id.
	PlaceLimitOrder(ctx context.Context, tok Token, order LimitOrder) (string, error)

	// CancelOrder cancels a pending order.
	CancelOrder(ctx context.Context, tok Token, orderID string) error

	// ClosePosition closes an open position and returns its realized P&L.
	ClosePosition(ctx context.Context, tok Token, positionID string) (decimal.Decimal, error)

	// GetPosition fetches the current status of a position.
	GetPosition(ctx context.Context, tok Token, positionID string) (PositionStatus, error)

	// GetOrder fetches the current status of an order.
	GetOrder(ctx context.Context, tok Token, orderID string) (OrderStatus, error)

	// Ping performs a cheap authenticated call.
	Ping(ctx context.Context, tok Token) error
}
