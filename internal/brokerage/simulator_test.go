package brokerage

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/types"
)

func simLogin(t *testing.T, sim *Simulator, name string) Token {
	t.Helper()
	creds, err := sim.Authenticate(context.Background(), accounts.Account{Name: name, Username: "u", Password: "p"})
	require.NoError(t, err)
	return Token{Account: name, AccessToken: creds.AccessToken, AccountID: creds.AccountID, AccNum: creds.AccNum}
}

func sampleOrder(symbol string) LimitOrder {
	return LimitOrder{
		Symbol: symbol,
		Side:   types.SideBuy,
		Lot:    decimal.RequireFromString("0.1"),
		Price:  decimal.RequireFromString("1.2"),
	}
}

func TestSimulator_TokenCarriesExpiry(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	tok := simLogin(t, sim, "A")

	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, &claims)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)
	assert.Equal(t, "A", claims.Subject)
	assert.Equal(t, 1, sim.Calls(OpAuthenticate))
}

func TestSimulator_OrderLifecycle(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	tok := simLogin(t, sim, "A")
	ctx := context.Background()

	orderID, err := sim.PlaceLimitOrder(ctx, tok, sampleOrder("EURUSD"))
	require.NoError(t, err)

	st, err := sim.GetOrder(ctx, tok, orderID)
	require.NoError(t, err)
	assert.Equal(t, OrderPending, st.State)

	posID, err := sim.Fill(orderID)
	require.NoError(t, err)

	st, err = sim.GetOrder(ctx, tok, orderID)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
	assert.Equal(t, posID, st.PositionID)

	sim.SetPnL(posID, decimal.NewFromInt(25))
	pos, err := sim.GetPosition(ctx, tok, posID)
	require.NoError(t, err)
	assert.True(t, pos.Open)

	pnl, err := sim.ClosePosition(ctx, tok, posID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(25).Equal(pnl))

	_, err = sim.ClosePosition(ctx, tok, posID)
	assert.True(t, IsNotFound(err))
}

func TestSimulator_CancelOrder(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	tok := simLogin(t, sim, "A")
	ctx := context.Background()

	orderID, err := sim.PlaceLimitOrder(ctx, tok, sampleOrder("EURUSD"))
	require.NoError(t, err)
	require.NoError(t, sim.CancelOrder(ctx, tok, orderID))

	st, err := sim.GetOrder(ctx, tok, orderID)
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, st.State)

	assert.True(t, IsValidation(sim.CancelOrder(ctx, tok, orderID)))
	assert.True(t, IsNotFound(sim.CancelOrder(ctx, tok, "nope")))
}

func TestSimulator_AutoFill(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{AutoFill: true})
	tok := simLogin(t, sim, "A")

	orderID, err := sim.PlaceLimitOrder(context.Background(), tok, sampleOrder("EURUSD"))
	require.NoError(t, err)

	st, err := sim.GetOrder(context.Background(), tok, orderID)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
	assert.Len(t, sim.OpenPositions("A"), 1)
}

func TestSimulator_ScriptedFailures(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	tok := simLogin(t, sim, "A")
	boom := &Error{Kind: KindTransient, Code: "boom", Message: "boom"}

	sim.FailNext("A", OpPlaceOrder, boom)

	_, err := sim.PlaceLimitOrder(context.Background(), tok, sampleOrder("EURUSD"))
	assert.True(t, errors.Is(err, boom))

	_, err = sim.PlaceLimitOrder(context.Background(), tok, sampleOrder("EURUSD"))
	assert.NoError(t, err)
	assert.Equal(t, 2, sim.Calls(OpPlaceOrder))
}

func TestSimulator_RevokedTokenRejected(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	tok := simLogin(t, sim, "A")

	sim.RevokeTokens("A")
	err := sim.Ping(context.Background(), tok)
	assert.True(t, IsAuth(err))

	fresh := simLogin(t, sim, "A")
	assert.NoError(t, sim.Ping(context.Background(), fresh))
}

func TestSimulator_AccountsAreIsolated(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	a := simLogin(t, sim, "A")
	b := simLogin(t, sim, "B")

	orderID, err := sim.PlaceLimitOrder(context.Background(), a, sampleOrder("EURUSD"))
	require.NoError(t, err)

	assert.True(t, IsNotFound(sim.CancelOrder(context.Background(), b, orderID)))
}

func TestSimulator_ValidationErrors(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	tok := simLogin(t, sim, "A")

	_, err := sim.PlaceLimitOrder(context.Background(), tok, sampleOrder(""))
	assert.True(t, IsValidation(err))

	_, err = sim.Authenticate(context.Background(), accounts.Account{Name: "C"})
	assert.True(t, IsAuth(err))
}

func TestSimulator_ContextCancelled(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	tok := simLogin(t, sim, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.PlaceLimitOrder(ctx, tok, sampleOrder("EURUSD"))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
