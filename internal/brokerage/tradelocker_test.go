package brokerage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/types"
)

type fakeTradeLocker struct {
	t *testing.T

	mu           sync.Mutex
	orderBodies  []map[string]interface{}
	orderHeaders []http.Header
	positions    []map[string]interface{}

	orderCalls     int32
	positionCalls  int32
	throttleOrders bool
	throttleFirst  int32 // positions GETs answered with 429 before succeeding
	closeStatus    int
}

func (f *fakeTradeLocker) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/backend-api/auth/jwt/token", func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
			return
		}
		writeJSON(w, map[string]string{
			"accessToken":  "access-" + req.Email,
			"refreshToken": "refresh-" + req.Email,
			"expireDate":   "2030-01-02T15:04:05Z",
		})
	})

	mux.HandleFunc("/backend-api/auth/jwt/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"accessToken": "access-refreshed", "refreshToken": "refresh-2"})
	})

	mux.HandleFunc("/backend-api/auth/jwt/all-accounts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]interface{}{
			"accounts": []map[string]string{{"id": "555", "accNum": "2", "name": "main"}},
		})
	})

	mux.HandleFunc("/backend-api/trade/accounts/555/instruments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"s": "ok",
			"d": map[string]interface{}{
				"instruments": []map[string]interface{}{
					{"tradableInstrumentId": 278, "name": "EURUSD", "routes": []map[string]interface{}{
						{"id": 9, "type": "INFO"},
						{"id": 7, "type": "TRADE"},
					}},
				},
			},
		})
	})

	mux.HandleFunc("/backend-api/trade/accounts/555/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, map[string]interface{}{"s": "ok", "d": map[string]interface{}{"orders": []interface{}{}}})
			return
		}
		atomic.AddInt32(&f.orderCalls, 1)
		if f.throttleOrders {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var body map[string]interface{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.orderBodies = append(f.orderBodies, body)
		f.orderHeaders = append(f.orderHeaders, r.Header.Clone())
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"s": "ok", "d": map[string]string{"orderId": "9001"}})
	})

	mux.HandleFunc("/backend-api/trade/accounts/555/ordersHistory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"s": "ok", "d": map[string]interface{}{
			"orders": []map[string]string{{"id": "9001", "status": "Filled", "positionId": "777"}},
		}})
	})

	mux.HandleFunc("/backend-api/trade/accounts/555/positions", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.positionCalls, 1)
		if n <= f.throttleFirst {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		f.mu.Lock()
		positions := f.positions
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"s": "ok", "d": map[string]interface{}{"positions": positions}})
	})

	mux.HandleFunc("/backend-api/trade/positions/777", func(w http.ResponseWriter, r *http.Request) {
		if f.closeStatus != 0 {
			f.mu.Lock()
			f.positions = nil
			f.mu.Unlock()
			w.WriteHeader(f.closeStatus)
			return
		}
		f.mu.Lock()
		f.positions = nil
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"s": "ok"})
	})

	mux.HandleFunc("/backend-api/trade/orders/9001", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFake(t *testing.T) (*fakeTradeLocker, *TradeLocker, accounts.Account) {
	t.Helper()
	fake := &fakeTradeLocker{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client := NewTradeLocker(TradeLockerOptions{BackoffBase: time.Millisecond})
	account := accounts.Account{
		Name:        "main",
		Environment: srv.URL,
		Username:    "trader@example.com",
		Password:    "secret",
		Server:      "HEROFX",
	}
	return fake, client, account
}

func testToken(account accounts.Account) Token {
	return Token{
		Account:     account.Name,
		BaseURL:     account.Environment,
		AccessToken: "access-" + account.Username,
		AccountID:   "555",
		AccNum:      "2",
	}
}

func TestTradeLocker_Authenticate(t *testing.T) {
	_, client, account := newFake(t)

	creds, err := client.Authenticate(context.Background(), account)
	require.NoError(t, err)

	assert.Equal(t, "access-trader@example.com", creds.AccessToken)
	assert.Equal(t, "refresh-trader@example.com", creds.RefreshToken)
	assert.Equal(t, "555", creds.AccountID)
	assert.Equal(t, "2", creds.AccNum)
	assert.Equal(t, time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC), creds.ExpiresAt.UTC())
}

func TestTradeLocker_AuthenticateRejected(t *testing.T) {
	_, client, account := newFake(t)
	account.Password = "wrong"

	_, err := client.Authenticate(context.Background(), account)
	require.Error(t, err)
	assert.True(t, IsAuth(err))
}

func TestTradeLocker_RefreshToken(t *testing.T) {
	_, client, account := newFake(t)

	creds, err := client.RefreshToken(context.Background(), account, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed", creds.AccessToken)
	assert.True(t, creds.ExpiresAt.IsZero())
}

func TestTradeLocker_PlaceLimitOrder(t *testing.T) {
	fake, client, account := newFake(t)

	id, err := client.PlaceLimitOrder(context.Background(), testToken(account), LimitOrder{
		Symbol:   "EURUSD",
		Side:     types.SideBuy,
		Lot:      decimal.RequireFromString("0.01"),
		Price:    decimal.RequireFromString("1.0850"),
		StopLoss: decimal.RequireFromString("1.0800"),
	})
	require.NoError(t, err)
	assert.Equal(t, "9001", id)

	require.Len(t, fake.orderBodies, 1)
	body := fake.orderBodies[0]
	assert.EqualValues(t, 278, body["tradableInstrumentId"])
	assert.EqualValues(t, 7, body["routeId"])
	assert.Equal(t, "buy", body["side"])
	assert.Equal(t, "limit", body["type"])
	assert.Equal(t, "GTC", body["validity"])
	assert.Equal(t, "absolute", body["stopLossType"])
	assert.Contains(t, body, "stopLoss")

	hdr := fake.orderHeaders[0]
	assert.Equal(t, "Bearer access-trader@example.com", hdr.Get("Authorization"))
	assert.Equal(t, "2", hdr.Get("accNum"))
}

func TestTradeLocker_PlaceLimitOrderWithoutStopLoss(t *testing.T) {
	fake, client, account := newFake(t)

	_, err := client.PlaceLimitOrder(context.Background(), testToken(account), LimitOrder{
		Symbol: "EURUSD",
		Side:   types.SideSell,
		Lot:    decimal.RequireFromString("0.5"),
		Price:  decimal.RequireFromString("1.09"),
	})
	require.NoError(t, err)
	require.Len(t, fake.orderBodies, 1)
	assert.NotContains(t, fake.orderBodies[0], "stopLoss")
	assert.NotContains(t, fake.orderBodies[0], "stopLossType")
}

func TestTradeLocker_PlaceLimitOrderUnknownSymbol(t *testing.T) {
	fake, client, account := newFake(t)

	_, err := client.PlaceLimitOrder(context.Background(), testToken(account), LimitOrder{
		Symbol: "XAUUSD",
		Side:   types.SideBuy,
		Lot:    decimal.RequireFromString("1"),
		Price:  decimal.RequireFromString("2300"),
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Zero(t, atomic.LoadInt32(&fake.orderCalls))
}

func TestTradeLocker_PlaceLimitOrderNotRetriedOn429(t *testing.T) {
	fake, client, account := newFake(t)
	fake.throttleOrders = true

	_, err := client.PlaceLimitOrder(context.Background(), testToken(account), LimitOrder{
		Symbol: "EURUSD",
		Side:   types.SideBuy,
		Lot:    decimal.RequireFromString("1"),
		Price:  decimal.RequireFromString("1.1"),
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.orderCalls))
}

func TestTradeLocker_GetPositionRetriesOn429(t *testing.T) {
	fake, client, account := newFake(t)
	fake.throttleFirst = 2
	fake.positions = []map[string]interface{}{
		{"id": "777", "side": "buy", "qty": "0.01", "avgPrice": "1.085", "unrealizedPl": "12.5"},
	}

	pos, err := client.GetPosition(context.Background(), testToken(account), "777")
	require.NoError(t, err)
	assert.True(t, pos.Open)
	assert.Equal(t, types.SideBuy, pos.Side)
	assert.True(t, decimal.RequireFromString("12.5").Equal(pos.UnrealizedPnL))
	assert.Equal(t, int32(3), atomic.LoadInt32(&fake.positionCalls))
}

func TestTradeLocker_GetPositionGone(t *testing.T) {
	_, client, account := newFake(t)

	pos, err := client.GetPosition(context.Background(), testToken(account), "777")
	require.NoError(t, err)
	assert.False(t, pos.Open)
}

func TestTradeLocker_ClosePosition(t *testing.T) {
	fake, client, account := newFake(t)
	fake.positions = []map[string]interface{}{
		{"id": "777", "side": "sell", "qty": "1", "avgPrice": "1.1", "unrealizedPl": "-3.25"},
	}

	pnl, err := client.ClosePosition(context.Background(), testToken(account), "777")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("-3.25").Equal(pnl))
}

func TestTradeLocker_ClosePositionNotFoundButGone(t *testing.T) {
	fake, client, account := newFake(t)
	fake.closeStatus = http.StatusNotFound
	fake.positions = []map[string]interface{}{
		{"id": "777", "side": "buy", "qty": "1", "avgPrice": "1.1", "unrealizedPl": "4"},
	}

	pnl, err := client.ClosePosition(context.Background(), testToken(account), "777")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4).Equal(pnl))
}

func TestTradeLocker_CancelOrderNotFound(t *testing.T) {
	_, client, account := newFake(t)

	err := client.CancelOrder(context.Background(), testToken(account), "9001")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestTradeLocker_GetOrderFromHistory(t *testing.T) {
	_, client, account := newFake(t)

	st, err := client.GetOrder(context.Background(), testToken(account), "9001")
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
	assert.Equal(t, "777", st.PositionID)

	st, err = client.GetOrder(context.Background(), testToken(account), "1")
	require.NoError(t, err)
	assert.Equal(t, OrderUnknown, st.State)
}

func TestTradeLocker_Ping(t *testing.T) {
	_, client, account := newFake(t)

	require.NoError(t, client.Ping(context.Background(), testToken(account)))

	tok := testToken(account)
	tok.AccessToken = ""
	err := client.Ping(context.Background(), tok)
	assert.True(t, IsAuth(err))
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindTransient},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, kindForStatus(tt.status))
		})
	}
}

func TestTransportErrorTimeout(t *testing.T) {
	err := transportError(context.DeadlineExceeded)
	assert.Equal(t, "timeout", err.Code)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
