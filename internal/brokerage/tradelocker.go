package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/types"
)

// Compile-time interface check.
var _ Client = (*TradeLocker)(nil)

const apiPrefix = "/backend-api"

// TradeLockerOptions tunes the HTTP client
type TradeLockerOptions struct {
	// MinGap is the minimum spacing between two calls to the same endpoint
	// for the same account.
	MinGap time.Duration
	// MaxAttempts bounds retries of idempotent calls on HTTP 429.
	MaxAttempts int
	// BackoffBase is the first delay when no Retry-After header is sent.
	BackoffBase time.Duration
	HTTPClient  *http.Client
}

// TradeLocker implements Client against the TradeLocker REST API
type TradeLocker struct {
	httpClient *http.Client
	pacer      *pacer
	backoff    backoff

	mu          sync.Mutex
	instruments map[string]map[string]instrument // account -> symbol -> instrument
}

type instrument struct {
	ID      int64
	RouteID int64
}

// NewTradeLocker creates a client. Zero options get sensible defaults.
func NewTradeLocker(opts TradeLockerOptions) *TradeLocker {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 4
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = opts.MinGap
		if opts.BackoffBase == 0 {
			opts.BackoffBase = 400 * time.Millisecond
		}
	}
	return &TradeLocker{
		httpClient:  opts.HTTPClient,
		pacer:       newPacer(opts.MinGap),
		backoff:     backoff{maxAttempts: opts.MaxAttempts, baseDelay: opts.BackoffBase},
		instruments: make(map[string]map[string]instrument),
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type authResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpireDate   string `json:"expireDate"`
}

type accountsResponse struct {
	Accounts []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		AccNum string `json:"accNum"`
		Status string `json:"status"`
	} `json:"accounts"`
}

// envelope wraps every /trade response
type envelope struct {
	S      string          `json:"s"`
	ErrMsg string          `json:"errmsg"`
	D      json.RawMessage `json:"d"`
}

type apiInstrument struct {
	TradableInstrumentID int64  `json:"tradableInstrumentId"`
	Name                 string `json:"name"`
	Routes               []struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	} `json:"routes"`
}

type apiOrderRequest struct {
	TradableInstrumentID int64            `json:"tradableInstrumentId"`
	RouteID              int64            `json:"routeId,omitempty"`
	Qty                  decimal.Decimal  `json:"qty"`
	Side                 string           `json:"side"`
	Type                 string           `json:"type"`
	Price                decimal.Decimal  `json:"price"`
	Validity             string           `json:"validity"`
	StopLoss             *decimal.Decimal `json:"stopLoss,omitempty"`
	StopLossType         string           `json:"stopLossType,omitempty"`
}

type apiOrder struct {
	ID         json.Number `json:"id"`
	Status     string      `json:"status"`
	PositionID json.Number `json:"positionId"`
}

type apiPosition struct {
	ID           json.Number     `json:"id"`
	Side         string          `json:"side"`
	Qty          decimal.Decimal `json:"qty"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	UnrealizedPl decimal.Decimal `json:"unrealizedPl"`
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Authenticate logs in with the account's credentials and resolves the
// trading account id and accNum.
func (c *TradeLocker) Authenticate(ctx context.Context, account accounts.Account) (Credentials, error) {
	var resp authResponse
	req := authRequest{Email: account.Username, Password: account.Password, Server: account.Server}
	if err := c.call(ctx, callSpec{
		account:  account.Name,
		endpoint: "auth",
		method:   http.MethodPost,
		url:      account.Environment + apiPrefix + "/auth/jwt/token",
		body:     req,
	}, &resp); err != nil {
		return Credentials{}, err
	}
	if resp.AccessToken == "" {
		return Credentials{}, &Error{Kind: KindAuth, Code: "no_token", Message: "login returned no access token"}
	}

	creds := toCredentials(resp)

	var accts accountsResponse
	if err := c.call(ctx, callSpec{
		account:    account.Name,
		endpoint:   "accounts",
		method:     http.MethodGet,
		url:        account.Environment + apiPrefix + "/auth/jwt/all-accounts",
		bearer:     creds.AccessToken,
		idempotent: true,
	}, &accts); err != nil {
		return Credentials{}, err
	}
	if len(accts.Accounts) == 0 {
		return Credentials{}, &Error{Kind: KindAuth, Code: "no_accounts", Message: "login has no trading accounts"}
	}
	creds.AccountID = accts.Accounts[0].ID
	creds.AccNum = accts.Accounts[0].AccNum

	return creds, nil
}

// RefreshToken exchanges a refresh token. AccountID and AccNum are left empty;
// they do not change on refresh.
func (c *TradeLocker) RefreshToken(ctx context.Context, account accounts.Account, refreshToken string) (Credentials, error) {
	var resp authResponse
	if err := c.call(ctx, callSpec{
		account:  account.Name,
		endpoint: "auth",
		method:   http.MethodPost,
		url:      account.Environment + apiPrefix + "/auth/jwt/refresh",
		body:     map[string]string{"refreshToken": refreshToken},
	}, &resp); err != nil {
		return Credentials{}, err
	}
	if resp.AccessToken == "" {
		return Credentials{}, &Error{Kind: KindAuth, Code: "no_token", Message: "refresh returned no access token"}
	}
	return toCredentials(resp), nil
}

func toCredentials(resp authResponse) Credentials {
	creds := Credentials{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	if resp.ExpireDate != "" {
		if t, err := time.Parse(time.RFC3339, resp.ExpireDate); err == nil {
			creds.ExpiresAt = t
		}
	}
	return creds
}

// Ping lists the login's accounts
func (c *TradeLocker) Ping(ctx context.Context, tok Token) error {
	var accts accountsResponse
	return c.call(ctx, callSpec{
		account:    tok.Account,
		endpoint:   "accounts",
		method:     http.MethodGet,
		url:        tok.BaseURL + apiPrefix + "/auth/jwt/all-accounts",
		bearer:     tok.AccessToken,
		idempotent: true,
	}, &accts)
}

// ---------------------------------------------------------------------------
// Orders and positions
// ---------------------------------------------------------------------------

// PlaceLimitOrder submits a GTC limit order. It is never retried: a retried
// placement could open the trade twice.
func (c *TradeLocker) PlaceLimitOrder(ctx context.Context, tok Token, order LimitOrder) (string, error) {
	inst, err := c.instrument(ctx, tok, order.Symbol)
	if err != nil {
		return "", err
	}

	req := apiOrderRequest{
		TradableInstrumentID: inst.ID,
		RouteID:              inst.RouteID,
		Qty:                  order.Lot,
		Side:                 string(order.Side),
		Type:                 "limit",
		Price:                order.Price,
		Validity:             "GTC",
	}
	if order.StopLoss.IsPositive() {
		sl := order.StopLoss
		req.StopLoss = &sl
		req.StopLossType = "absolute"
	}

	var d struct {
		OrderID json.Number `json:"orderId"`
	}
	if err := c.trade(ctx, tok, callSpec{
		endpoint: "create_order",
		method:   http.MethodPost,
		path:     "/trade/accounts/" + tok.AccountID + "/orders",
		body:     req,
	}, &d); err != nil {
		return "", err
	}
	if d.OrderID == "" {
		return "", &Error{Kind: KindTransient, Code: "no_order_id", Message: "order placement returned no order id"}
	}
	return d.OrderID.String(), nil
}

// CancelOrder deletes a pending order
func (c *TradeLocker) CancelOrder(ctx context.Context, tok Token, orderID string) error {
	return c.trade(ctx, tok, callSpec{
		endpoint:   "delete_order",
		method:     http.MethodDelete,
		path:       "/trade/orders/" + orderID,
		idempotent: true,
	}, nil)
}

// ClosePosition reads the position's unrealized P&L, then closes it in full.
// A 404 on close counts as success when the position is gone.
func (c *TradeLocker) ClosePosition(ctx context.Context, tok Token, positionID string) (decimal.Decimal, error) {
	pos, err := c.GetPosition(ctx, tok, positionID)
	if err != nil {
		return decimal.Zero, err
	}

	err = c.trade(ctx, tok, callSpec{
		endpoint:   "close_position",
		method:     http.MethodDelete,
		path:       "/trade/positions/" + positionID,
		body:       map[string]int{"qty": 0},
		idempotent: true,
	}, nil)
	if err == nil {
		return pos.UnrealizedPnL, nil
	}
	if !IsNotFound(err) {
		return decimal.Zero, err
	}

	after, perr := c.GetPosition(ctx, tok, positionID)
	if perr != nil || after.Open {
		return decimal.Zero, err
	}
	log.Warn().
		Str("account", tok.Account).
		Str("position_id", positionID).
		Msg("position already closed at brokerage")
	return pos.UnrealizedPnL, nil
}

// GetPosition looks the position up in the account's open positions
func (c *TradeLocker) GetPosition(ctx context.Context, tok Token, positionID string) (PositionStatus, error) {
	var d struct {
		Positions []apiPosition `json:"positions"`
	}
	if err := c.trade(ctx, tok, callSpec{
		endpoint:   "positions",
		method:     http.MethodGet,
		path:       "/trade/accounts/" + tok.AccountID + "/positions",
		idempotent: true,
	}, &d); err != nil {
		return PositionStatus{}, err
	}

	for _, p := range d.Positions {
		if p.ID.String() != positionID {
			continue
		}
		side, _ := types.ParseSide(p.Side)
		return PositionStatus{
			PositionID:    positionID,
			Open:          true,
			Side:          side,
			Qty:           p.Qty,
			OpenPrice:     p.AvgPrice,
			UnrealizedPnL: p.UnrealizedPl,
		}, nil
	}
	return PositionStatus{PositionID: positionID, Open: false}, nil
}

// GetOrder checks the working orders first, then the order history
func (c *TradeLocker) GetOrder(ctx context.Context, tok Token, orderID string) (OrderStatus, error) {
	for _, list := range []struct{ endpoint, path string }{
		{"orders", "/trade/accounts/" + tok.AccountID + "/orders"},
		{"orders_history", "/trade/accounts/" + tok.AccountID + "/ordersHistory"},
	} {
		var d struct {
			Orders []apiOrder `json:"orders"`
		}
		if err := c.trade(ctx, tok, callSpec{
			endpoint:   list.endpoint,
			method:     http.MethodGet,
			path:       list.path,
			idempotent: true,
		}, &d); err != nil {
			return OrderStatus{}, err
		}
		for _, o := range d.Orders {
			if o.ID.String() == orderID {
				return OrderStatus{
					OrderID:    orderID,
					State:      orderState(o.Status),
					PositionID: o.PositionID.String(),
				}, nil
			}
		}
	}
	return OrderStatus{OrderID: orderID, State: OrderUnknown}, nil
}

func orderState(s string) OrderState {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending", "placing", "waiting":
		return OrderPending
	case "filled":
		return OrderFilled
	case "cancelled", "canceled", "expired":
		return OrderCancelled
	case "rejected", "refused":
		return OrderRejected
	}
	return OrderUnknown
}

// instrument resolves a symbol from the per-account cache, loading the
// instrument list on a miss
func (c *TradeLocker) instrument(ctx context.Context, tok Token, symbol string) (instrument, error) {
	c.mu.Lock()
	cached, ok := c.instruments[tok.Account][symbol]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	var d struct {
		Instruments []apiInstrument `json:"instruments"`
	}
	if err := c.trade(ctx, tok, callSpec{
		endpoint:   "instruments",
		method:     http.MethodGet,
		path:       "/trade/accounts/" + tok.AccountID + "/instruments",
		idempotent: true,
	}, &d); err != nil {
		return instrument{}, err
	}

	table := make(map[string]instrument, len(d.Instruments))
	for _, in := range d.Instruments {
		entry := instrument{ID: in.TradableInstrumentID}
		for _, r := range in.Routes {
			if strings.EqualFold(r.Type, "TRADE") {
				entry.RouteID = r.ID
				break
			}
		}
		table[in.Name] = entry
	}

	c.mu.Lock()
	c.instruments[tok.Account] = table
	c.mu.Unlock()

	inst, ok := table[symbol]
	if !ok {
		return instrument{}, validationError("symbol %s not found", symbol)
	}
	return inst, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

type callSpec struct {
	account    string
	endpoint   string
	method     string
	url        string
	path       string
	body       interface{}
	bearer     string
	accNum     string
	idempotent bool
}

// trade performs an authenticated /trade call and unwraps the envelope into out
func (c *TradeLocker) trade(ctx context.Context, tok Token, spec callSpec, out interface{}) error {
	spec.account = tok.Account
	spec.url = tok.BaseURL + apiPrefix + spec.path
	spec.bearer = tok.AccessToken
	spec.accNum = tok.AccNum

	var env envelope
	if err := c.call(ctx, spec, &env); err != nil {
		return err
	}
	if env.S != "" && env.S != "ok" {
		return &Error{Kind: KindValidation, Code: env.S, Message: env.ErrMsg}
	}
	if out == nil || len(env.D) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.D, out); err != nil {
		return &Error{Kind: KindTransient, Code: "decode", Message: fmt.Sprintf("decode %s response: %v", spec.endpoint, err), Err: err}
	}
	return nil
}

// call performs one request with pacing, and 429 backoff when idempotent
func (c *TradeLocker) call(ctx context.Context, spec callSpec, out interface{}) error {
	var payload []byte
	if spec.body != nil {
		var err error
		payload, err = json.Marshal(spec.body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", spec.endpoint, err)
		}
	}

	send := func() (*http.Response, error) {
		if err := c.pacer.wait(ctx, spec.account, spec.endpoint); err != nil {
			return nil, err
		}
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, spec.method, spec.url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if spec.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+spec.bearer)
		}
		if spec.accNum != "" {
			req.Header.Set("accNum", spec.accNum)
		}
		return c.httpClient.Do(req)
	}

	var (
		resp *http.Response
		err  error
	)
	if spec.idempotent {
		resp, err = c.backoff.do(ctx, spec.account, spec.endpoint, send)
	} else {
		resp, err = send()
	}
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, truncate(string(data), 512))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindTransient, Code: "decode", Message: fmt.Sprintf("decode %s response: %v", spec.endpoint, err), Err: err}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(" + strconv.Itoa(len(s)-n) + " more bytes)"
}
