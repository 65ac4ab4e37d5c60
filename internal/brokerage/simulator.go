package brokerage

import (
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/signal-relay/internal/accounts"
)

// Compile-time interface check.
var _ Client = (*Simulator)(nil)

// Operation names used to script failures and count calls on the Simulator
const (
	OpAuthenticate  = "authenticate"
	OpRefresh       = "refresh"
	OpPlaceOrder    = "place_order"
	OpCancelOrder   = "cancel_order"
	OpClosePosition = "close_position"
	OpGetPosition   = "get_position"
	OpGetOrder      = "get_order"
	OpPing          = "ping"
)

// SimulatorOptions configures the Simulator
type SimulatorOptions struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	// AuthDelay is added to every login, on top of the latency.
	AuthDelay time.Duration
	// SuccessRate is the probability an order placement succeeds. Zero means 1.
	SuccessRate float64
	TokenTTL    time.Duration
	// AutoFill fills every order as soon as it is placed.
	AutoFill bool
}

// Simulator is an in-memory brokerage. It backs BROKER_MODE=simulator and the
// test suites.
type Simulator struct {
	opts       SimulatorOptions
	signingKey []byte

	mu        sync.Mutex
	nextID    int64
	tokens    map[string]string // account -> current access token
	orders    map[string]*simOrder
	positions map[string]*simPosition
	failures  map[string][]error // account:op -> queued errors

	callsMu sync.Mutex
	calls   map[string]*int64
}

type simOrder struct {
	account    string
	state      OrderState
	order      LimitOrder
	positionID string
}

type simPosition struct {
	account string
	open    bool
	order   LimitOrder
	pnl     decimal.Decimal
}

// NewSimulator creates a Simulator
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.TokenTTL == 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	key := make([]byte, 32)
	_, _ = rand.Read(key)

	return &Simulator{
		opts:       opts,
		signingKey: key,
		nextID:     1000,
		tokens:     make(map[string]string),
		orders:     make(map[string]*simOrder),
		positions:  make(map[string]*simPosition),
		failures:   make(map[string][]error),
		calls:      make(map[string]*int64),
	}
}

// FailNext queues err to be returned by the next call of op for account.
// Queued errors are consumed in order.
func (s *Simulator) FailNext(account, op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := account + ":" + op
	s.failures[key] = append(s.failures[key], err)
}

// Calls returns how many times op was invoked
func (s *Simulator) Calls(op string) int {
	return int(atomic.LoadInt64(s.counter(op)))
}

// RevokeTokens makes the account's current access token invalid, as if it
// had expired early at the brokerage.
func (s *Simulator) RevokeTokens(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[account] = ""
}

// Fill fills a pending order and opens its position
func (s *Simulator) Fill(orderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fillLocked(orderID)
}

// Reject marks a pending order as rejected by the brokerage
func (s *Simulator) Reject(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if o.state != OrderPending {
		return fmt.Errorf("order %s is %s", orderID, o.state)
	}
	o.state = OrderRejected
	return nil
}

// SetPnL sets the unrealized P&L reported for a position
func (s *Simulator) SetPnL(positionID string, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[positionID]; ok {
		p.pnl = pnl
	}
}

// ClosePositionExternally closes a position outside the relay, e.g. when the
// stop loss is hit.
func (s *Simulator) ClosePositionExternally(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[positionID]; ok {
		p.open = false
	}
}

// OpenPositions returns the ids of the account's open positions
func (s *Simulator) OpenPositions(account string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, p := range s.positions {
		if p.account == account && p.open {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Simulator) Authenticate(ctx context.Context, account accounts.Account) (Credentials, error) {
	s.count(OpAuthenticate)
	if err := s.sleep(ctx, s.opts.AuthDelay); err != nil {
		return Credentials{}, transportError(err)
	}
	if err := s.enter(ctx, account.Name, OpAuthenticate); err != nil {
		return Credentials{}, err
	}
	if account.Username == "" || account.Password == "" {
		return Credentials{}, &Error{Kind: KindAuth, Code: "invalid_credentials", Status: 401, Message: "invalid credentials"}
	}
	return s.issue(account.Name)
}

func (s *Simulator) RefreshToken(ctx context.Context, account accounts.Account, refreshToken string) (Credentials, error) {
	s.count(OpRefresh)
	if err := s.enter(ctx, account.Name, OpRefresh); err != nil {
		return Credentials{}, err
	}
	if refreshToken == "" {
		return Credentials{}, &Error{Kind: KindAuth, Code: "invalid_refresh_token", Status: 401, Message: "missing refresh token"}
	}
	return s.issue(account.Name)
}

// issue signs a fresh access token. ExpiresAt is left for the caller to
// decode from the JWT, as with the real API.
func (s *Simulator) issue(account string) (Credentials, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("sign token: %w", err)
	}

	s.mu.Lock()
	s.tokens[account] = access
	s.mu.Unlock()

	return Credentials{
		AccessToken:  access,
		RefreshToken: uuid.NewString(),
		AccountID:    "sim-" + account,
		AccNum:       "1",
	}, nil
}

func (s *Simulator) PlaceLimitOrder(ctx context.Context, tok Token, order LimitOrder) (string, error) {
	s.count(OpPlaceOrder)
	if err := s.enter(ctx, tok.Account, OpPlaceOrder); err != nil {
		return "", err
	}
	if err := s.checkToken(tok); err != nil {
		return "", err
	}
	if order.Symbol == "" {
		return "", validationError("symbol is required")
	}
	if !order.Lot.IsPositive() || !order.Price.IsPositive() {
		return "", validationError("lot and price must be positive")
	}

	logger := log.With().
		Str("account", tok.Account).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("lot", order.Lot.String()).
		Str("price", order.Price.String()).
		Logger()

	if rate := s.opts.SuccessRate; rate > 0 && mrand.Float64() > rate {
		logger.Warn().Float64("success_rate", rate).Msg("simulated order rejection")
		return "", validationError("order rejected by simulator")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("%d", s.nextID)
	s.orders[id] = &simOrder{account: tok.Account, state: OrderPending, order: order}
	if s.opts.AutoFill {
		if _, err := s.fillLocked(id); err != nil {
			return "", err
		}
	}

	logger.Info().Str("order_id", id).Msg("simulated order placed")
	return id, nil
}

func (s *Simulator) CancelOrder(ctx context.Context, tok Token, orderID string) error {
	s.count(OpCancelOrder)
	if err := s.enter(ctx, tok.Account, OpCancelOrder); err != nil {
		return err
	}
	if err := s.checkToken(tok); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.account != tok.Account {
		return &Error{Kind: KindNotFound, Code: "order_not_found", Status: 404, Message: "order " + orderID + " not found"}
	}
	if o.state != OrderPending {
		return validationError("order %s is %s", orderID, o.state)
	}
	o.state = OrderCancelled
	return nil
}

func (s *Simulator) ClosePosition(ctx context.Context, tok Token, positionID string) (decimal.Decimal, error) {
	s.count(OpClosePosition)
	if err := s.enter(ctx, tok.Account, OpClosePosition); err != nil {
		return decimal.Zero, err
	}
	if err := s.checkToken(tok); err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok || p.account != tok.Account || !p.open {
		return decimal.Zero, &Error{Kind: KindNotFound, Code: "position_not_found", Status: 404, Message: "position " + positionID + " not found"}
	}
	p.open = false
	return p.pnl, nil
}

func (s *Simulator) GetPosition(ctx context.Context, tok Token, positionID string) (PositionStatus, error) {
	s.count(OpGetPosition)
	if err := s.enter(ctx, tok.Account, OpGetPosition); err != nil {
		return PositionStatus{}, err
	}
	if err := s.checkToken(tok); err != nil {
		return PositionStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok || p.account != tok.Account || !p.open {
		return PositionStatus{PositionID: positionID}, nil
	}
	return PositionStatus{
		PositionID:    positionID,
		Open:          true,
		Side:          p.order.Side,
		Qty:           p.order.Lot,
		OpenPrice:     p.order.Price,
		UnrealizedPnL: p.pnl,
	}, nil
}

func (s *Simulator) GetOrder(ctx context.Context, tok Token, orderID string) (OrderStatus, error) {
	s.count(OpGetOrder)
	if err := s.enter(ctx, tok.Account, OpGetOrder); err != nil {
		return OrderStatus{}, err
	}
	if err := s.checkToken(tok); err != nil {
		return OrderStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.account != tok.Account {
		return OrderStatus{OrderID: orderID, State: OrderUnknown}, nil
	}
	return OrderStatus{OrderID: orderID, State: o.state, PositionID: o.positionID}, nil
}

func (s *Simulator) Ping(ctx context.Context, tok Token) error {
	s.count(OpPing)
	if err := s.enter(ctx, tok.Account, OpPing); err != nil {
		return err
	}
	return s.checkToken(tok)
}

func (s *Simulator) fillLocked(orderID string) (string, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return "", fmt.Errorf("order %s not found", orderID)
	}
	if o.state != OrderPending {
		return "", fmt.Errorf("order %s is %s", orderID, o.state)
	}
	s.nextID++
	posID := fmt.Sprintf("%d", s.nextID)
	o.state = OrderFilled
	o.positionID = posID
	s.positions[posID] = &simPosition{account: o.account, open: true, order: o.order}
	return posID, nil
}

// enter simulates latency and pops a scripted failure, if any
func (s *Simulator) enter(ctx context.Context, account, op string) error {
	latency := s.opts.MinLatency
	if spread := s.opts.MaxLatency - s.opts.MinLatency; spread > 0 {
		latency += time.Duration(mrand.Int63n(int64(spread)))
	}
	if err := s.sleep(ctx, latency); err != nil {
		return transportError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := account + ":" + op
	queue := s.failures[key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	if len(queue) == 1 {
		delete(s.failures, key)
	} else {
		s.failures[key] = queue[1:]
	}
	return err
}

func (s *Simulator) checkToken(tok Token) error {
	s.mu.Lock()
	current, ok := s.tokens[tok.Account]
	s.mu.Unlock()
	if !ok || current == "" || current != tok.AccessToken {
		return &Error{Kind: KindAuth, Code: "invalid_token", Status: 401, Message: "access token rejected"}
	}
	return nil
}

func (s *Simulator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) count(op string) {
	atomic.AddInt64(s.counter(op), 1)
}

func (s *Simulator) counter(op string) *int64 {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	c, ok := s.calls[op]
	if !ok {
		c = new(int64)
		s.calls[op] = c
	}
	return c
}
