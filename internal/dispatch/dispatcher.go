// Package dispatch fans a normalized trade signal out to every configured
// account and records the per-account outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/brokerage"
	"github.com/ksred/signal-relay/internal/notify"
	"github.com/ksred/signal-relay/internal/trades"
	"github.com/ksred/signal-relay/internal/types"
)

var errAlreadyClosed = errors.New("trade already closed")

// Sessions hands out valid tokens and learns about rejected ones
type Sessions interface {
	GetValidToken(ctx context.Context, name string) (brokerage.Token, error)
	ReportAuthFailure(name string)
}

// Store is the part of the trade store the dispatcher uses
type Store interface {
	Exists(ctx context.Context, tradeID, account string) (bool, error)
	Append(ctx context.Context, rec *trades.TradeRecord) error
	Update(ctx context.Context, tradeID, account string, fn func(*trades.TradeRecord) error) (*trades.TradeRecord, error)
	FindActive(ctx context.Context, account, tradeID string) (*trades.TradeRecord, error)
	FindActiveByMatch(ctx context.Context, account, symbol string, side types.Side, lot decimal.Decimal) (*trades.TradeRecord, error)
}

// Options tunes the Dispatcher
type Options struct {
	// CallTimeout bounds every single brokerage call.
	CallTimeout time.Duration
	// DispatchTimeout bounds the whole fan-out.
	DispatchTimeout time.Duration
	// StoreTimeout bounds the append of a new record, which outlives the
	// fan-out deadline.
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
	Now           func() time.Time
}

// Dispatcher fans signals out across accounts
type Dispatcher struct {
	registry *accounts.Registry
	sessions Sessions
	client   brokerage.Client
	store    Store
	notifier notify.Notifier
	opts     Options
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher. A nil notifier disables notifications.
func NewDispatcher(registry *accounts.Registry, sessions Sessions, client brokerage.Client, store Store, notifier notify.Notifier, opts Options) *Dispatcher {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.DispatchTimeout == 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.StoreTimeout == 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.NotifyTimeout == 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		registry: registry,
		sessions: sessions,
		client:   client,
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   log.With().Str("component", "dispatcher").Logger(),
	}
}

type indexed struct {
	i       int
	outcome Outcome
}

// Dispatch applies sig to every account concurrently. It returns once every
// account has finished or the dispatch deadline has passed. The error is
// only for failures of the whole request.
func (d *Dispatcher) Dispatch(ctx context.Context, sig types.TradeSignal) (Result, error) {
	if d.registry == nil || d.registry.Len() == 0 {
		return Result{}, accounts.ErrNoAccounts
	}

	result := Result{
		DispatchID: uuid.New().String(),
		Kind:       sig.Kind,
		TradeID:    sig.TradeID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		StartedAt:  d.opts.Now(),
	}
	logger := d.logger.With().
		Str("dispatch_id", result.DispatchID).
		Str("kind", string(sig.Kind)).
		Str("trade_id", sig.TradeID).
		Str("symbol", sig.Symbol).
		Logger()

	list := d.registry.List()
	logger.Info().Int("accounts", len(list)).Msg("dispatching signal")

	fanCtx, cancel := context.WithTimeout(ctx, d.opts.DispatchTimeout)
	defer cancel()

	// Results arriving after the collector gave up are only logged. mu
	// orders every send against the collector closing its books.
	var (
		mu     sync.Mutex
		closed bool
	)
	done := make(chan indexed, len(list))
	for i, acct := range list {
		go func(i int, acct accounts.Account) {
			alog := logger.With().Str("account", acct.Name).Logger()
			var out Outcome
			switch sig.Kind {
			case types.SignalEntry:
				out = d.entry(fanCtx, alog, result.DispatchID, acct.Name, sig)
			case types.SignalExit:
				out = d.exit(fanCtx, alog, acct.Name, sig)
			default:
				out = Outcome{Account: acct.Name, Status: StatusFailed, Action: ActionNone, Detail: "unknown signal kind", ErrorKind: KindInternal}
			}
			mu.Lock()
			defer mu.Unlock()
			if closed {
				alog.Warn().
					Str("status", string(out.Status)).
					Str("action", out.Action).
					Str("order_id", out.OrderID).
					Str("detail", out.Detail).
					Msg("account finished after the dispatch deadline; it was reported as timed out")
				return
			}
			done <- indexed{i: i, outcome: out}
		}(i, acct)
	}

	outcomes := make([]Outcome, len(list))
	finished := make([]bool, len(list))
collect:
	for pending := len(list); pending > 0; pending-- {
		select {
		case r := <-done:
			outcomes[r.i] = r.outcome
			finished[r.i] = true
		case <-fanCtx.Done():
			break collect
		}
	}
	// Drain anything that finished at the same instant as the deadline.
	mu.Lock()
	closed = true
	for drained := false; !drained; {
		select {
		case r := <-done:
			outcomes[r.i] = r.outcome
			finished[r.i] = true
		default:
			drained = true
		}
	}
	mu.Unlock()
	for i, acct := range list {
		if !finished[i] {
			outcomes[i] = Outcome{
				Account:   acct.Name,
				Status:    StatusFailed,
				Action:    actionFor(sig.Kind),
				Detail:    "dispatch deadline exceeded; the account may still complete",
				ErrorKind: KindTimeout,
				Unsettled: true,
			}
			logger.Error().Str("account", acct.Name).Msg("account did not finish before the dispatch deadline")
		}
	}

	result.Outcomes = outcomes
	result.Summary = summarize(outcomes)
	result.FinishedAt = d.opts.Now()

	logger.Info().
		Int("succeeded", result.Summary.Succeeded).
		Int("failed", result.Summary.Failed).
		Int("skipped", result.Summary.Skipped).
		Dur("elapsed", result.FinishedAt.Sub(result.StartedAt)).
		Msg("dispatch complete")

	go d.notify(result)
	return result, nil
}

func actionFor(kind types.SignalKind) string {
	if kind == types.SignalEntry {
		return ActionPlaceOrder
	}
	return ActionNone
}

func (d *Dispatcher) notify(result Result) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.NotifyTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, result.Message()); err != nil {
		d.logger.Warn().Err(err).Str("dispatch_id", result.DispatchID).Msg("failed to send dispatch summary")
	}
}

// entry places the limit order on one account and records it as PENDING
func (d *Dispatcher) entry(ctx context.Context, logger zerolog.Logger, dispatchID, account string, sig types.TradeSignal) Outcome {
	out := Outcome{Account: account, Action: ActionPlaceOrder}

	exists, err := d.store.Exists(ctx, sig.TradeID, account)
	if err != nil {
		return d.fail(logger, out, err)
	}
	if exists {
		logger.Warn().Msg("trade already recorded for account, skipping entry")
		out.Status = StatusSkipped
		out.Action = ActionNone
		out.Detail = "duplicate: trade already recorded for account"
		return out
	}

	order := brokerage.LimitOrder{
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Lot:      sig.LotSize,
		Price:    sig.EntryPrice,
		StopLoss: sig.StopLoss,
	}
	var orderID string
	err = d.withToken(ctx, account, func(callCtx context.Context, tok brokerage.Token) error {
		var err error
		orderID, err = d.client.PlaceLimitOrder(callCtx, tok, order)
		return err
	})
	if err != nil {
		return d.fail(logger, out, err)
	}
	out.OrderID = orderID

	rec := &trades.TradeRecord{
		TradeID:     sig.TradeID,
		AccountName: account,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		LotSize:     sig.LotSize,
		EntryPrice:  sig.EntryPrice,
		OrderID:     orderID,
		State:       trades.StatePending,
		OpenedAt:    d.opts.Now(),
		Metadata:    metadata(dispatchID, sig),
	}
	if sig.HasStopLoss() {
		rec.StopLoss = decimal.NewNullDecimal(sig.StopLoss)
	}

	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()
	out.Status = StatusSucceeded
	if err := d.store.Append(storeCtx, rec); err != nil {
		logger.Error().
			Err(err).
			Str("order_id", orderID).
			Msg("order placed but trade record could not be written")
		out.StoreInconsistent = true
		out.Detail = "limit order placed; trade record not written: " + err.Error()
		return out
	}

	logger.Info().Str("order_id", orderID).Msg("limit order placed")
	out.Detail = "limit order placed"
	return out
}

// exit cancels the pending order or closes the open position of one account
func (d *Dispatcher) exit(ctx context.Context, logger zerolog.Logger, account string, sig types.TradeSignal) Outcome {
	out := Outcome{Account: account, Action: ActionNone}

	var (
		rec *trades.TradeRecord
		err error
	)
	if sig.TradeID != "" {
		rec, err = d.store.FindActive(ctx, account, sig.TradeID)
	} else {
		rec, err = d.store.FindActiveByMatch(ctx, account, sig.Symbol, sig.Side, sig.LotSize)
	}
	if errors.Is(err, trades.ErrTradeNotFound) {
		logger.Warn().Msg("no active trade for account, skipping exit")
		out.Status = StatusSkipped
		out.Detail = "no active trade for account"
		return out
	}
	if err != nil {
		return d.fail(logger, out, err)
	}
	logger = logger.With().Str("trade_id", rec.TradeID).Logger()

	var (
		brokerDone bool
		pnl        *decimal.Decimal
	)
	// Update bounds its own load and save, so the brokerage calls inside
	// the mutator do not eat into the time left for writing the record.
	updated, err := d.store.Update(ctx, rec.TradeID, account, func(r *trades.TradeRecord) error {
		out.OrderID = r.OrderID
		out.PositionID = r.PositionID

		if r.State == trades.StatePending {
			out.Action = ActionCancelOrder
			status, err := d.cancelPending(ctx, account, r)
			if err != nil {
				return err
			}
			if status.State != brokerage.OrderFilled {
				brokerDone = true
				return r.Close(trades.CloseOrderCancelled, nil, d.opts.Now())
			}
			// Filled since the last poll: close the position instead.
			if err := r.MarkFilled(status.PositionID, d.opts.Now()); err != nil {
				return err
			}
			out.PositionID = status.PositionID
		}

		if r.State != trades.StateOpen {
			return errAlreadyClosed
		}

		out.Action = ActionClosePosition
		realized, gone, err := d.closeOpen(ctx, account, r.PositionID)
		if err != nil {
			return err
		}
		brokerDone = true
		if !gone {
			pnl = &realized
		}
		return r.Close(trades.ClosePositionClosed, pnl, d.opts.Now())
	})

	switch {
	case errors.Is(err, errAlreadyClosed):
		out.Status = StatusSkipped
		out.Action = ActionNone
		out.Detail = "trade already closed"
		return out
	case err != nil && brokerDone:
		logger.Error().Err(err).Msg("exit executed at brokerage but trade record could not be updated")
		out.Status = StatusSucceeded
		out.StoreInconsistent = true
		out.RealizedPnL = pnl
		out.Detail = out.Action + " done; trade record not updated: " + err.Error()
		return out
	case err != nil:
		return d.fail(logger, out, err)
	}

	out.Status = StatusSucceeded
	out.RealizedPnL = pnl
	if updated.CloseMethod != nil && *updated.CloseMethod == trades.CloseOrderCancelled {
		out.Detail = "pending order cancelled"
	} else {
		out.Detail = "position closed"
		if pnl == nil {
			out.Detail = "position already closed at brokerage"
		}
	}
	logger.Info().Str("action", out.Action).Msg("exit applied")
	return out
}

// cancelPending cancels the record's order. When the brokerage says the
// order is no longer pending it reports the order's actual state, so a fill
// that happened since the last poll can be closed instead.
func (d *Dispatcher) cancelPending(ctx context.Context, account string, r *trades.TradeRecord) (brokerage.OrderStatus, error) {
	err := d.withToken(ctx, account, func(callCtx context.Context, tok brokerage.Token) error {
		return d.client.CancelOrder(callCtx, tok, r.OrderID)
	})
	if err == nil {
		return brokerage.OrderStatus{OrderID: r.OrderID, State: brokerage.OrderCancelled}, nil
	}
	if !brokerage.IsNotFound(err) && !brokerage.IsValidation(err) {
		return brokerage.OrderStatus{}, err
	}

	var status brokerage.OrderStatus
	serr := d.withToken(ctx, account, func(callCtx context.Context, tok brokerage.Token) error {
		var err error
		status, err = d.client.GetOrder(callCtx, tok, r.OrderID)
		return err
	})
	if serr != nil {
		return brokerage.OrderStatus{}, err
	}
	switch status.State {
	case brokerage.OrderCancelled, brokerage.OrderRejected:
		return status, nil
	case brokerage.OrderFilled:
		if status.PositionID != "" {
			return status, nil
		}
	}
	return brokerage.OrderStatus{}, err
}

// closeOpen closes a position. gone is true when the brokerage no longer
// has it, in which case the P&L is unknown.
func (d *Dispatcher) closeOpen(ctx context.Context, account, positionID string) (decimal.Decimal, bool, error) {
	var pnl decimal.Decimal
	err := d.withToken(ctx, account, func(callCtx context.Context, tok brokerage.Token) error {
		var err error
		pnl, err = d.client.ClosePosition(callCtx, tok, positionID)
		return err
	})
	if brokerage.IsNotFound(err) {
		return decimal.Zero, true, nil
	}
	return pnl, false, err
}

// withToken runs fn with a valid token and a per-call timeout. A rejected
// token invalidates the session and fn is retried once with a fresh one.
func (d *Dispatcher) withToken(ctx context.Context, account string, fn func(context.Context, brokerage.Token) error) error {
	call := func() error {
		tok, err := d.sessions.GetValidToken(ctx, account)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
		defer cancel()
		return fn(callCtx, tok)
	}

	err := call()
	if !brokerage.IsAuth(err) {
		return err
	}
	d.logger.Warn().Str("account", account).Err(err).Msg("token rejected by brokerage, re-authenticating")
	d.sessions.ReportAuthFailure(account)
	return call()
}

func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.opts.StoreTimeout)
}

func (d *Dispatcher) fail(logger zerolog.Logger, out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.ErrorKind = errorKind(err)
	out.Detail = err.Error()
	logger.Error().Err(err).Str("action", out.Action).Str("error_kind", out.ErrorKind).Msg("account dispatch failed")
	return out
}

func metadata(dispatchID string, sig types.TradeSignal) datatypes.JSON {
	data, err := json.Marshal(map[string]string{
		"dispatch_id": dispatchID,
		"signal_kind": string(sig.Kind),
		"description": sig.Description,
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
