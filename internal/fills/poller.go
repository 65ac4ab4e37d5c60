// Package fills reconciles stored trades with the brokerage: pending orders
// that filled become OPEN and positions closed at the brokerage become CLOSED.
package fills

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/brokerage"
	"github.com/ksred/signal-relay/internal/trades"
)

var errStale = errors.New("record changed since it was read")

// Sessions hands out valid tokens and learns about rejected ones
type Sessions interface {
	GetValidToken(ctx context.Context, name string) (brokerage.Token, error)
	ReportAuthFailure(name string)
}

// Store is the part of the trade store the poller uses
type Store interface {
	Get(ctx context.Context, tradeID string) ([]trades.TradeRecord, error)
	ListByState(ctx context.Context, states ...trades.State) ([]trades.TradeRecord, error)
	Update(ctx context.Context, tradeID, account string, fn func(*trades.TradeRecord) error) (*trades.TradeRecord, error)
}

// Change is one state change applied by a reconciliation
type Change struct {
	TradeID string       `json:"trade_id"`
	Account string       `json:"account"`
	From    trades.State `json:"from"`
	To      trades.State `json:"to"`
	Detail  string       `json:"detail,omitempty"`
}

// Report summarizes a reconciliation pass
type Report struct {
	Checked int      `json:"checked"`
	Changes []Change `json:"changes"`
	Errors  []string `json:"errors,omitempty"`
}

// Poller periodically reconciles active trade records
type Poller struct {
	store       Store
	registry    *accounts.Registry
	sessions    Sessions
	client      brokerage.Client
	interval    time.Duration
	callTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger

	mu      sync.Mutex
	lastPnL map[string]decimal.Decimal // trade id + account -> last unrealized P&L
}

// NewPoller creates a Poller. An interval of zero disables the loop but
// keeps on-demand reconciliation.
func NewPoller(store Store, registry *accounts.Registry, sessions Sessions, client brokerage.Client, interval, callTimeout time.Duration) *Poller {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Poller{
		store:       store,
		registry:    registry,
		sessions:    sessions,
		client:      client,
		interval:    interval,
		callTimeout: callTimeout,
		now:         time.Now,
		logger:      log.With().Str("component", "fill_poller").Logger(),
		lastPnL:     make(map[string]decimal.Decimal),
	}
}

// Start begins the reconciliation loop
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Info().Msg("fill polling disabled")
		return
	}
	p.logger.Info().Dur("interval", p.interval).Msg("starting fill poller")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("shutting down fill poller")
			return
		case <-ticker.C:
			report, err := p.ReconcileOnce(ctx)
			if err != nil {
				p.logger.Error().Err(err).Msg("failed to reconcile active trades")
				continue
			}
			if len(report.Changes) > 0 || len(report.Errors) > 0 {
				p.logger.Info().
					Int("checked", report.Checked).
					Int("changes", len(report.Changes)).
					Int("errors", len(report.Errors)).
					Msg("reconciliation pass complete")
			}
		}
	}
}

// ReconcileOnce checks every PENDING and OPEN record
func (p *Poller) ReconcileOnce(ctx context.Context) (Report, error) {
	recs, err := p.store.ListByState(ctx, trades.StatePending, trades.StateOpen)
	if err != nil {
		return Report{}, err
	}
	p.keepOnly(recs)
	return p.reconcile(ctx, recs), nil
}

// ReconcileTrade checks the active records of one trade id
func (p *Poller) ReconcileTrade(ctx context.Context, tradeID string) (Report, error) {
	recs, err := p.store.Get(ctx, tradeID)
	if err != nil {
		return Report{}, err
	}
	if len(recs) == 0 {
		return Report{}, trades.ErrTradeNotFound
	}
	active := recs[:0]
	p.mu.Lock()
	for _, r := range recs {
		if r.State != trades.StateOpen {
			delete(p.lastPnL, pnlKey(r))
		}
		if r.Active() {
			active = append(active, r)
		}
	}
	p.mu.Unlock()
	return p.reconcile(ctx, active), nil
}

// keepOnly drops the remembered P&L of every position that is not OPEN in
// recs. Positions closed by an EXIT never reach checkPosition again, so
// their entries are dropped here.
func (p *Poller) keepOnly(recs []trades.TradeRecord) {
	open := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if r.State == trades.StateOpen {
			open[pnlKey(r)] = struct{}{}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.lastPnL {
		if _, ok := open[k]; !ok {
			delete(p.lastPnL, k)
		}
	}
}

func pnlKey(rec trades.TradeRecord) string {
	return rec.TradeID + "/" + rec.AccountName
}

func (p *Poller) reconcile(ctx context.Context, recs []trades.TradeRecord) Report {
	report := Report{Changes: []Change{}}
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		logger := p.logger.With().
			Str("trade_id", rec.TradeID).
			Str("account", rec.AccountName).
			Logger()

		if _, err := p.registry.Get(rec.AccountName); err != nil {
			logger.Warn().Msg("record belongs to an account that is no longer configured")
			continue
		}

		var (
			change *Change
			err    error
		)
		switch rec.State {
		case trades.StatePending:
			change, err = p.checkOrder(ctx, rec)
		case trades.StateOpen:
			change, err = p.checkPosition(ctx, rec)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to reconcile trade")
			report.Errors = append(report.Errors, rec.AccountName+"/"+rec.TradeID+": "+err.Error())
			continue
		}
		if change != nil {
			logger.Info().
				Str("from", string(change.From)).
				Str("to", string(change.To)).
				Msg("trade reconciled")
			report.Changes = append(report.Changes, *change)
		}
	}
	return report
}

func (p *Poller) checkOrder(ctx context.Context, rec trades.TradeRecord) (*Change, error) {
	var status brokerage.OrderStatus
	err := p.call(ctx, rec.AccountName, func(callCtx context.Context, tok brokerage.Token) error {
		var err error
		status, err = p.client.GetOrder(callCtx, tok, rec.OrderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch status.State {
	case brokerage.OrderFilled:
		if status.PositionID == "" {
			return nil, nil
		}
		return p.apply(ctx, rec, trades.StatePending, "order filled", func(r *trades.TradeRecord) error {
			return r.MarkFilled(status.PositionID, p.now())
		})
	case brokerage.OrderCancelled, brokerage.OrderRejected:
		return p.apply(ctx, rec, trades.StatePending, "order "+string(status.State)+" at brokerage", func(r *trades.TradeRecord) error {
			return r.Close(trades.CloseOrderCancelled, nil, p.now())
		})
	}
	return nil, nil
}

func (p *Poller) checkPosition(ctx context.Context, rec trades.TradeRecord) (*Change, error) {
	var pos brokerage.PositionStatus
	err := p.call(ctx, rec.AccountName, func(callCtx context.Context, tok brokerage.Token) error {
		var err error
		pos, err = p.client.GetPosition(callCtx, tok, rec.PositionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	k := pnlKey(rec)
	if pos.Open {
		p.mu.Lock()
		p.lastPnL[k] = pos.UnrealizedPnL
		p.mu.Unlock()
		return nil, nil
	}

	p.mu.Lock()
	last, known := p.lastPnL[k]
	delete(p.lastPnL, k)
	p.mu.Unlock()

	return p.apply(ctx, rec, trades.StateOpen, "position closed at brokerage", func(r *trades.TradeRecord) error {
		if known {
			return r.Close(trades.ClosePositionClosed, &last, p.now())
		}
		return r.Close(trades.ClosePositionClosed, nil, p.now())
	})
}

// apply runs mutate under the record's lock, unless the record has moved on
// from the state it was read in
func (p *Poller) apply(ctx context.Context, rec trades.TradeRecord, expect trades.State, detail string, mutate func(*trades.TradeRecord) error) (*Change, error) {
	updated, err := p.store.Update(ctx, rec.TradeID, rec.AccountName, func(r *trades.TradeRecord) error {
		if r.State != expect {
			return errStale
		}
		return mutate(r)
	})
	if errors.Is(err, errStale) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Change{
		TradeID: rec.TradeID,
		Account: rec.AccountName,
		From:    expect,
		To:      updated.State,
		Detail:  detail,
	}, nil
}

func (p *Poller) call(ctx context.Context, account string, fn func(context.Context, brokerage.Token) error) error {
	tok, err := p.sessions.GetValidToken(ctx, account)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	err = fn(callCtx, tok)
	if brokerage.IsAuth(err) {
		p.sessions.ReportAuthFailure(account)
	}
	return err
}
