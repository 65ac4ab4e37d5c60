// Package facade serves the read side of the relay: health, stored trades,
// connectivity checks and the operator debug operations.
package facade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/fills"
	"github.com/ksred/signal-relay/internal/session"
	"github.com/ksred/signal-relay/internal/trades"
)

// Sessions is the session manager surface used here
type Sessions interface {
	Info(name string) (session.Info, error)
	InfoAll() []session.Info
	HealthyCount() int
	Check(ctx context.Context, name string) session.CheckResult
	Invalidate(name string) error
	Reauth(ctx context.Context, name string) (session.ReauthResult, error)
}

// Store is the read side of the trade store
type Store interface {
	Get(ctx context.Context, tradeID string) ([]trades.TradeRecord, error)
	List(ctx context.Context, f trades.Filter) ([]trades.TradeRecord, error)
	Stats(ctx context.Context) (trades.Stats, error)
}

// Reconciler syncs one trade with the brokerage
type Reconciler interface {
	ReconcileTrade(ctx context.Context, tradeID string) (fills.Report, error)
}

// Service answers the query and debug operations
type Service struct {
	registry   *accounts.Registry
	sessions   Sessions
	store      Store
	reconciler Reconciler
	version    string
	dbFile     string
	started    time.Time
	now        func() time.Time
}

// NewService creates a facade service
func NewService(registry *accounts.Registry, sessions Sessions, store Store, reconciler Reconciler, version, dbFile string) *Service {
	return &Service{
		registry:   registry,
		sessions:   sessions,
		store:      store,
		reconciler: reconciler,
		version:    version,
		dbFile:     dbFile,
		started:    time.Now(),
		now:        time.Now,
	}
}

// Health is the GET / payload
type Health struct {
	Status          string       `json:"status"`
	Version         string       `json:"version"`
	Timestamp       time.Time    `json:"timestamp"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	AccountsTotal   int          `json:"accounts_total"`
	AccountsHealthy int          `json:"accounts_healthy"`
	Accounts        []string     `json:"accounts"`
	DatabaseFile    string       `json:"database_file"`
	Trades          trades.Stats `json:"trades"`
}

// Health reports service status. A failing store degrades the status
// instead of failing the call.
func (s *Service) Health(ctx context.Context) Health {
	now := s.now()
	h := Health{
		Status:          "ok",
		Version:         s.version,
		Timestamp:       now.UTC(),
		UptimeSeconds:   int64(now.Sub(s.started) / time.Second),
		AccountsTotal:   s.registry.Len(),
		AccountsHealthy: s.sessions.HealthyCount(),
		Accounts:        s.registry.Names(),
		DatabaseFile:    s.dbFile,
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		h.Status = "degraded"
		return h
	}
	h.Trades = stats
	return h
}

// TradeList is a set of records with a per-state count
type TradeList struct {
	Count   int                  `json:"count"`
	Summary map[trades.State]int `json:"summary"`
	Trades  []trades.TradeRecord `json:"trades"`
}

func newTradeList(recs []trades.TradeRecord) TradeList {
	if recs == nil {
		recs = []trades.TradeRecord{}
	}
	summary := make(map[trades.State]int)
	for _, r := range recs {
		summary[r.State]++
	}
	return TradeList{Count: len(recs), Summary: summary, Trades: recs}
}

// ParseState accepts a state in any case
func ParseState(s string) (trades.State, error) {
	switch st := trades.State(strings.ToUpper(strings.TrimSpace(s))); st {
	case "", trades.StatePending, trades.StateOpen, trades.StateClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// ListTrades returns stored records matching the filter
func (s *Service) ListTrades(ctx context.Context, f trades.Filter) (TradeList, error) {
	recs, err := s.store.List(ctx, f)
	if err != nil {
		return TradeList{}, err
	}
	return newTradeList(recs), nil
}

// GetTrade returns every account's record for a trade id
func (s *Service) GetTrade(ctx context.Context, tradeID string) (TradeList, error) {
	recs, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return TradeList{}, err
	}
	if len(recs) == 0 {
		return TradeList{}, fmt.Errorf("%w: %s", trades.ErrTradeNotFound, tradeID)
	}
	return newTradeList(recs), nil
}

// TestReport is the result of checking every account
type TestReport struct {
	Total   int                   `json:"total"`
	Passed  int                   `json:"passed"`
	Results []session.CheckResult `json:"results"`
}

// TestAccounts checks every account concurrently. Results follow registry
// order.
func (s *Service) TestAccounts(ctx context.Context) TestReport {
	names := s.registry.Names()
	results := make([]session.CheckResult, len(names))

	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = s.sessions.Check(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	report := TestReport{Total: len(results), Results: results}
	for _, r := range results {
		if r.OK {
			report.Passed++
		}
	}
	return report
}

// AccountDebug pairs an account with its session state
type AccountDebug struct {
	Account accounts.Public `json:"account"`
	Session session.Info    `json:"session"`
}

// DebugList lists accounts with masked session info
func (s *Service) DebugList() []AccountDebug {
	infos := s.sessions.InfoAll()
	list := s.registry.List()
	out := make([]AccountDebug, 0, len(list))
	for i, a := range list {
		d := AccountDebug{Account: a.Public()}
		if i < len(infos) {
			d.Session = infos[i]
		}
		out = append(out, d)
	}
	return out
}

// Token returns the masked session of one account
func (s *Service) Token(name string) (session.Info, error) {
	return s.sessions.Info(name)
}

// Invalidate forces a new login on the account's next use
func (s *Service) Invalidate(name string) (session.Info, error) {
	if err := s.sessions.Invalidate(name); err != nil {
		return session.Info{}, err
	}
	return s.sessions.Info(name)
}

// Reauth logs the account in again right away
func (s *Service) Reauth(ctx context.Context, name string) (session.ReauthResult, error) {
	return s.sessions.Reauth(ctx, name)
}

// Sync reconciles one trade with the brokerage
func (s *Service) Sync(ctx context.Context, tradeID string) (fills.Report, error) {
	return s.reconciler.ReconcileTrade(ctx, tradeID)
}
