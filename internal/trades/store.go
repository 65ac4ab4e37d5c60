// Package trades persists one record per (trade id, account) pair and
// serializes every state change on that key.
package trades

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/signal-relay/internal/types"
)

var (
	ErrTradeNotFound     = errors.New("trade not found")
	ErrDuplicateTrade    = errors.New("trade already recorded for account")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConcurrentUpdate  = errors.New("trade record was modified concurrently")
)

// StorageError wraps a failure of the underlying database
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("trade store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// DefaultWriteTimeout bounds each database round trip made by Update
const DefaultWriteTimeout = 5 * time.Second

// Store is the trade record repository
type Store struct {
	db           *gorm.DB
	locks        *keyedMutex
	now          func() time.Time
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewStore wraps an open database. The trades table must already exist.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:           db,
		locks:        newKeyedMutex(),
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
		logger:       log.With().Str("component", "trade_store").Logger(),
	}
}

// SetWriteTimeout changes the per round trip budget used by Update
func (s *Store) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		s.writeTimeout = d
	}
}

func key(tradeID, account string) string {
	return tradeID + "\x00" + account
}

// Append inserts a new record. It fails with ErrDuplicateTrade when the
// (trade id, account) pair already exists.
func (s *Store) Append(ctx context.Context, rec *TradeRecord) error {
	unlock := s.locks.lock(key(rec.TradeID, rec.AccountName))
	defer unlock()

	if rec.State == "" {
		rec.State = StatePending
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = s.now()
	}
	rec.Version = 1

	exists, err := s.Exists(ctx, rec.TradeID, rec.AccountName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateTrade, rec.TradeID, rec.AccountName)
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateTrade, rec.TradeID, rec.AccountName)
		}
		return storageErr("append", err)
	}

	s.logger.Debug().
		Str("trade_id", rec.TradeID).
		Str("account", rec.AccountName).
		Str("state", string(rec.State)).
		Msg("trade record appended")
	return nil
}

// Exists reports whether a record for the pair exists in any state
func (s *Store) Exists(ctx context.Context, tradeID, account string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("trade_id = ? AND account_name = ?", tradeID, account).
		Count(&n).Error
	if err != nil {
		return false, storageErr("exists", err)
	}
	return n > 0, nil
}

// Update loads the record under the key's lock and applies fn to it. If fn
// returns an error nothing is written. Otherwise the record is saved with an
// optimistic version check. Only writers of the same key wait on fn, so fn
// may perform network calls. The load and the save each get their own
// write timeout, and the save ignores cancellation of ctx: once fn has
// acted on the outside world its result must still be recorded.
func (s *Store) Update(ctx context.Context, tradeID, account string, fn func(*TradeRecord) error) (*TradeRecord, error) {
	unlock := s.locks.lock(key(tradeID, account))
	defer unlock()

	loadCtx, cancelLoad := context.WithTimeout(ctx, s.writeTimeout)
	var rec TradeRecord
	err := s.db.WithContext(loadCtx).
		Where("trade_id = ? AND account_name = ?", tradeID, account).
		First(&rec).Error
	cancelLoad()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrTradeNotFound, tradeID, account)
		}
		return nil, storageErr("load", err)
	}

	prevState := rec.State
	prevVersion := rec.Version

	if err := fn(&rec); err != nil {
		return nil, err
	}
	if rec.State != prevState && !validTransition(prevState, rec.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prevState, rec.State)
	}

	// Identity fields are not the mutator's to change.
	rec.TradeID = tradeID
	rec.AccountName = account
	rec.Version = prevVersion + 1

	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancelSave()
	err = s.db.WithContext(saveCtx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&rec).
			Where("version = ?", prevVersion).
			Select("*").
			Omit("id", "created_at").
			Updates(&rec)
		if res.Error != nil {
			return storageErr("update", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rec.State != prevState {
		s.logger.Info().
			Str("trade_id", tradeID).
			Str("account", account).
			Str("from", string(prevState)).
			Str("to", string(rec.State)).
			Msg("trade state changed")
	}
	return &rec, nil
}

// Get returns every record of a trade id across accounts
func (s *Store) Get(ctx context.Context, tradeID string) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, storageErr("get", err)
	}
	return recs, nil
}

// List returns records newest first
func (s *Store) List(ctx context.Context, f Filter) ([]TradeRecord, error) {
	q := s.db.WithContext(ctx).Model(&TradeRecord{})
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.Account != "" {
		q = q.Where("account_name = ?", f.Account)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []TradeRecord
	if err := q.Order("created_at desc, id desc").Find(&recs).Error; err != nil {
		return nil, storageErr("list", err)
	}
	return recs, nil
}

// FindActive returns the account's PENDING or OPEN record for a trade id
func (s *Store) FindActive(ctx context.Context, account, tradeID string) (*TradeRecord, error) {
	var rec TradeRecord
	err := s.db.WithContext(ctx).
		Where("account_name = ? AND trade_id = ? AND state IN ?", account, tradeID, []State{StatePending, StateOpen}).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrTradeNotFound, tradeID, account)
		}
		return nil, storageErr("find_active", err)
	}
	return &rec, nil
}

// FindActiveByMatch returns the oldest active record of the account that
// matches symbol, side and lot size. It serves exits that carry no trade id.
func (s *Store) FindActiveByMatch(ctx context.Context, account, symbol string, side types.Side, lot decimal.Decimal) (*TradeRecord, error) {
	var candidates []TradeRecord
	err := s.db.WithContext(ctx).
		Where("account_name = ? AND symbol = ? AND side = ? AND state IN ?", account, symbol, side, []State{StatePending, StateOpen}).
		Order("opened_at asc, id asc").
		Find(&candidates).Error
	if err != nil {
		return nil, storageErr("find_active_by_match", err)
	}
	for i := range candidates {
		if candidates[i].LotSize.Equal(lot) {
			return &candidates[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s %s %s", ErrTradeNotFound, account, symbol, side, lot)
}

// ListByState returns records in any of the given states, oldest first
func (s *Store) ListByState(ctx context.Context, states ...State) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.WithContext(ctx).
		Where("state IN ?", states).
		Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, storageErr("list_by_state", err)
	}
	return recs, nil
}

// Stats counts records per account and state
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		AccountName string
		State       State
		Total       int64
	}
	err := s.db.WithContext(ctx).Model(&TradeRecord{}).
		Select("account_name, state, count(*) as total").
		Group("account_name, state").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}

	stats := Stats{
		ByState:   make(map[State]int64),
		ByAccount: make(map[string]map[State]int64),
	}
	for _, r := range rows {
		stats.Total += r.Total
		stats.ByState[r.State] += r.Total
		if stats.ByAccount[r.AccountName] == nil {
			stats.ByAccount[r.AccountName] = make(map[State]int64)
		}
		stats.ByAccount[r.AccountName][r.State] = r.Total
	}
	return stats, nil
}

// keyedMutex hands out one mutex per key and frees it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
