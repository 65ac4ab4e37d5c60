// Package session keeps one brokerage session per account and refreshes it
// on demand. Concurrent refreshes for the same account are coalesced into a
// single upstream call.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/brokerage"
)

const (
	defaultMargin         = 60 * time.Second
	defaultRefreshTimeout = 20 * time.Second
	fallbackLifetime      = 15 * time.Minute
)

// AuthError is returned when an account cannot obtain a valid token
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate account %s: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Session is an immutable snapshot of an account's auth state. Updates
// replace the whole value.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	RefreshedAt  time.Time
	Healthy      bool
	AccountID    string
	AccNum       string
	LastError    string
}

// Broker is the part of the brokerage client the manager needs
type Broker interface {
	brokerage.Authenticator
	Ping(ctx context.Context, tok brokerage.Token) error
}

// Options tunes the Manager
type Options struct {
	// Margin is how long before expiry a token is considered stale.
	Margin time.Duration
	// RefreshTimeout bounds a shared refresh, independent of any caller.
	RefreshTimeout time.Duration
	Now            func() time.Time
}

// Manager owns the sessions of every registered account
type Manager struct {
	registry *accounts.Registry
	broker   Broker
	opts     Options
	group    singleflight.Group
	slots    map[string]*atomic.Pointer[Session]
	logger   zerolog.Logger
}

// NewManager creates a Manager with an empty session per registered account
func NewManager(registry *accounts.Registry, broker Broker, opts Options) *Manager {
	if opts.Margin == 0 {
		opts.Margin = defaultMargin
	}
	if opts.RefreshTimeout == 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	slots := make(map[string]*atomic.Pointer[Session], registry.Len())
	for _, name := range registry.Names() {
		slots[name] = new(atomic.Pointer[Session])
	}

	return &Manager{
		registry: registry,
		broker:   broker,
		opts:     opts,
		slots:    slots,
		logger:   log.With().Str("component", "session").Logger(),
	}
}

// GetValidToken returns a token that is valid for at least the refresh
// margin, refreshing the session when needed.
func (m *Manager) GetValidToken(ctx context.Context, name string) (brokerage.Token, error) {
	account, err := m.registry.Get(name)
	if err != nil {
		return brokerage.Token{}, err
	}
	slot := m.slots[name]

	if s := slot.Load(); m.fresh(s) {
		return m.token(account, s), nil
	}

	ch := m.group.DoChan(name, func() (interface{}, error) {
		return m.refresh(account, slot)
	})

	select {
	case <-ctx.Done():
		return brokerage.Token{}, &AuthError{Account: name, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return brokerage.Token{}, res.Err
		}
		return m.token(account, res.Val.(*Session)), nil
	}
}

func (m *Manager) fresh(s *Session) bool {
	if s == nil || !s.Healthy || s.AccessToken == "" {
		return false
	}
	return m.opts.Now().Before(s.ExpiresAt.Add(-m.opts.Margin))
}

func (m *Manager) token(account accounts.Account, s *Session) brokerage.Token {
	return brokerage.Token{
		Account:     account.Name,
		BaseURL:     account.Environment,
		AccessToken: s.AccessToken,
		AccountID:   s.AccountID,
		AccNum:      s.AccNum,
	}
}

// refresh runs once per account per in-flight refresh. It uses its own
// context so a cancelled caller does not fail the callers sharing it.
func (m *Manager) refresh(account accounts.Account, slot *atomic.Pointer[Session]) (*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RefreshTimeout)
	defer cancel()

	logger := m.logger.With().Str("account", account.Name).Logger()
	now := m.opts.Now()
	prev := slot.Load()

	var (
		creds brokerage.Credentials
		err   error
	)
	if prev != nil && prev.RefreshToken != "" && usable(prev.RefreshToken, now) {
		creds, err = m.broker.RefreshToken(ctx, account, prev.RefreshToken)
		if err != nil {
			logger.Warn().Err(err).Msg("token refresh failed, falling back to login")
			creds = brokerage.Credentials{}
		} else {
			if creds.AccountID == "" {
				creds.AccountID = prev.AccountID
			}
			if creds.AccNum == "" {
				creds.AccNum = prev.AccNum
			}
			if creds.RefreshToken == "" {
				creds.RefreshToken = prev.RefreshToken
			}
		}
	}

	if creds.AccessToken == "" {
		creds, err = m.broker.Authenticate(ctx, account)
	}
	if err != nil {
		failed := Session{LastError: err.Error()}
		if prev != nil {
			failed = *prev
			failed.Healthy = false
			failed.LastError = err.Error()
		}
		slot.Store(&failed)
		logger.Error().Err(err).Msg("authentication failed")
		return nil, &AuthError{Account: account.Name, Err: err}
	}

	s := &Session{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    expiry(creds, now),
		RefreshedAt:  now,
		Healthy:      true,
		AccountID:    creds.AccountID,
		AccNum:       creds.AccNum,
	}
	slot.Store(s)

	logger.Info().
		Str("token", Mask(s.AccessToken)).
		Time("expires_at", s.ExpiresAt).
		Msg("session refreshed")
	return s, nil
}

// expiry prefers the API's expiry, then the JWT exp claim
func expiry(creds brokerage.Credentials, now time.Time) time.Time {
	if !creds.ExpiresAt.IsZero() {
		return creds.ExpiresAt
	}
	if exp, ok := jwtExpiry(creds.AccessToken); ok {
		return exp
	}
	return now.Add(fallbackLifetime)
}

// usable reports whether a refresh token has not expired. Tokens whose
// expiry cannot be read are assumed usable.
func usable(token string, now time.Time) bool {
	exp, ok := jwtExpiry(token)
	return !ok || now.Before(exp)
}

func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Invalidate forces the next GetValidToken for the account to log in again
func (m *Manager) Invalidate(name string) error {
	slot, ok := m.slots[name]
	if !ok {
		return fmt.Errorf("%w: %s", accounts.ErrAccountNotFound, name)
	}
	next := Session{}
	if prev := slot.Load(); prev != nil {
		next = *prev
	}
	next.AccessToken = ""
	next.RefreshToken = ""
	next.ExpiresAt = time.Time{}
	slot.Store(&next)

	m.logger.Info().Str("account", name).Msg("session invalidated")
	return nil
}

// ReportAuthFailure is called when the brokerage rejects a token
func (m *Manager) ReportAuthFailure(name string) {
	_ = m.Invalidate(name)
}

// ReauthResult shows a session before and after a forced login
type ReauthResult struct {
	Before Info `json:"before"`
	After  Info `json:"after"`
}

// Reauth invalidates the session and logs in immediately
func (m *Manager) Reauth(ctx context.Context, name string) (ReauthResult, error) {
	before, err := m.Info(name)
	if err != nil {
		return ReauthResult{}, err
	}
	if err := m.Invalidate(name); err != nil {
		return ReauthResult{}, err
	}
	if _, err := m.GetValidToken(ctx, name); err != nil {
		after, _ := m.Info(name)
		return ReauthResult{Before: before, After: after}, err
	}
	after, _ := m.Info(name)
	return ReauthResult{Before: before, After: after}, nil
}

// Info is a masked view of a session for the debug routes
type Info struct {
	Account      string     `json:"account"`
	HasToken     bool       `json:"has_token"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	AccountID    string     `json:"account_id,omitempty"`
	AccNum       string     `json:"acc_num,omitempty"`
	ExpiresAt    int64      `json:"expires_at,omitempty"`
	SecondsLeft  int64      `json:"seconds_left"`
	Healthy      bool       `json:"healthy"`
	LastRefresh  *time.Time `json:"last_refresh,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Info returns the masked session state for an account
func (m *Manager) Info(name string) (Info, error) {
	slot, ok := m.slots[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", accounts.ErrAccountNotFound, name)
	}
	info := Info{Account: name}
	s := slot.Load()
	if s == nil {
		return info, nil
	}

	info.HasToken = s.AccessToken != ""
	info.AccessToken = Mask(s.AccessToken)
	info.RefreshToken = Mask(s.RefreshToken)
	info.AccountID = s.AccountID
	info.AccNum = s.AccNum
	info.Healthy = s.Healthy
	info.LastError = s.LastError
	if !s.ExpiresAt.IsZero() {
		info.ExpiresAt = s.ExpiresAt.Unix()
		if left := s.ExpiresAt.Sub(m.opts.Now()); left > 0 {
			info.SecondsLeft = int64(left / time.Second)
		}
	}
	if !s.RefreshedAt.IsZero() {
		t := s.RefreshedAt
		info.LastRefresh = &t
	}
	return info, nil
}

// InfoAll returns Info for every account in registry order
func (m *Manager) InfoAll() []Info {
	names := m.registry.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		info, _ := m.Info(name)
		out = append(out, info)
	}
	return out
}

// HealthyCount returns how many accounts hold a healthy session
func (m *Manager) HealthyCount() int {
	n := 0
	for _, slot := range m.slots {
		if s := slot.Load(); s != nil && s.Healthy {
			n++
		}
	}
	return n
}

// CheckResult is the outcome of a connectivity check
type CheckResult struct {
	Account   string `json:"account"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Check obtains a token and performs an authenticated ping
func (m *Manager) Check(ctx context.Context, name string) CheckResult {
	start := m.opts.Now()
	res := CheckResult{Account: name}

	tok, err := m.GetValidToken(ctx, name)
	if err == nil {
		err = m.broker.Ping(ctx, tok)
		if brokerage.IsAuth(err) {
			m.ReportAuthFailure(name)
		}
	}
	res.LatencyMS = m.opts.Now().Sub(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

// Mask shortens a token for logs and debug output
func Mask(token string) string {
	switch {
	case token == "":
		return ""
	case len(token) <= 12:
		return "***"
	default:
		return token[:6] + "..." + token[len(token)-4:]
	}
}

// IsAuthError reports whether err came from a failed login
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
