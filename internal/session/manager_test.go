package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/signal-relay/internal/accounts"
	"github.com/ksred/signal-relay/internal/brokerage"
)

func newRegistry(t *testing.T, names ...string) *accounts.Registry {
	t.Helper()
	list := make([]accounts.Account, 0, len(names))
	for _, n := range names {
		list = append(list, accounts.Account{Name: n, Username: n + "@example.com", Password: "pw"})
	}
	reg, err := accounts.NewRegistry(list, accounts.Defaults{Environment: "http://sim", Server: "SIM"})
	require.NoError(t, err)
	return reg
}

func TestGetValidToken_Cached(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{})
	m := NewManager(newRegistry(t, "A"), sim, Options{})

	first, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)
	second, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "http://sim", first.BaseURL)
	assert.Equal(t, "sim-A", first.AccountID)
	assert.Equal(t, 1, sim.Calls(brokerage.OpAuthenticate))
}

func TestGetValidToken_CoalescesConcurrentRefresh(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{AuthDelay: 50 * time.Millisecond})
	m := NewManager(newRegistry(t, "A"), sim, Options{})

	const callers = 20
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background(), "A")
			assert.NoError(t, err)
			tokens[i] = tok.AccessToken
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, sim.Calls(brokerage.OpAuthenticate))
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestGetValidToken_AccountsRefreshIndependently(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{})
	m := NewManager(newRegistry(t, "A", "B"), sim, Options{})

	a, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)
	b, err := m.GetValidToken(context.Background(), "B")
	require.NoError(t, err)

	assert.NotEqual(t, a.AccessToken, b.AccessToken)
	assert.Equal(t, 2, sim.Calls(brokerage.OpAuthenticate))
}

func TestGetValidToken_StaleTokenUsesRefreshToken(t *testing.T) {
	// Tokens live shorter than the margin, so every call refreshes.
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{TokenTTL: 30 * time.Second})
	m := NewManager(newRegistry(t, "A"), sim, Options{Margin: time.Minute})

	first, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)
	second, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, 1, sim.Calls(brokerage.OpAuthenticate))
	assert.Equal(t, 1, sim.Calls(brokerage.OpRefresh))
	assert.Equal(t, first.AccountID, second.AccountID)
}

func TestGetValidToken_RefreshFailureFallsBackToLogin(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{TokenTTL: 30 * time.Second})
	m := NewManager(newRegistry(t, "A"), sim, Options{Margin: time.Minute})

	_, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)

	sim.FailNext("A", brokerage.OpRefresh, &brokerage.Error{Kind: brokerage.KindAuth, Message: "refresh expired"})
	_, err = m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)

	assert.Equal(t, 2, sim.Calls(brokerage.OpAuthenticate))
}

func TestGetValidToken_FailureMarksUnhealthy(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{})
	m := NewManager(newRegistry(t, "A"), sim, Options{})

	sim.FailNext("A", brokerage.OpAuthenticate, &brokerage.Error{Kind: brokerage.KindAuth, Status: 401, Message: "bad credentials"})

	_, err := m.GetValidToken(context.Background(), "A")
	require.Error(t, err)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "A", authErr.Account)
	assert.True(t, brokerage.IsAuth(err))

	info, err := m.Info("A")
	require.NoError(t, err)
	assert.False(t, info.Healthy)
	assert.Contains(t, info.LastError, "bad credentials")
	assert.Zero(t, m.HealthyCount())

	// The next call retries.
	_, err = m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)
	info, _ = m.Info("A")
	assert.True(t, info.Healthy)
	assert.Empty(t, info.LastError)
}

func TestGetValidToken_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{AuthDelay: 100 * time.Millisecond})
	m := NewManager(newRegistry(t, "A"), sim, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.GetValidToken(ctx, "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		info, _ := m.Info("A")
		return info.HasToken && info.Healthy
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sim.Calls(brokerage.OpAuthenticate))
}

func TestGetValidToken_UnknownAccount(t *testing.T) {
	m := NewManager(newRegistry(t, "A"), brokerage.NewSimulator(brokerage.SimulatorOptions{}), Options{})

	_, err := m.GetValidToken(context.Background(), "Z")
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)

	_, err = m.Info("Z")
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)
	assert.ErrorIs(t, m.Invalidate("Z"), accounts.ErrAccountNotFound)
}

func TestInvalidate_ForcesLogin(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{})
	m := NewManager(newRegistry(t, "A"), sim, Options{})

	before, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)

	require.NoError(t, m.Invalidate("A"))
	info, _ := m.Info("A")
	assert.False(t, info.HasToken)

	after, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)

	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.Equal(t, 2, sim.Calls(brokerage.OpAuthenticate))
	assert.Zero(t, sim.Calls(brokerage.OpRefresh))
}

func TestReauth(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{})
	m := NewManager(newRegistry(t, "A"), sim, Options{})

	_, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)

	res, err := m.Reauth(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, res.Before.HasToken)
	assert.True(t, res.After.HasToken)
	assert.NotNil(t, res.After.LastRefresh)
	assert.Equal(t, 2, sim.Calls(brokerage.OpAuthenticate))
}

func TestInfo_ExpiryFromJWT(t *testing.T) {
	now := time.Now()
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{TokenTTL: time.Hour})
	m := NewManager(newRegistry(t, "A"), sim, Options{Now: func() time.Time { return now }})

	_, err := m.GetValidToken(context.Background(), "A")
	require.NoError(t, err)

	info, err := m.Info("A")
	require.NoError(t, err)
	assert.InDelta(t, now.Add(time.Hour).Unix(), info.ExpiresAt, 2)
	assert.InDelta(t, 3600, info.SecondsLeft, 2)
	assert.Contains(t, info.AccessToken, "...")
}

func TestInfoAll_RegistryOrder(t *testing.T) {
	m := NewManager(newRegistry(t, "B", "A", "C"), brokerage.NewSimulator(brokerage.SimulatorOptions{}), Options{})

	infos := m.InfoAll()
	require.Len(t, infos, 3)
	assert.Equal(t, "B", infos[0].Account)
	assert.Equal(t, "A", infos[1].Account)
	assert.Equal(t, "C", infos[2].Account)
	assert.False(t, infos[0].HasToken)
}

func TestCheck(t *testing.T) {
	sim := brokerage.NewSimulator(brokerage.SimulatorOptions{})
	m := NewManager(newRegistry(t, "A"), sim, Options{})

	res := m.Check(context.Background(), "A")
	assert.True(t, res.OK)
	assert.Empty(t, res.Error)

	sim.RevokeTokens("A")
	res = m.Check(context.Background(), "A")
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)

	info, _ := m.Info("A")
	assert.False(t, info.HasToken)

	res = m.Check(context.Background(), "A")
	assert.True(t, res.OK)
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "***"},
		{"eyJhbGciOiJIUzI1NiJ9.payload.sig", "eyJhbG....sig"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Mask(tt.in))
		})
	}
}
