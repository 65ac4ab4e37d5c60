package accounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDefaults = Defaults{Environment: "https://demo.tradelocker.com", Server: "HEROFX"}

func TestNewRegistryPreservesOrder(t *testing.T) {
	r, err := NewRegistry([]Account{
		{Name: "zeta", Username: "z@x", Password: "p"},
		{Name: "alpha", Username: "a@x", Password: "p", Server: "OTHER"},
		{Name: "mid", Username: "m@x", Password: "p", Environment: "https://live.tradelocker.com/"},
	}, testDefaults)
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.Names())
	assert.Equal(t, 3, r.Len())

	a, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "OTHER", a.Server)
	assert.Equal(t, testDefaults.Environment, a.Environment)

	m, err := r.Get("mid")
	require.NoError(t, err)
	assert.Equal(t, "https://live.tradelocker.com", m.Environment)
	assert.Equal(t, "HEROFX", m.Server)
}

func TestNewRegistryErrors(t *testing.T) {
	tests := []struct {
		name   string
		list   []Account
		errMsg string
	}{
		{"empty", nil, "no accounts configured"},
		{"missing name", []Account{{Username: "u", Password: "p"}}, "name is required"},
		{"duplicate", []Account{
			{Name: "a", Username: "u", Password: "p"},
			{Name: "a", Username: "u2", Password: "p"},
		}, `duplicate account name "a"`},
		{"missing username", []Account{{Name: "a", Password: "p"}}, "username is required"},
		{"missing password", []Account{{Name: "a", Username: "u"}}, "password is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.list, testDefaults)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestGetUnknown(t *testing.T) {
	r, err := NewRegistry([]Account{{Name: "a", Username: "u", Password: "p"}}, testDefaults)
	require.NoError(t, err)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestListIsACopy(t *testing.T) {
	r, err := NewRegistry([]Account{{Name: "a", Username: "u", Password: "p"}}, testDefaults)
	require.NoError(t, err)

	list := r.List()
	list[0].Name = "changed"

	a, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", a.Name)
}

func TestLoadFromJSON(t *testing.T) {
	r, err := LoadFromJSON([]byte(`[
		{"name":"acct1","username":"u1","password":"p1","server":"S1"},
		{"name":"acct2","username":"u2","password":"p2"}
	]`), testDefaults)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct1", "acct2"}, r.Names())

	_, err = LoadFromJSON([]byte(`{not json`), testDefaults)
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml list", func(t *testing.T) {
		path := filepath.Join(dir, "accounts.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
- name: one
  username: u1
  password: p1
- name: two
  username: u2
  password: p2
`), 0o600))

		r, err := LoadFromFile(path, testDefaults)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, r.Names())
	})

	t.Run("wrapped object", func(t *testing.T) {
		path := filepath.Join(dir, "accounts.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"accounts":[{"name":"w","username":"u","password":"p"}]}`), 0o600))

		r, err := LoadFromFile(path, testDefaults)
		require.NoError(t, err)
		assert.Equal(t, []string{"w"}, r.Names())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(dir, "nope.yaml"), testDefaults)
		assert.Error(t, err)
	})
}

func TestPublicHidesPassword(t *testing.T) {
	a := Account{Name: "a", Username: "u", Password: "secret", Server: "S"}
	p := a.Public()
	assert.Equal(t, "a", p.Name)
	assert.Equal(t, "u", p.Username)
}
