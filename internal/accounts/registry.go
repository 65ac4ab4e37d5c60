// Package accounts holds the immutable set of brokerage logins the relay
// trades on.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNoAccounts      = errors.New("no accounts configured")
)

// Account is one brokerage login
type Account struct {
	Name        string `json:"name" yaml:"name"`
	Environment string `json:"environment" yaml:"environment"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	Server      string `json:"server" yaml:"server"`
}

// Public is the account without its credentials, safe to return over HTTP
type Public struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
	Server      string `json:"server"`
	Username    string `json:"username"`
}

// Public strips the password
func (a Account) Public() Public {
	return Public{Name: a.Name, Environment: a.Environment, Server: a.Server, Username: a.Username}
}

// Defaults fill in environment and server for accounts that omit them
type Defaults struct {
	Environment string
	Server      string
}

// Registry is built once at startup and never mutated. Its order is the
// fan-out order used by the dispatcher.
type Registry struct {
	accounts []Account
	byName   map[string]int
}

// NewRegistry validates the accounts and returns a registry. Any problem
// fails the whole load.
func NewRegistry(list []Account, defaults Defaults) (*Registry, error) {
	if len(list) == 0 {
		return nil, ErrNoAccounts
	}

	r := &Registry{
		accounts: make([]Account, 0, len(list)),
		byName:   make(map[string]int, len(list)),
	}

	for i, a := range list {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("accounts[%d]: name is required", i)
		}
		if _, dup := r.byName[a.Name]; dup {
			return nil, fmt.Errorf("accounts[%d]: duplicate account name %q", i, a.Name)
		}
		if a.Username == "" {
			return nil, fmt.Errorf("accounts[%d] (%s): username is required", i, a.Name)
		}
		if a.Password == "" {
			return nil, fmt.Errorf("accounts[%d] (%s): password is required", i, a.Name)
		}
		if a.Environment == "" {
			a.Environment = defaults.Environment
		}
		if a.Server == "" {
			a.Server = defaults.Server
		}
		a.Environment = strings.TrimRight(a.Environment, "/")

		r.byName[a.Name] = len(r.accounts)
		r.accounts = append(r.accounts, a)
	}

	return r, nil
}

// LoadFromJSON parses the ACCOUNTS_JSON format: a JSON array of accounts
func LoadFromJSON(data []byte, defaults Defaults) (*Registry, error) {
	var list []Account
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse accounts json: %w", err)
	}
	return NewRegistry(list, defaults)
}

// LoadFromFile reads a YAML or JSON accounts file. The document is either a
// list of accounts or an object with an "accounts" key.
func LoadFromFile(path string, defaults Defaults) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var list []Account
	if err := yaml.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Accounts []Account `yaml:"accounts" json:"accounts"`
		}
		if yerr := yaml.Unmarshal(data, &wrapped); yerr != nil {
			if jerr := json.Unmarshal(data, &wrapped); jerr != nil {
				return nil, fmt.Errorf("parse accounts file (tried YAML and JSON): %w", err)
			}
		}
		list = wrapped.Accounts
	}

	return NewRegistry(list, defaults)
}

// List returns the accounts in configuration order
func (r *Registry) List() []Account {
	out := make([]Account, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// Names returns the account names in configuration order
func (r *Registry) Names() []string {
	names := make([]string, len(r.accounts))
	for i, a := range r.accounts {
		names[i] = a.Name
	}
	return names
}

// Get looks an account up by name
func (r *Registry) Get(name string) (Account, error) {
	i, ok := r.byName[name]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return r.accounts[i], nil
}

// Len returns the number of configured accounts
func (r *Registry) Len() int {
	return len(r.accounts)
}
