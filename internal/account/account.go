// Package account holds the per-user ledger state owned by a single
// replicator shard: cash balance, password, and per-ticker share counts.
package account

import "github.com/ndrandal/stockmarketsim/internal/symbol"

// InitialCash is the cash balance a freshly registered account starts with.
const InitialCash = 100_000.0

// Account is one user's ledger entry. It is mutated only by its owning
// replicator's request handler goroutine — see internal/replicator.
type Account struct {
	Username string
	Password string
	Cash     float64
	Shares   map[string]int64
}

// New creates a freshly registered account with InitialCash and zero
// shares of every ticker.
func New(username, password string) *Account {
	return &Account{
		Username: username,
		Password: password,
		Cash:     InitialCash,
		Shares:   symbol.ZeroShares(),
	}
}

// Authenticate reports whether password matches this account's stored
// password (a cleartext token, compared as-is).
func (a *Account) Authenticate(password string) bool {
	return a.Password == password
}

// CanBuy reports whether the account has enough cash to buy amount shares
// at price.
func (a *Account) CanBuy(amount int64, price float64) bool {
	return a.Cash >= float64(amount)*price
}

// Buy debits cash and credits shares. Callers must have already checked
// CanBuy and written the WAL record; Buy only mutates in-memory state.
func (a *Account) Buy(ticker string, amount int64, price float64) {
	a.Cash -= float64(amount) * price
	a.Shares[ticker] += amount
}

// CanSell reports whether the account holds at least amount shares of
// ticker.
func (a *Account) CanSell(ticker string, amount int64) bool {
	return a.Shares[ticker] >= amount
}

// Sell credits cash and debits shares. Callers must have already checked
// CanSell and written the WAL record.
func (a *Account) Sell(ticker string, amount int64, price float64) {
	a.Cash += float64(amount) * price
	a.Shares[ticker] -= amount
}

// NetWorth computes cash plus the value of every held share at the given
// snapshot prices.
func (a *Account) NetWorth(prices map[string]float64) float64 {
	worth := a.Cash
	for _, t := range symbol.Universe {
		worth += float64(a.Shares[t]) * prices[t]
	}
	return worth
}
