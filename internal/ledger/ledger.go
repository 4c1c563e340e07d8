// Package ledger keeps account balances for traders, the fee collector and the
// unlimited system account.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrPersonalAccount   = errors.New("personal accounts cannot be deleted")
	ErrPermissionDenied  = errors.New("not permitted to operate account")
)

// Account is one balance holder. Balances are kept to four decimal places.
type Account struct {
	ID        string
	Owner     string
	Balance   decimal.Decimal
	Unlimited bool // the system account: never runs dry
	Personal  bool // created for an actor; never deleted

	members map[string]bool
}

// CanOperate reports whether actor may spend from the account.
func (a *Account) CanOperate(actor string) bool {
	return actor == a.Owner || a.members[actor]
}

// AddMember permits actor to operate the account.
func (a *Account) AddMember(actor string) {
	if a.members == nil {
		a.members = make(map[string]bool)
	}
	a.members[actor] = true
}

// RemoveMember revokes a permission granted by AddMember.
func (a *Account) RemoveMember(actor string) {
	delete(a.members, actor)
}

// Members returns the permitted actors other than the owner, sorted.
func (a *Account) Members() []string {
	out := make([]string, 0, len(a.members))
	for m := range a.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy that shares nothing with a.
func (a *Account) Clone() Account {
	c := *a
	c.members = nil
	for m := range a.members {
		c.AddMember(m)
	}
	return c
}

// Has reports whether the account can pay amount.
func (a *Account) Has(amount decimal.Decimal) bool {
	return a.Unlimited || a.Balance.GreaterThanOrEqual(amount)
}

// Available returns the spendable balance. Unlimited accounts report ok=false.
func (a *Account) Available() (decimal.Decimal, bool) {
	if a.Unlimited {
		return decimal.Zero, false
	}
	return a.Balance, true
}

// Ledger holds every account of a market. It is not safe for concurrent use;
// callers hold the market guard.
type Ledger struct {
	accounts map[string]*Account
	system   string
	starting decimal.Decimal
}

// New creates a ledger with its unlimited system account. Personal accounts
// opened later start with startingBalance.
func New(systemID string, startingBalance float64) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*Account),
		system:   systemID,
		starting: Money(startingBalance),
	}
	l.accounts[systemID] = &Account{ID: systemID, Owner: systemID, Unlimited: true, Personal: true}
	return l
}

// Money converts a float amount to a ledger decimal, truncated to four places.
func Money(x float64) decimal.Decimal {
	return decimal.NewFromFloat(x).Truncate(4)
}

// SystemID returns the ID of the unlimited account.
func (l *Ledger) SystemID() string {
	return l.system
}

// Get returns an account by ID.
func (l *Ledger) Get(id string) (*Account, bool) {
	a, ok := l.accounts[id]
	return a, ok
}

// Personal returns actor's personal account, opening it with the starting
// balance on first use.
func (l *Ledger) Personal(actor string) *Account {
	if a, ok := l.accounts[actor]; ok {
		return a
	}
	a := &Account{ID: actor, Owner: actor, Balance: l.starting, Personal: true}
	l.accounts[actor] = a
	return a
}

// Open returns the shared account id, creating an empty one owned by owner.
func (l *Ledger) Open(id, owner string) *Account {
	if a, ok := l.accounts[id]; ok {
		return a
	}
	a := &Account{ID: id, Owner: owner}
	l.accounts[id] = a
	return a
}

// Restore puts a persisted account back, replacing any account with its ID.
func (l *Ledger) Restore(a *Account) {
	if a.ID == l.system {
		a.Unlimited = true
	}
	l.accounts[a.ID] = a
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	src, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, from)
	}
	dst, ok := l.accounts[to]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, to)
	}
	if amount.IsZero() {
		return nil
	}
	if !src.Has(amount) {
		return fmt.Errorf("%w: %q holds %s, needs %s", ErrInsufficientFunds, from, src.Balance.StringFixed(4), amount.StringFixed(4))
	}
	if !src.Unlimited {
		src.Balance = src.Balance.Sub(amount)
	}
	if !dst.Unlimited {
		dst.Balance = dst.Balance.Add(amount)
	}
	return nil
}

// Deposit pays amount from the system account into id.
func (l *Ledger) Deposit(id string, amount decimal.Decimal) error {
	return l.Transfer(l.system, id, amount)
}

// Delete removes a shared account after moving what is left to heir.
func (l *Ledger) Delete(id, heir string) error {
	a, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	if a.Personal || a.Unlimited {
		return fmt.Errorf("%w: %q", ErrPersonalAccount, id)
	}
	if a.Balance.IsPositive() {
		if err := l.Transfer(id, heir, a.Balance); err != nil {
			return fmt.Errorf("empty %q: %w", id, err)
		}
	}
	delete(l.accounts, id)
	return nil
}

// AccrueInterest credits every positive, limited balance with rate times the
// balance, paid by the system account. It returns the total paid.
func (l *Ledger) AccrueInterest(rate float64) decimal.Decimal {
	total := decimal.Zero
	if rate <= 0 {
		return total
	}
	r := decimal.NewFromFloat(rate)
	for _, a := range l.List() {
		if a.Unlimited || !a.Balance.IsPositive() {
			continue
		}
		interest := a.Balance.Mul(r).Truncate(4)
		if interest.IsZero() {
			continue
		}
		a.Balance = a.Balance.Add(interest)
		total = total.Add(interest)
	}
	return total
}

// List returns all accounts sorted by ID.
func (l *Ledger) List() []*Account {
	out := make([]*Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
