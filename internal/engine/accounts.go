package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/mini-market/internal/ledger"
)

// ErrUnknownAction rejects an account change the market does not support.
var ErrUnknownAction = errors.New("unknown account action")

// AccountChange is an administrative change to a shared account. Actor is the
// player asking; except for open, they must own the account or be a host
// admin.
type AccountChange struct {
	Action  string `json:"action"` // open, delete, grant, revoke
	Account string `json:"account"`
	Actor   string `json:"actor"`
	Member  string `json:"member,omitempty"`
	Heir    string `json:"heir,omitempty"` // receives the balance on delete; "" is the actor
}

// AccountSummary is a listing row for one account.
type AccountSummary struct {
	ID        string   `json:"id"`
	Owner     string   `json:"owner"`
	Balance   string   `json:"balance"`
	Members   []string `json:"members,omitempty"`
	Personal  bool     `json:"personal,omitempty"`
	Unlimited bool     `json:"unlimited,omitempty"`
}

func summarize(a ledger.Account) AccountSummary {
	return AccountSummary{
		ID:        a.ID,
		Owner:     a.Owner,
		Balance:   a.Balance.StringFixed(4),
		Members:   a.Members(),
		Personal:  a.Personal,
		Unlimited: a.Unlimited,
	}
}

// AccountSummaries lists every account.
func (m *Market) AccountSummaries() []AccountSummary {
	list := m.Accounts()
	out := make([]AccountSummary, 0, len(list))
	for _, a := range list {
		out = append(out, summarize(a))
	}
	return out
}

// ChangeAccount applies c under the guard. Deleting returns the summary of
// the account as it was just before removal.
func (m *Market) ChangeAccount(c AccountChange) (AccountSummary, error) {
	if c.Account == "" || c.Actor == "" {
		return AccountSummary{}, fmt.Errorf("%w: account and actor are required", ErrUnknownAction)
	}
	var (
		out AccountSummary
		err error
	)
	m.Guard.Do(func() { out, err = m.changeAccountLocked(c) })
	if err != nil {
		return AccountSummary{}, err
	}
	slog.Info("account changed", "action", c.Action, "account", c.Account, "actor", c.Actor, "member", c.Member)
	m.Bus.Publish(Event{Category: "account", Description: fmt.Sprintf("%s %s by %s", c.Action, c.Account, c.Actor), Data: out})
	return out, nil
}

func (m *Market) changeAccountLocked(c AccountChange) (AccountSummary, error) {
	if c.Action == "open" {
		if _, ok := m.Ledger.Get(c.Account); ok {
			return AccountSummary{}, fmt.Errorf("%w: %q already exists", ErrUnknownAction, c.Account)
		}
		return summarize(m.Ledger.Open(c.Account, c.Actor).Clone()), nil
	}

	a, ok := m.Ledger.Get(c.Account)
	if !ok {
		return AccountSummary{}, fmt.Errorf("%w: %q", ledger.ErrUnknownAccount, c.Account)
	}
	if a.Owner != c.Actor && !m.Host.IsAdmin(c.Actor) {
		return AccountSummary{}, fmt.Errorf("%w: %q on %q", ledger.ErrPermissionDenied, c.Actor, c.Account)
	}

	switch c.Action {
	case "delete":
		heir := c.Heir
		if heir == "" {
			heir = m.Ledger.Personal(c.Actor).ID
		}
		before := summarize(a.Clone())
		if err := m.Ledger.Delete(c.Account, heir); err != nil {
			return AccountSummary{}, err
		}
		return before, nil
	case "grant", "revoke":
		if c.Member == "" {
			return AccountSummary{}, fmt.Errorf("%w: %s needs a member", ErrUnknownAction, c.Action)
		}
		if c.Action == "grant" {
			a.AddMember(c.Member)
		} else {
			a.RemoveMember(c.Member)
		}
		return summarize(a.Clone()), nil
	}
	return AccountSummary{}, fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
}
