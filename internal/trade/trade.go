// Package trade executes buy, sell and price-check requests against the
// market: price lookup, clamping, manufacturing fallback, ledger and stock
// updates.
package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/guard"
	"github.com/talgya/mini-market/internal/host"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/manufacture"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/wares"
)

var (
	ErrWareNotFound      = errors.New("ware not found")
	ErrWareInvalid       = errors.New("ware has no valid price")
	ErrUntradeable       = errors.New("ware cannot be traded")
	ErrOutOfStock        = errors.New("out of stock")
	ErrNotHeld           = errors.New("ware not held")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInventoryFull     = errors.New("inventory full")
	ErrContainerNotFound = errors.New("container not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrPriceAtFloor      = errors.New("price has reached its floor")
	ErrUnprofitable      = errors.New("sale would not cover the fee")
	ErrNothingToTrade    = errors.New("nothing to trade")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrNoHost            = errors.New("host adapter required")
)

// Side is the direction of a trade from the trader's point of view.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy":
		*s = SideBuy
	case "sell":
		*s = SideSell
	default:
		return fmt.Errorf("unknown side %q", b)
	}
	return nil
}

// Order is a request to buy or sell.
type Order struct {
	Actor   string `json:"actor"`
	Account string `json:"account,omitempty"` // "" means the actor's personal account
	Dest    string `json:"dest,omitempty"`    // container; "" is the actor's inventory
	Ware    string `json:"ware"`

	Quantity int `json:"quantity"`
	// LimitPrice caps the average unit price when buying and floors it when
	// selling. Zero disables the limit.
	LimitPrice float64 `json:"limit_price,omitempty"`
	// Multiplier scales every price of the order; zero means 1.
	Multiplier       float64 `json:"multiplier,omitempty"`
	AllowManufacture bool    `json:"allow_manufacture,omitempty"`
}

func (o Order) multiplier() float64 {
	if o.Multiplier <= 0 {
		return 1
	}
	return o.Multiplier
}

// Receipt records an executed trade.
type Receipt struct {
	ID           string    `json:"id"`
	Actor        string    `json:"actor"`
	Account      string    `json:"account"`
	Ware         string    `json:"ware"`
	Side         Side      `json:"side"`
	Quantity     int       `json:"quantity"`
	Manufactured int       `json:"manufactured,omitempty"`
	Total        float64   `json:"total"`
	Fee          float64   `json:"fee"`
	Stock        int       `json:"stock"` // ware stock after the trade
	Time         time.Time `json:"time"`
}

// Engine executes trades for one market.
type Engine struct {
	Registry *wares.Registry
	Config   *config.Config
	Pricing  *pricing.Engine
	Resolver *manufacture.Resolver
	Ledger   *ledger.Ledger
	Guard    *guard.Guard
	Host     host.Host

	// OnTrade is called after the guard is released, once per receipt.
	OnTrade func(Receipt)

	now func() time.Time
}

// New creates a trading engine. Inventories live in the host, so h is
// required.
func New(reg *wares.Registry, cfg *config.Config, pe *pricing.Engine, res *manufacture.Resolver,
	led *ledger.Ledger, g *guard.Guard, h host.Host) (*Engine, error) {
	if h == nil {
		return nil, ErrNoHost
	}
	return &Engine{
		Registry: reg,
		Config:   cfg,
		Pricing:  pe,
		Resolver: res,
		Ledger:   led,
		Guard:    g,
		Host:     h,
		now:      time.Now,
	}, nil
}

// finish notifies the actor of a failure and publishes receipts. It runs
// after the guard is released.
func (e *Engine) finish(actor string, receipts []Receipt, err error) {
	if err != nil {
		if !errors.Is(err, ErrNothingToTrade) {
			e.Host.NotifyError(actor, err)
		}
		return
	}
	for _, r := range receipts {
		verb := "Bought"
		if r.Side == SideSell {
			verb = "Sold"
		}
		e.Host.Notify(actor, fmt.Sprintf("%s %d %s for %.4f (fee %.4f)", verb, r.Quantity, r.Ware, r.Total, r.Fee))
		if e.OnTrade != nil {
			e.OnTrade(r)
		}
	}
}

func (e *Engine) receipt(o Order, acct string, w *wares.Ware, side Side, qty int, total, fee float64) Receipt {
	return Receipt{
		ID:       uuid.NewString(),
		Actor:    o.Actor,
		Account:  acct,
		Ware:     w.ID,
		Side:     side,
		Quantity: qty,
		Total:    pricing.Truncate(total),
		Fee:      pricing.Truncate(fee),
		Stock:    w.Quantity,
		Time:     e.now().UTC(),
	}
}

// lookup resolves a ware reference. Wares that lost their price are pulled
// into quarantine.
func (e *Engine) lookup(ref string) (*wares.Ware, error) {
	w, ok := e.Registry.Lookup(ref)
	if !ok || !e.Host.WareExists(w.ID) {
		return nil, fmt.Errorf("%w: %q", ErrWareNotFound, ref)
	}
	if w.Unresolved() {
		e.Registry.Quarantine(w.ID, wares.ErrInvalidPrice)
		if e.Resolver != nil {
			e.Resolver.Forget(w.ID)
		}
		return nil, fmt.Errorf("%w: %q", ErrWareInvalid, w.ID)
	}
	if !w.Kind.Tradeable() {
		return nil, fmt.Errorf("%w: %q", ErrUntradeable, w.ID)
	}
	return w, nil
}

// account returns the account an order spends from, checking permission.
func (e *Engine) account(o Order) (*ledger.Account, error) {
	if o.Account == "" || o.Account == o.Actor {
		return e.Ledger.Personal(o.Actor), nil
	}
	a, ok := e.Ledger.Get(o.Account)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownAccount, o.Account)
	}
	if !a.CanOperate(o.Actor) && !e.Host.IsAdmin(o.Actor) {
		return nil, fmt.Errorf("%w: %q on %q", ErrPermissionDenied, o.Actor, o.Account)
	}
	return a, nil
}

func (e *Engine) feeAccount() *ledger.Account {
	return e.Ledger.Open(e.Config.Fees.Account, e.Ledger.SystemID())
}

// settleFee moves a fee between the trader and the fee account. Negative fees
// are subsidies, capped by what the fee account holds. It returns the fee
// actually applied.
func (e *Engine) settleFee(acct string, fee float64) (float64, error) {
	fa := e.feeAccount()
	amount := ledger.Money(fee)
	switch {
	case amount.IsPositive():
		if err := e.Ledger.Transfer(acct, fa.ID, amount); err != nil {
			return 0, err
		}
	case amount.IsNegative():
		subsidy := amount.Neg()
		if avail, limited := fa.Available(); limited && avail.LessThan(subsidy) {
			subsidy = avail
		}
		if subsidy.IsPositive() {
			if err := e.Ledger.Transfer(fa.ID, acct, subsidy); err != nil {
				return 0, err
			}
		}
		return -subsidy.InexactFloat64(), nil
	}
	return amount.InexactFloat64(), nil
}

// effectiveFee caps a subsidy at what the fee account can cover.
func (e *Engine) effectiveFee(fee float64) float64 {
	if fee >= 0 {
		return fee
	}
	if avail, limited := e.feeAccount().Available(); limited {
		return max(fee, -avail.InexactFloat64())
	}
	return fee
}
