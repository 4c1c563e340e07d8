// Package persistence provides SQLite-based market state storage: ware
// definitions with their stock, ledger accounts, trade history and metadata.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/talgya/mini-market/internal/engine"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/trade"
	"github.com/talgya/mini-market/internal/wares"
)

// DB wraps a SQLite connection for market state persistence.
type DB struct {
	conn *sqlx.DB

	mu      sync.Mutex
	pending []trade.Receipt
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close flushes buffered trades and closes the database connection.
func (db *DB) Close() error {
	if err := db.Flush(); err != nil {
		slog.Warn("trade flush on close failed", "error", err)
	}
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wares (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		alias TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		level INTEGER NOT NULL,
		yield INTEGER NOT NULL,
		components_json TEXT NOT NULL,
		link_rule TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		balance TEXT NOT NULL,
		unlimited INTEGER NOT NULL,
		personal INTEGER NOT NULL,
		members_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		account TEXT NOT NULL,
		ware TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		manufactured INTEGER NOT NULL,
		total REAL NOT NULL,
		fee REAL NOT NULL,
		stock INTEGER NOT NULL,
		time TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS market_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_time ON trades(time);
	CREATE INDEX IF NOT EXISTS idx_trades_ware ON trades(ware);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// ── Wares ──

type wareRow struct {
	ID             string  `db:"id"`
	Type           string  `db:"type"`
	Alias          string  `db:"alias"`
	Price          float64 `db:"price"`
	Quantity       int     `db:"quantity"`
	Level          int     `db:"level"`
	Yield          int     `db:"yield"`
	ComponentsJSON string  `db:"components_json"`
	LinkRule       string  `db:"link_rule"`
}

// SaveWares writes all ware definitions (full replace).
func (db *DB) SaveWares(defs []wares.Definition) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM wares"); err != nil {
		return err
	}

	stmt, err := tx.Preparex(`INSERT INTO wares
		(id, type, alias, price, quantity, level, yield, components_json, link_rule)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range defs {
		compJSON, _ := json.Marshal(d.Components)
		qty := 0
		if d.Quantity != nil {
			qty = *d.Quantity
		}
		_, err := stmt.Exec(d.ID, d.Type, d.Alias, d.Price, qty, d.Level, max(d.Yield, 1), string(compJSON), d.LinkRule)
		if err != nil {
			return fmt.Errorf("insert ware %q: %w", d.ID, err)
		}
	}

	return tx.Commit()
}

// LoadWares reads every saved ware definition.
func (db *DB) LoadWares() ([]wares.Definition, error) {
	var rows []wareRow
	if err := db.conn.Select(&rows, "SELECT * FROM wares ORDER BY id"); err != nil {
		return nil, err
	}
	out := make([]wares.Definition, 0, len(rows))
	for _, r := range rows {
		d := wares.Definition{
			Type:     r.Type,
			ID:       r.ID,
			Alias:    r.Alias,
			Price:    r.Price,
			Quantity: &r.Quantity,
			Level:    r.Level,
			Yield:    r.Yield,
			LinkRule: r.LinkRule,
		}
		if err := json.Unmarshal([]byte(r.ComponentsJSON), &d.Components); err != nil {
			return nil, fmt.Errorf("ware %q components: %w", r.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ── Accounts ──

type accountRow struct {
	ID          string `db:"id"`
	Owner       string `db:"owner"`
	Balance     string `db:"balance"`
	Unlimited   bool   `db:"unlimited"`
	Personal    bool   `db:"personal"`
	MembersJSON string `db:"members_json"`
}

// SaveAccounts writes all ledger accounts (full replace).
func (db *DB) SaveAccounts(accounts []ledger.Account) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM accounts"); err != nil {
		return err
	}

	for _, a := range accounts {
		membersJSON, _ := json.Marshal(a.Members())
		_, err := tx.Exec(`INSERT INTO accounts
			(id, owner, balance, unlimited, personal, members_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.Owner, a.Balance.StringFixed(4), a.Unlimited, a.Personal, string(membersJSON),
		)
		if err != nil {
			return fmt.Errorf("insert account %q: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

// LoadAccounts reads every saved account.
func (db *DB) LoadAccounts() ([]*ledger.Account, error) {
	var rows []accountRow
	if err := db.conn.Select(&rows, "SELECT * FROM accounts ORDER BY id"); err != nil {
		return nil, err
	}
	out := make([]*ledger.Account, 0, len(rows))
	for _, r := range rows {
		bal, err := decimal.NewFromString(r.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %q balance: %w", r.ID, err)
		}
		a := &ledger.Account{ID: r.ID, Owner: r.Owner, Balance: bal, Unlimited: r.Unlimited, Personal: r.Personal}
		var members []string
		if err := json.Unmarshal([]byte(r.MembersJSON), &members); err != nil {
			return nil, fmt.Errorf("account %q members: %w", r.ID, err)
		}
		for _, m := range members {
			a.AddMember(m)
		}
		out = append(out, a)
	}
	return out, nil
}

// ── Trades ──

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type tradeRow struct {
	ID           string  `db:"id"`
	Actor        string  `db:"actor"`
	Account      string  `db:"account"`
	Ware         string  `db:"ware"`
	Side         string  `db:"side"`
	Quantity     int     `db:"quantity"`
	Manufactured int     `db:"manufactured"`
	Total        float64 `db:"total"`
	Fee          float64 `db:"fee"`
	Stock        int     `db:"stock"`
	Time         string  `db:"time"`
}

// RecordTrade buffers a receipt until the next Flush.
func (db *DB) RecordTrade(r trade.Receipt) {
	db.mu.Lock()
	db.pending = append(db.pending, r)
	db.mu.Unlock()
}

// Flush writes buffered receipts.
func (db *DB) Flush() error {
	db.mu.Lock()
	batch := db.pending
	db.pending = nil
	db.mu.Unlock()

	if err := db.SaveTrades(batch); err != nil {
		db.mu.Lock()
		db.pending = append(batch, db.pending...)
		db.mu.Unlock()
		return err
	}
	return nil
}

// SaveTrades appends receipts; already stored IDs are ignored.
func (db *DB) SaveTrades(receipts []trade.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range receipts {
		_, err := tx.Exec(`INSERT OR IGNORE INTO trades
			(id, actor, account, ware, side, quantity, manufactured, total, fee, stock, time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Actor, r.Account, r.Ware, r.Side.String(), r.Quantity, r.Manufactured,
			r.Total, r.Fee, r.Stock, r.Time.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// RecentTrades returns the latest receipts, newest first. A non-empty ware
// restricts the result to that ware ID.
func (db *DB) RecentTrades(limit int, ware string) ([]trade.Receipt, error) {
	var rows []tradeRow
	var err error
	if ware == "" {
		err = db.conn.Select(&rows, "SELECT * FROM trades ORDER BY time DESC LIMIT ?", limit)
	} else {
		err = db.conn.Select(&rows, "SELECT * FROM trades WHERE ware = ? ORDER BY time DESC LIMIT ?", ware, limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]trade.Receipt, 0, len(rows))
	for _, r := range rows {
		rc := trade.Receipt{
			ID:           r.ID,
			Actor:        r.Actor,
			Account:      r.Account,
			Ware:         r.Ware,
			Quantity:     r.Quantity,
			Manufactured: r.Manufactured,
			Total:        r.Total,
			Fee:          r.Fee,
			Stock:        r.Stock,
		}
		if err := rc.Side.UnmarshalText([]byte(r.Side)); err != nil {
			return nil, fmt.Errorf("trade %s: %w", r.ID, err)
		}
		if rc.Time, err = time.Parse(timeLayout, r.Time); err != nil {
			return nil, fmt.Errorf("trade %s time: %w", r.ID, err)
		}
		out = append(out, rc)
	}
	return out, nil
}

// ── Metadata ──

// SaveMeta stores a key-value pair in market metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO market_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value. A missing key returns "" and no error.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM market_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// ── Whole market ──

// SaveMarketState performs a full save of wares, accounts and buffered trades.
func (db *DB) SaveMarketState(m *engine.Market) error {
	defs := m.Definitions()
	accounts := m.Accounts()
	slog.Info("saving market state", "wares", len(defs), "accounts", len(accounts))

	if err := db.SaveWares(defs); err != nil {
		return fmt.Errorf("save wares: %w", err)
	}
	if err := db.SaveAccounts(accounts); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	if err := db.Flush(); err != nil {
		return fmt.Errorf("save trades: %w", err)
	}
	if err := db.SaveMeta("saved_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	slog.Info("market state saved")
	return nil
}

// RestoreMarketState loads saved wares and accounts into m. It reports false
// when the database holds no wares, so the caller can seed from files.
func (db *DB) RestoreMarketState(m *engine.Market) (bool, error) {
	defs, err := db.LoadWares()
	if err != nil {
		return false, fmt.Errorf("load wares: %w", err)
	}
	if len(defs) == 0 {
		return false, nil
	}
	accounts, err := db.LoadAccounts()
	if err != nil {
		return false, fmt.Errorf("load accounts: %w", err)
	}

	rep := m.LoadDefinitions(defs)
	m.RestoreAccounts(accounts)
	slog.Info("market state restored", "wares", rep.Loaded, "quarantined", len(rep.Quarantined), "accounts", len(accounts))
	return true, nil
}
