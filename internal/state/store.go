package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// ErrNotFound is returned when no snapshot exists for a bot.
var ErrNotFound = errors.New("state: snapshot not found")

// Store is the sqlite-backed state store. Snapshots are one row per
// bot, replaced transactionally; order and trade history are
// append-only. Bots are partitioned by name and each bot has a single
// writer by construction, so no cross-bot locking is needed here.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the store at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS snapshots (
	bot_name   TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS order_history (
	bot_name   TEXT NOT NULL,
	local_id   TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (bot_name, local_id)
);
CREATE TABLE IF NOT EXISTS trade_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_name   TEXT NOT NULL,
	data       TEXT NOT NULL,
	executed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_history_bot ON trade_history(bot_name);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate state db: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the bot's snapshot in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	snap.CheckpointAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (bot_name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(bot_name) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		snap.BotName, string(data), snap.CheckpointAt)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot reads the latest committed snapshot for a bot.
func (s *Store) LoadSnapshot(ctx context.Context, botName string) (*Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE bot_name = ?`, botName).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &snap, nil
}

// RecordOrder appends (or updates) an order in the per-bot history.
func (s *Store) RecordOrder(ctx context.Context, botName string, o exchange.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO order_history (bot_name, local_id, data, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(bot_name, local_id) DO UPDATE SET data=excluded.data`,
		botName, o.LocalID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}
	return nil
}

// RecordTrade appends a realized trade.
func (s *Store) RecordTrade(ctx context.Context, rec TradeRecord) error {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trade_history (bot_name, data, executed_at) VALUES (?, ?, ?)`,
		rec.BotName, string(data), rec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// Trades returns the most recent trades for a bot, newest first.
func (s *Store) Trades(ctx context.Context, botName string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM trade_history WHERE bot_name = ? ORDER BY id DESC LIMIT ?`,
		botName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec TradeRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse trade row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
