// Package store persists positions, trades, portfolio snapshots, and
// analytics rows in SQLite. The trade journal is append-only; positions are
// the only mutable rows. All writes run in short transactions on a single
// WAL-mode handle.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"dextrend/internal/config"
	"dextrend/pkg/types"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database and applies migrations. This is the
// only operation allowed to abort process start.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	s.logger.Info("store opened", "path", cfg.Path)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping backs the health endpoint's degraded check.
func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS positions (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol        TEXT NOT NULL,
				chain         TEXT NOT NULL,
				token_address TEXT NOT NULL,
				pair_address  TEXT NOT NULL DEFAULT '',
				qty           REAL NOT NULL,
				entry         REAL NOT NULL,
				tp1           REAL NOT NULL DEFAULT 0,
				tp2           REAL NOT NULL DEFAULT 0,
				stop          REAL NOT NULL DEFAULT 0,
				phase         TEXT NOT NULL,
				opened_at     TEXT NOT NULL,
				updated_at    TEXT NOT NULL,
				closed_at     TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_positions_token ON positions(chain, token_address);
			CREATE INDEX IF NOT EXISTS idx_positions_phase ON positions(phase);

			CREATE TABLE IF NOT EXISTS trades (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				side          TEXT NOT NULL,
				symbol        TEXT NOT NULL,
				chain         TEXT NOT NULL,
				token_address TEXT NOT NULL,
				pair_address  TEXT NOT NULL DEFAULT '',
				price         REAL NOT NULL,
				qty           REAL NOT NULL,
				fee           REAL NOT NULL DEFAULT 0,
				pnl           REAL,
				status        TEXT NOT NULL,
				tx_hash       TEXT NOT NULL DEFAULT '',
				created_at    TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_trades_token ON trades(chain, token_address);
			CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);

			CREATE TABLE IF NOT EXISTS portfolio_snapshots (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				equity     REAL NOT NULL,
				cash       REAL NOT NULL,
				holdings   REAL NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_snapshots_created ON portfolio_snapshots(created_at);

			CREATE TABLE IF NOT EXISTS analytics (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				evaluated_at       TEXT NOT NULL,
				symbol             TEXT NOT NULL,
				chain              TEXT NOT NULL,
				token_address      TEXT NOT NULL,
				pair_address       TEXT NOT NULL DEFAULT '',
				decision           TEXT NOT NULL,
				reason             TEXT NOT NULL DEFAULT '',
				quality_score      REAL NOT NULL DEFAULT 0,
				statistics_score   REAL NOT NULL DEFAULT 0,
				entry_score        REAL NOT NULL DEFAULT 0,
				ai_quality_delta   REAL,
				ai_buy_probability REAL,
				size_usd           REAL NOT NULL DEFAULT 0,
				cash_before        REAL NOT NULL DEFAULT 0,
				cash_after         REAL NOT NULL DEFAULT 0,
				raw_payload        TEXT NOT NULL DEFAULT '',
				trade_id           INTEGER,
				has_outcome        INTEGER NOT NULL DEFAULT 0,
				closed_at          TEXT,
				holding_minutes    REAL,
				pnl_pct            REAL,
				pnl_usd            REAL,
				was_profit         INTEGER,
				exit_reason        TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_analytics_token ON analytics(chain, token_address);
			CREATE INDEX IF NOT EXISTS idx_analytics_trade ON analytics(trade_id);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.logger.Info("applied migration v1")
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// InsertPosition creates a new position row and fills its ID.
func (s *Store) InsertPosition(p *types.Position) error {
	res, err := s.db.Exec(`
		INSERT INTO positions
			(symbol, chain, token_address, pair_address, qty, entry, tp1, tp2, stop, phase, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Symbol, p.Chain, p.TokenAddress, p.PairAddress,
		p.Qty, p.Entry, p.TP1, p.TP2, p.Stop, string(p.Phase),
		fmtTime(p.OpenedAt), fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// UpdatePosition persists the mutable fields of an existing position.
func (s *Store) UpdatePosition(p *types.Position) error {
	var closedAt any
	if p.ClosedAt != nil {
		closedAt = fmtTime(*p.ClosedAt)
	}
	_, err := s.db.Exec(`
		UPDATE positions
		SET qty = ?, tp1 = ?, tp2 = ?, stop = ?, phase = ?, updated_at = ?, closed_at = ?
		WHERE id = ?`,
		p.Qty, p.TP1, p.TP2, p.Stop, string(p.Phase),
		fmtTime(p.UpdatedAt), closedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update position %d: %w", p.ID, err)
	}
	return nil
}

// OpenPositions returns positions in phase OPEN or PARTIAL, oldest first.
func (s *Store) OpenPositions() ([]types.Position, error) {
	return s.queryPositions(`phase IN ('OPEN', 'PARTIAL') ORDER BY id`)
}

// AllPositions returns every position row, oldest first.
func (s *Store) AllPositions() ([]types.Position, error) {
	return s.queryPositions(`1=1 ORDER BY id`)
}

// OpenPositionByToken returns the live position for a token, or nil.
func (s *Store) OpenPositionByToken(chain, tokenAddress string) (*types.Position, error) {
	positions, err := s.queryPositions(
		`phase IN ('OPEN', 'PARTIAL') AND chain = ? AND token_address = ? ORDER BY id DESC LIMIT 1`,
		chain, tokenAddress)
	if err != nil || len(positions) == 0 {
		return nil, err
	}
	return &positions[0], nil
}

func (s *Store) queryPositions(where string, args ...any) ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, chain, token_address, pair_address, qty, entry,
		       tp1, tp2, stop, phase, opened_at, updated_at, closed_at
		FROM positions WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var phase, openedAt, updatedAt string
		var closedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Chain, &p.TokenAddress, &p.PairAddress,
			&p.Qty, &p.Entry, &p.TP1, &p.TP2, &p.Stop, &phase,
			&openedAt, &updatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Phase = types.Phase(phase)
		p.OpenedAt = parseTime(openedAt)
		p.UpdatedAt = parseTime(updatedAt)
		if closedAt.Valid {
			t := parseTime(closedAt.String)
			p.ClosedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// InsertTrade appends to the journal and fills the trade's ID.
func (s *Store) InsertTrade(t *types.Trade) error {
	var pnl any
	if t.PnL != nil {
		pnl = *t.PnL
	}
	res, err := s.db.Exec(`
		INSERT INTO trades
			(side, symbol, chain, token_address, pair_address, price, qty, fee, pnl, status, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.Side), t.Symbol, t.Chain, t.TokenAddress, t.PairAddress,
		t.Price, t.Qty, t.Fee, pnl, string(t.Status), t.TxHash, fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// Trades returns the most recent trades, newest first.
func (s *Store) Trades(limit int) ([]types.Trade, error) {
	return s.queryTrades(`1=1 ORDER BY id DESC LIMIT ?`, limit)
}

// Journal returns every trade in insertion order for FIFO replay.
func (s *Store) Journal() ([]types.Trade, error) {
	return s.queryTrades(`1=1 ORDER BY id`)
}

// LastBuyAt returns the most recent BUY time for a token, used by the
// rebuy-cooldown gate. ok is false when the token was never bought.
func (s *Store) LastBuyAt(chain, tokenAddress string) (time.Time, bool, error) {
	var created string
	err := s.db.QueryRow(`
		SELECT created_at FROM trades
		WHERE side = 'BUY' AND chain = ? AND token_address = ?
		ORDER BY id DESC LIMIT 1`, chain, tokenAddress).Scan(&created)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last buy: %w", err)
	}
	return parseTime(created), true, nil
}

// LastBuyTradeID returns the id of the most recent BUY for a position key,
// so a closing SELL can attach its outcome to the right analytics row.
func (s *Store) LastBuyTradeID(chain, tokenAddress, pairAddress string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(`
		SELECT id FROM trades
		WHERE side = 'BUY' AND chain = ? AND token_address = ? AND pair_address = ?
		ORDER BY id DESC LIMIT 1`, chain, tokenAddress, pairAddress).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("last buy trade: %w", err)
	}
	return id, true, nil
}

func (s *Store) queryTrades(where string, args ...any) ([]types.Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, side, symbol, chain, token_address, pair_address,
		       price, qty, fee, pnl, status, tx_hash, created_at
		FROM trades WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var side, status, createdAt string
		var pnl sql.NullFloat64
		if err := rows.Scan(&t.ID, &side, &t.Symbol, &t.Chain, &t.TokenAddress, &t.PairAddress,
			&t.Price, &t.Qty, &t.Fee, &pnl, &status, &t.TxHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = types.Side(side)
		t.Status = types.TradeStatus(status)
		if pnl.Valid {
			t.PnL = types.Float(pnl.Float64)
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

func (s *Store) InsertSnapshot(snap *types.PortfolioSnapshot) error {
	res, err := s.db.Exec(`
		INSERT INTO portfolio_snapshots (equity, cash, holdings, created_at)
		VALUES (?, ?, ?, ?)`,
		snap.Equity, snap.Cash, snap.Holdings, fmtTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

// LatestSnapshot returns the newest snapshot, or nil when none exist.
func (s *Store) LatestSnapshot() (*types.PortfolioSnapshot, error) {
	var snap types.PortfolioSnapshot
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, equity, cash, holdings, created_at
		FROM portfolio_snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&snap.ID, &snap.Equity, &snap.Cash, &snap.Holdings, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.CreatedAt = parseTime(createdAt)
	return &snap, nil
}

// Snapshots returns the newest limit snapshots in chronological order, for
// the equity curve.
func (s *Store) Snapshots(limit int) ([]types.PortfolioSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, equity, cash, holdings, created_at FROM
			(SELECT * FROM portfolio_snapshots ORDER BY id DESC LIMIT ?)
		ORDER BY id`, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.PortfolioSnapshot
	for rows.Next() {
		var snap types.PortfolioSnapshot
		var createdAt string
		if err := rows.Scan(&snap.ID, &snap.Equity, &snap.Cash, &snap.Holdings, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.CreatedAt = parseTime(createdAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Analytics
// ————————————————————————————————————————————————————————————————————————

// InsertAnalytics persists one decision row and fills its ID.
func (s *Store) InsertAnalytics(a *types.AnalyticsRow) error {
	var delta, prob any
	if a.AIQualityDelta != nil {
		delta = *a.AIQualityDelta
	}
	if a.AIBuyProbability != nil {
		prob = *a.AIBuyProbability
	}
	var tradeID any
	if a.TradeID != nil {
		tradeID = *a.TradeID
	}
	res, err := s.db.Exec(`
		INSERT INTO analytics
			(evaluated_at, symbol, chain, token_address, pair_address, decision, reason,
			 quality_score, statistics_score, entry_score, ai_quality_delta, ai_buy_probability,
			 size_usd, cash_before, cash_after, raw_payload, trade_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(a.EvaluatedAt), a.Symbol, a.Chain, a.TokenAddress, a.PairAddress,
		string(a.Decision), a.Reason,
		a.QualityScore, a.StatisticsScore, a.EntryScore, delta, prob,
		a.SizeUSD, a.CashBefore, a.CashAfter, a.RawPayload, tradeID)
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// LinkTrade sets the trade id on a BUY analytics row after the trade exists.
func (s *Store) LinkTrade(analyticsID, tradeID int64) error {
	_, err := s.db.Exec(`UPDATE analytics SET trade_id = ? WHERE id = ?`, tradeID, analyticsID)
	if err != nil {
		return fmt.Errorf("link analytics %d to trade %d: %w", analyticsID, tradeID, err)
	}
	return nil
}

// DemoteToSkip rewrites a BUY analytics row whose hand-off failed into a
// SKIP with the given reason. No cash moved, so cash_after snaps back to
// cash_before.
func (s *Store) DemoteToSkip(analyticsID int64, reason string) error {
	_, err := s.db.Exec(`
		UPDATE analytics
		SET decision = ?, reason = ?, cash_after = cash_before
		WHERE id = ?`,
		string(types.DecisionSkip), reason, analyticsID)
	if err != nil {
		return fmt.Errorf("demote analytics %d: %w", analyticsID, err)
	}
	return nil
}

// AttachOutcome records the realized result on the analytics row linked to
// the closed trade. A second attach for the same trade is a no-op.
func (s *Store) AttachOutcome(o types.TradeOutcome) error {
	wasProfit := 0
	if o.WasProfit {
		wasProfit = 1
	}
	_, err := s.db.Exec(`
		UPDATE analytics
		SET has_outcome = 1, closed_at = ?, holding_minutes = ?, pnl_pct = ?,
		    pnl_usd = ?, was_profit = ?, exit_reason = ?
		WHERE trade_id = ? AND has_outcome = 0`,
		fmtTime(o.ClosedAt), o.HoldingMinutes, o.PnLPct, o.PnLUSD,
		wasProfit, o.ExitReason, o.TradeID)
	if err != nil {
		return fmt.Errorf("attach outcome for trade %d: %w", o.TradeID, err)
	}
	return nil
}

// RecentAnalytics returns the newest decision rows, newest first.
func (s *Store) RecentAnalytics(limit int) ([]types.AnalyticsRow, error) {
	rows, err := s.db.Query(`
		SELECT id, evaluated_at, symbol, chain, token_address, pair_address, decision, reason,
		       quality_score, statistics_score, entry_score, ai_quality_delta, ai_buy_probability,
		       size_usd, cash_before, cash_after, raw_payload, trade_id,
		       has_outcome, closed_at, holding_minutes, pnl_pct, pnl_usd, was_profit, exit_reason
		FROM analytics ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	defer rows.Close()

	var out []types.AnalyticsRow
	for rows.Next() {
		var a types.AnalyticsRow
		var evaluatedAt, decision string
		var delta, prob, holding, pnlPct, pnlUSD sql.NullFloat64
		var tradeID, wasProfit sql.NullInt64
		var hasOutcome int
		var closedAt sql.NullString
		if err := rows.Scan(&a.ID, &evaluatedAt, &a.Symbol, &a.Chain, &a.TokenAddress, &a.PairAddress,
			&decision, &a.Reason,
			&a.QualityScore, &a.StatisticsScore, &a.EntryScore, &delta, &prob,
			&a.SizeUSD, &a.CashBefore, &a.CashAfter, &a.RawPayload, &tradeID,
			&hasOutcome, &closedAt, &holding, &pnlPct, &pnlUSD, &wasProfit, &a.ExitReason); err != nil {
			return nil, fmt.Errorf("scan analytics: %w", err)
		}
		a.EvaluatedAt = parseTime(evaluatedAt)
		a.Decision = types.Decision(decision)
		if delta.Valid {
			a.AIQualityDelta = types.Float(delta.Float64)
		}
		if prob.Valid {
			a.AIBuyProbability = types.Float(prob.Float64)
		}
		if tradeID.Valid {
			id := tradeID.Int64
			a.TradeID = &id
		}
		a.HasOutcome = hasOutcome != 0
		if closedAt.Valid {
			t := parseTime(closedAt.String)
			a.ClosedAt = &t
		}
		if holding.Valid {
			a.HoldingMinutes = types.Float(holding.Float64)
		}
		if pnlPct.Valid {
			a.PnLPct = types.Float(pnlPct.Float64)
		}
		if pnlUSD.Valid {
			a.PnLUSD = types.Float(pnlUSD.Float64)
		}
		if wasProfit.Valid {
			b := wasProfit.Int64 != 0
			a.WasProfit = &b
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Reset
// ————————————————————————————————————————————————————————————————————————

// Reset wipes the paper book: all positions, trades, snapshots, and
// analytics. Used by the reset endpoint; never called in live mode.
func (s *Store) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"positions", "trades", "portfolio_snapshots", "analytics"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}
