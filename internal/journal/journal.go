package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/acqdte/trading-engine/internal/trade"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id          TEXT PRIMARY KEY,
	cycle       INTEGER NOT NULL,
	action      TEXT NOT NULL,
	weights     TEXT NOT NULL,
	stop_loss   REAL NOT NULL,
	score       REAL NOT NULL,
	approved    INTEGER NOT NULL,
	reasons     TEXT,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	order_id     TEXT PRIMARY KEY,
	decision_id  TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     REAL NOT NULL,
	price        REAL NOT NULL,
	latency_ms   INTEGER NOT NULL,
	slippage_bps INTEGER NOT NULL,
	filled_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	cycle        INTEGER PRIMARY KEY,
	decision_id  TEXT NOT NULL,
	realized_pnl REAL NOT NULL,
	reward       REAL NOT NULL,
	nav          REAL NOT NULL,
	recorded_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_decision ON fills(decision_id);
CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON decisions(cycle);
`

// Journal records every decision, fill and cycle outcome in sqlite. It is an
// audit trail plus the learner's cold-start read path; losing it never stops
// trading, so writers log-and-continue rather than fail the cycle.
type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// RecordDecision stores the decision together with the gate's verdict.
func (j *Journal) RecordDecision(ctx context.Context, d trade.Decision, approved bool, reasons []string) error {
	weights, err := json.Marshal(d.Weights)
	if err != nil {
		return fmt.Errorf("journal: encode weights: %w", err)
	}
	var reasonsJSON []byte
	if len(reasons) > 0 {
		if reasonsJSON, err = json.Marshal(reasons); err != nil {
			return fmt.Errorf("journal: encode reasons: %w", err)
		}
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decisions
		(id, cycle, action, weights, stop_loss, score, approved, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Cycle, string(d.Action), string(weights), d.StopLoss, d.Score,
		approved, string(reasonsJSON), d.CreatedAt,
	)
	return err
}

// RecordFills stores every fill of a report.
func (j *Journal) RecordFills(ctx context.Context, rep trade.FillReport) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, f := range rep.Fills {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO fills
			(order_id, decision_id, symbol, side, quantity, price, latency_ms, slippage_bps, filled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.OrderID, rep.DecisionID, f.Symbol, string(f.Side), f.Quantity,
			f.Price, f.LatencyMs, f.SlippageBps, f.Timestamp,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordOutcome stores the cycle's realized result.
func (j *Journal) RecordOutcome(ctx context.Context, o trade.Outcome) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO outcomes
		(cycle, decision_id, realized_pnl, reward, nav, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.Cycle, o.DecisionID, o.RealizedPnL, o.Reward, o.NAV, o.At,
	)
	return err
}

// RecentOutcomes returns up to limit outcomes, oldest first, for warming the
// learner's window after a restart.
func (j *Journal) RecentOutcomes(ctx context.Context, limit int) ([]trade.Outcome, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT cycle, decision_id, realized_pnl, reward, nav, recorded_at
		FROM outcomes ORDER BY cycle DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trade.Outcome
	for rows.Next() {
		var o trade.Outcome
		var at time.Time
		if err := rows.Scan(&o.Cycle, &o.DecisionID, &o.RealizedPnL, &o.Reward, &o.NAV, &at); err != nil {
			return nil, err
		}
		o.At = at
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FillsForDecision returns the recorded fills for one decision.
func (j *Journal) FillsForDecision(ctx context.Context, decisionID string) ([]trade.Fill, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT order_id, symbol, side, quantity, price, latency_ms, slippage_bps, filled_at
		FROM fills WHERE decision_id = ? ORDER BY order_id`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trade.Fill
	for rows.Next() {
		var f trade.Fill
		var side string
		if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &f.Quantity, &f.Price, &f.LatencyMs, &f.SlippageBps, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Side = trade.Side(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error { return j.db.Close() }
