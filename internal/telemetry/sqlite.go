package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores records in a telemetry table for later reporting.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteSink(ctx context.Context, dsn string, logger *slog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		bar_time TIMESTAMP,
		symbol TEXT NOT NULL,
		broker TEXT,
		play_id TEXT,
		order_id TEXT,
		side TEXT,
		status TEXT,
		from_state TEXT,
		to_state TEXT,
		qty TEXT,
		price TEXT,
		filled_qty TEXT,
		filled_price TEXT,
		fees TEXT,
		stop_loss TEXT,
		target_price TEXT,
		signal INTEGER NOT NULL DEFAULT 0,
		crossover INTEGER NOT NULL DEFAULT 0,
		macd_negative INTEGER NOT NULL DEFAULT 0,
		trend_up INTEGER NOT NULL DEFAULT 0,
		reason TEXT
	);`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry table: %w", err)
	}
	return &SQLiteSink{db: db, logger: logger}, nil
}

func (s *SQLiteSink) Append(rec Record) {
	_, err := s.db.Exec(`
		INSERT INTO telemetry (
			run_id, kind, recorded_at, bar_time, symbol, broker, play_id, order_id,
			side, status, from_state, to_state, qty, price, filled_qty, filled_price,
			fees, stop_loss, target_price, signal, crossover, macd_negative, trend_up, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID, string(rec.Kind), rec.Timestamp, rec.BarTime, rec.Symbol, rec.Broker, rec.PlayID, rec.OrderID,
		rec.Side, rec.Status, rec.From, rec.To, rec.Qty.String(), rec.Price.String(), rec.FilledQty.String(), rec.FilledPrice.String(),
		rec.Fees.String(), rec.StopLoss.String(), rec.TargetPrice.String(),
		boolInt(rec.Signal), boolInt(rec.Crossover), boolInt(rec.MACDNegative), boolInt(rec.TrendUp), rec.Reason,
	)
	if err != nil {
		s.logger.Error("insert telemetry record failed", "kind", rec.Kind, "symbol", rec.Symbol, "error", err)
	}
}

// Count returns the number of stored records of kind, or of all kinds when
// kind is empty.
func (s *SQLiteSink) Count(ctx context.Context, kind Kind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry WHERE kind = ?`, string(kind)).Scan(&n)
	}
	return n, err
}

// Orders lists order records for symbol recorded at or after t.
func (s *SQLiteSink) Orders(ctx context.Context, symbol string, since time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, play_id, order_id, side, status, filled_qty, filled_price, fees, reason
		FROM telemetry
		WHERE kind = ? AND symbol = ? AND recorded_at >= ?
		ORDER BY id
	`, string(KindOrder), symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Kind: KindOrder, Symbol: symbol}
		var filledQty, filledPrice, fees string
		if err := rows.Scan(&rec.RunID, &rec.PlayID, &rec.OrderID, &rec.Side, &rec.Status, &filledQty, &filledPrice, &fees, &rec.Reason); err != nil {
			return nil, err
		}
		rec.FilledQty = parseDecimal(filledQty)
		rec.FilledPrice = parseDecimal(filledPrice)
		rec.Fees = parseDecimal(fees)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
