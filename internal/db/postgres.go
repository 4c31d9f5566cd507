package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"

	"github.com/ionixcorp/BetaBot/internal/tick"
)

// Transaction context key
type txKey struct{}

func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

// Schema is the canonical tick archive DDL, applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS ticks (
	broker        TEXT             NOT NULL,
	symbol        TEXT             NOT NULL,
	timestamp     TIMESTAMPTZ      NOT NULL,
	price         NUMERIC          NOT NULL,
	volume        NUMERIC,
	bid           NUMERIC,
	ask           NUMERIC,
	spread        NUMERIC,
	quality_score DOUBLE PRECISION NOT NULL,
	latency_ms    DOUBLE PRECISION NOT NULL,
	tick_type     TEXT             NOT NULL,
	PRIMARY KEY (broker, symbol, timestamp, price)
);
CREATE INDEX IF NOT EXISTS idx_ticks_lookup ON ticks (broker, symbol, timestamp);
`

// New opens the tick archive with the given connection string and pool
// bounds.
func New(connStr string, maxOpen, maxIdle int) (*Default, error) {
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Default{db: sqlDB}, nil
}

// NewFromDB wraps an existing connection, used by tests.
func NewFromDB(sqlDB *sql.DB) *Default {
	return &Default{db: sqlDB}
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// Migrate applies the tick archive schema.
func (p *Default) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Default) Close() error {
	return p.db.Close()
}

// executeWithTransaction runs fn inside the context transaction if one
// is present, otherwise in a fresh transaction.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

const insertTickSQL = `INSERT INTO ticks
	(broker, symbol, timestamp, price, volume, bid, ask, spread, quality_score, latency_ms, tick_type)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (broker, symbol, timestamp, price) DO NOTHING`

func (p *Default) SaveTick(ctx context.Context, t *tick.Tick) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertTickSQL, tickArgs(t)...)
		if err != nil {
			return fmt.Errorf("failed to save tick for %s %s: %w", t.Broker, t.Symbol, err)
		}
		return nil
	})
}

func (p *Default) SaveTicks(ctx context.Context, ticks []*tick.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertTickSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()
		for _, t := range ticks {
			if _, err := stmt.ExecContext(ctx, tickArgs(t)...); err != nil {
				return fmt.Errorf("failed to save tick for %s %s: %w", t.Broker, t.Symbol, err)
			}
		}
		return nil
	})
}

func (p *Default) GetTicks(ctx context.Context, broker, symbol string, start, end time.Time) ([]*tick.Tick, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT broker, symbol, timestamp, price, volume, bid, ask, spread, quality_score, latency_ms, tick_type
		FROM ticks WHERE broker=$1 AND symbol=$2 AND timestamp >= $3 AND timestamp < $4 ORDER BY timestamp ASC`,
		broker, symbol, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []*tick.Tick
	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func (p *Default) DeleteTicks(ctx context.Context, broker, symbol string, before time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM ticks WHERE broker=$1 AND symbol=$2 AND timestamp < $3`, broker, symbol, before)
		if err != nil {
			return fmt.Errorf("failed to delete ticks: %w", err)
		}
		return nil
	})
}

func tickArgs(t *tick.Tick) []any {
	return []any{
		t.Broker, t.Symbol, t.Timestamp, t.Price.String(),
		nullDecimalArg(t.Volume), nullDecimalArg(t.Bid), nullDecimalArg(t.Ask), nullDecimalArg(t.Spread),
		t.QualityScore, t.LatencyMs, string(t.TickType),
	}
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func scanTick(rows *sql.Rows) (*tick.Tick, error) {
	var (
		t                        tick.Tick
		price                    string
		volume, bid, ask, spread sql.NullString
		typ                      string
	)
	if err := rows.Scan(&t.Broker, &t.Symbol, &t.Timestamp, &price, &volume, &bid, &ask, &spread, &t.QualityScore, &t.LatencyMs, &typ); err != nil {
		return nil, err
	}
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}
	if t.Volume, err = parseNullDecimal(volume); err != nil {
		return nil, fmt.Errorf("failed to parse volume: %w", err)
	}
	if t.Bid, err = parseNullDecimal(bid); err != nil {
		return nil, fmt.Errorf("failed to parse bid: %w", err)
	}
	if t.Ask, err = parseNullDecimal(ask); err != nil {
		return nil, fmt.Errorf("failed to parse ask: %w", err)
	}
	if t.Spread, err = parseNullDecimal(spread); err != nil {
		return nil, fmt.Errorf("failed to parse spread: %w", err)
	}
	t.Timestamp = t.Timestamp.UTC()
	t.TickType = tick.Type(typ)
	return &t, nil
}

func parseNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
