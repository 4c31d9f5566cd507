// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/ionixcorp/BetaBot/internal/tick"
)

// Storage is the interface for the canonical tick archive.
type Storage interface {
	GetDB() *sql.DB
	SaveTick(ctx context.Context, t *tick.Tick) error
	SaveTicks(ctx context.Context, ticks []*tick.Tick) error
	GetTicks(ctx context.Context, broker, symbol string, start, end time.Time) ([]*tick.Tick, error)
	DeleteTicks(ctx context.Context, broker, symbol string, before time.Time) error
	Close() error
}
