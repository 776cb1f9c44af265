// Package store persists trade records. The engine requires statement-level
// crash consistency: a position is either durably open or durably closed,
// never half-written.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/momentum-bot/internal/model"
)

var ErrNotFound = errors.New("position not found")

// Store is the trade-record contract shared by the Postgres implementation
// and the in-memory test double.
type Store interface {
	OpenPosition(ctx context.Context, p model.Position) error
	ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, exitAt time.Time, pnl decimal.Decimal) error
	ListOpen(ctx context.Context) ([]model.Position, error)
	Close() error
}
