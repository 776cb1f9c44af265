package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantfold/momentum-bot/internal/model"
)

// positionRecord is the persisted shape of a position.
type positionRecord struct {
	ID              string `gorm:"primaryKey;size:36"`
	Symbol          string `gorm:"size:12;index"`
	Direction       string `gorm:"size:8"`
	Qty             int64
	EntryPrice      decimal.Decimal `gorm:"type:numeric(18,4)"`
	EntryAt         time.Time
	StopPrice       decimal.Decimal `gorm:"type:numeric(18,4)"`
	TakeProfitPrice decimal.Decimal `gorm:"type:numeric(18,4)"`
	MaxHoldUntil    time.Time
	Status          string          `gorm:"size:16;index"`
	ExitPrice       decimal.Decimal `gorm:"type:numeric(18,4)"`
	ExitAt          *time.Time
	PnL             decimal.Decimal `gorm:"column:pnl;type:numeric(18,4)"`
	OriginArticleID string          `gorm:"size:64"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (positionRecord) TableName() string { return "positions" }

// Postgres is the durable trade store.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open trade store: %w", err)
	}
	if err := db.AutoMigrate(&positionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate trade store: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (s *Postgres) OpenPosition(ctx context.Context, p model.Position) error {
	rec := toRecord(p)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("open position %s: %w", p.ID, err)
	}
	return nil
}

func (s *Postgres) ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, exitAt time.Time, pnl decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&positionRecord{}).
			Where("id = ? AND status IN ?", id, []string{string(model.StatusOpen), string(model.StatusClosing), string(model.StatusStuckClosing)}).
			Updates(map[string]any{
				"status":     string(model.StatusClosed),
				"exit_price": exitPrice,
				"exit_at":    exitAt,
				"pnl":        pnl,
			})
		if res.Error != nil {
			return fmt.Errorf("close position %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("close position %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *Postgres) ListOpen(ctx context.Context) ([]model.Position, error) {
	var recs []positionRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(model.StatusOpen), string(model.StatusClosing), string(model.StatusStuckClosing)}).
		Order("entry_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	out := make([]model.Position, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

func (s *Postgres) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(p model.Position) positionRecord {
	return positionRecord{
		ID:              p.ID,
		Symbol:          p.Symbol,
		Direction:       string(p.Direction),
		Qty:             p.Qty,
		EntryPrice:      p.EntryPrice,
		EntryAt:         p.EntryAt,
		StopPrice:       p.StopPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		MaxHoldUntil:    p.MaxHoldUntil,
		Status:          string(p.Status),
		ExitPrice:       p.ExitPrice,
		ExitAt:          p.ExitAt,
		PnL:             p.PnL,
		OriginArticleID: p.OriginArticleID,
	}
}

func fromRecord(r positionRecord) model.Position {
	return model.Position{
		ID:              r.ID,
		Symbol:          r.Symbol,
		Direction:       model.Direction(r.Direction),
		Qty:             r.Qty,
		EntryPrice:      r.EntryPrice,
		EntryAt:         r.EntryAt,
		StopPrice:       r.StopPrice,
		TakeProfitPrice: r.TakeProfitPrice,
		MaxHoldUntil:    r.MaxHoldUntil,
		Status:          model.PositionStatus(r.Status),
		ExitPrice:       r.ExitPrice,
		ExitAt:          r.ExitAt,
		PnL:             r.PnL,
		OriginArticleID: r.OriginArticleID,
	}
}
