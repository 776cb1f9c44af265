package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/momentum-bot/internal/model"
)

// Memory is an in-process Store used by tests and by runs without a DSN.
type Memory struct {
	mu        sync.Mutex
	positions map[string]model.Position

	// FailOpens makes OpenPosition fail, for store-failure paths in tests.
	FailOpens error
}

func NewMemory() *Memory {
	return &Memory{positions: map[string]model.Position{}}
}

func (m *Memory) OpenPosition(_ context.Context, p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOpens != nil {
		return m.FailOpens
	}
	m.positions[p.ID] = p
	return nil
}

func (m *Memory) ClosePosition(_ context.Context, id string, exitPrice decimal.Decimal, exitAt time.Time, pnl decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Status == model.StatusClosed {
		return ErrNotFound
	}
	p.Status = model.StatusClosed
	p.ExitPrice = exitPrice
	at := exitAt
	p.ExitAt = &at
	p.PnL = pnl
	m.positions[id] = p
	return nil
}

func (m *Memory) ListOpen(_ context.Context) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Position
	for _, p := range m.positions {
		if p.Status != model.StatusClosed {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get looks up a position by id, for test assertions.
func (m *Memory) Get(id string) (model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	return p, ok
}

func (m *Memory) Close() error { return nil }
