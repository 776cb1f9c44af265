package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/momentum-bot/internal/model"
)

func openTestPosition(id, symbol string) model.Position {
	return model.Position{
		ID:         id,
		Symbol:     symbol,
		Direction:  model.Long,
		Qty:        100,
		EntryPrice: decimal.RequireFromString("100"),
		EntryAt:    time.Now(),
		Status:     model.StatusOpen,
	}
}

func TestMemoryOpenAndList(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.OpenPosition(ctx, openTestPosition("p1", "ACME")); err != nil {
		t.Fatal(err)
	}
	if err := m.OpenPosition(ctx, openTestPosition("p2", "OTHR")); err != nil {
		t.Fatal(err)
	}

	open, err := m.ListOpen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Fatalf("open = %d", len(open))
	}
}

func TestMemoryClosePosition(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.OpenPosition(ctx, openTestPosition("p1", "ACME")); err != nil {
		t.Fatal(err)
	}

	exitAt := time.Now()
	pnl := decimal.RequireFromString("250")
	if err := m.ClosePosition(ctx, "p1", decimal.RequireFromString("102.5"), exitAt, pnl); err != nil {
		t.Fatal(err)
	}

	p, ok := m.Get("p1")
	if !ok {
		t.Fatal("position gone")
	}
	if p.Status != model.StatusClosed {
		t.Fatalf("status = %s", p.Status)
	}
	if !p.PnL.Equal(pnl) || p.ExitAt == nil {
		t.Fatalf("close fields = %+v", p)
	}

	open, _ := m.ListOpen(ctx)
	if len(open) != 0 {
		t.Fatal("closed position still listed")
	}

	// Closing twice, or closing an unknown id, is ErrNotFound.
	if err := m.ClosePosition(ctx, "p1", decimal.Zero, exitAt, decimal.Zero); err != ErrNotFound {
		t.Fatalf("err = %v", err)
	}
	if err := m.ClosePosition(ctx, "nope", decimal.Zero, exitAt, decimal.Zero); err != ErrNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestMemoryFailOpens(t *testing.T) {
	m := NewMemory()
	m.FailOpens = ErrNotFound // any error will do
	if err := m.OpenPosition(context.Background(), openTestPosition("p1", "ACME")); err == nil {
		t.Fatal("want failure")
	}
	if _, ok := m.Get("p1"); ok {
		t.Fatal("failed open persisted")
	}
}
