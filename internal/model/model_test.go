package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValidSymbol(t *testing.T) {
	valid := []string{"A", "AAPL", "BRK.B", "RDS-A", "X1", "ABCDEFGHIJ"}
	for _, s := range valid {
		if !ValidSymbol(s) {
			t.Errorf("want %q valid", s)
		}
	}
	invalid := []string{"", "aapl", "1A", ".A", "-X", "ABCDEFGHIJK", "AA PL", "BZ:AAPL"}
	for _, s := range invalid {
		if ValidSymbol(s) {
			t.Errorf("want %q invalid", s)
		}
	}
}

func TestDirectionSignAndOpposite(t *testing.T) {
	if !Long.Sign().Equal(decimal.NewFromInt(1)) {
		t.Fatalf("long sign = %s", Long.Sign())
	}
	if !Short.Sign().Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("short sign = %s", Short.Sign())
	}
	if Long.Opposite() != Short || Short.Opposite() != Long {
		t.Fatal("opposite broken")
	}
}

func TestPositionPnLAt(t *testing.T) {
	long := Position{Direction: Long, Qty: 10, EntryPrice: decimal.NewFromInt(100)}
	if got := long.PnLAt(decimal.NewFromInt(105)); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("long pnl = %s, want 50", got)
	}
	short := Position{Direction: Short, Qty: 10, EntryPrice: decimal.NewFromInt(100)}
	if got := short.PnLAt(decimal.NewFromInt(105)); !got.Equal(decimal.NewFromInt(-50)) {
		t.Fatalf("short pnl = %s, want -50", got)
	}
	// Loss on the long side mirrors the short gain exactly.
	if got := long.PnLAt(decimal.NewFromFloat(99.95)); !got.Equal(decimal.NewFromFloat(-0.5)) {
		t.Fatalf("long pnl = %s, want -0.5", got)
	}
}

func TestBarValidate(t *testing.T) {
	ts := time.Now()
	ok := Bar{Ts: ts, Open: decimal.NewFromInt(10), High: decimal.NewFromInt(11), Low: decimal.NewFromInt(9), Close: decimal.NewFromInt(10)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid bar rejected: %v", err)
	}
	inverted := ok
	inverted.High, inverted.Low = inverted.Low, inverted.High
	if err := inverted.Validate(); err == nil {
		t.Fatal("inverted bar accepted")
	}
	zero := ok
	zero.Close = decimal.Zero
	if err := zero.Validate(); err == nil {
		t.Fatal("zero-price bar accepted")
	}
	neg := ok
	neg.Volume = -1
	if err := neg.Validate(); err == nil {
		t.Fatal("negative-volume bar accepted")
	}
}
