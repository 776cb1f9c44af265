package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// symbolRE is the only ticker shape the pipeline accepts. Anything else is
// rejected at the news stage before it can reach the broker.
var symbolRE = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// ValidSymbol reports whether s is an acceptable equity ticker.
func ValidSymbol(s string) bool {
	return symbolRE.MatchString(s)
}

// Direction is the side of a signal or position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for Long and -1 for Short, as a decimal multiplier for PnL.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the closing side for a position opened in direction d.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// NewsArticle is a raw broad-tape article as delivered by the broker feed.
type NewsArticle struct {
	ID          string
	Provider    string
	Headline    string
	Body        string
	SymbolsHint string // provider extra data, e.g. "BZ:AAPL,MSFT"
	PublishedAt time.Time
	ReceivedAt  time.Time
}

// TickerEvent is the news stage's output: one article resolved to one symbol.
type TickerEvent struct {
	Symbol      string
	ArticleID   string
	PublishedAt time.Time
	ReceivedAt  time.Time
}

// Bar is a single 1-minute candle. Bars handed to the detector are ordered by
// Ts ascending. CumVolume is the session-cumulative volume at bar close, used
// to derive the in-progress bar's volume from a snapshot.
type Bar struct {
	Ts        time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
	CumVolume int64
}

// Validate rejects bars with non-positive or inverted prices.
func (b Bar) Validate() error {
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return fmt.Errorf("bar %s: non-positive price", b.Ts.Format(time.RFC3339))
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("bar %s: high %s below low %s", b.Ts.Format(time.RFC3339), b.High, b.Low)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s: negative volume %d", b.Ts.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// TradeSignal is the detection stage's output. Immutable once emitted.
type TradeSignal struct {
	Symbol          string
	Direction       Direction
	SignalPrice     decimal.Decimal
	StopPrice       decimal.Decimal
	CreatedAt       time.Time
	OriginArticleID string
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen         PositionStatus = "OPEN"
	StatusClosing      PositionStatus = "CLOSING"
	StatusClosed       PositionStatus = "CLOSED"
	StatusStuckClosing PositionStatus = "STUCK_CLOSING"
)

// ExitReason is why the position supervisor decided to close a position.
type ExitReason string

const (
	ExitTimeStop   ExitReason = "TIME_STOP"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
)

// Position is an open or closed trade. The position supervisor owns the
// mutable state; the execution stage only touches it during the open
// transaction.
type Position struct {
	ID              string
	Symbol          string
	Direction       Direction
	Qty             int64
	EntryPrice      decimal.Decimal
	EntryAt         time.Time
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal
	MaxHoldUntil    time.Time
	Status          PositionStatus
	ExitPrice       decimal.Decimal
	ExitAt          *time.Time
	PnL             decimal.Decimal
	OriginArticleID string
}

// PnLAt computes realized PnL for an exit at the given price:
// sign(direction) * (exit - entry) * qty, exact in decimal.
func (p Position) PnLAt(exit decimal.Decimal) decimal.Decimal {
	return exit.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Qty)).Mul(p.Direction.Sign())
}
