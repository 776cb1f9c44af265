package detect

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/quantfold/momentum-bot/internal/model"
)

var ErrNoBars = errors.New("no bars")

// TrueRange for bar i given the previous close:
// max(H-L, |H-prevClose|, |L-prevClose|). With no previous close it is H-L.
func trueRange(bar model.Bar, prevClose decimal.Decimal, hasPrev bool) decimal.Decimal {
	hl := bar.High.Sub(bar.Low)
	if !hasPrev {
		return hl
	}
	hc := bar.High.Sub(prevClose).Abs()
	lc := bar.Low.Sub(prevClose).Abs()
	tr := hl
	if hc.GreaterThan(tr) {
		tr = hc
	}
	if lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// ATR is the plain arithmetic mean of true ranges over bars (ascending).
// Wilder smoothing is deliberately not applied; the documented formula is a
// simple mean. The first bar's true range is high-low.
func ATR(bars []model.Bar) (decimal.Decimal, error) {
	if len(bars) == 0 {
		return decimal.Zero, ErrNoBars
	}
	sum := decimal.Zero
	for i, b := range bars {
		var prev decimal.Decimal
		hasPrev := i > 0
		if hasPrev {
			prev = bars[i-1].Close
		}
		sum = sum.Add(trueRange(b, prev, hasPrev))
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars)))), nil
}

// SMAVolume averages bar volume over the last n bars. When fewer than n are
// available it averages what is there and reports full=false so the caller
// can emit a diagnostic.
func SMAVolume(bars []model.Bar, n int) (decimal.Decimal, bool, error) {
	if len(bars) == 0 || n <= 0 {
		return decimal.Zero, false, ErrNoBars
	}
	window := bars
	full := len(bars) >= n
	if full {
		window = bars[len(bars)-n:]
	}
	var sum int64
	for _, b := range window {
		sum += b.Volume
	}
	return decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(len(window)))), full, nil
}
