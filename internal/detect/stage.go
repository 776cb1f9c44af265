package detect

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantfold/momentum-bot/internal/broker"
	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/observ"
	"github.com/quantfold/momentum-bot/internal/pipeline"
	"github.com/quantfold/momentum-bot/internal/trace"
)

const (
	atrPeriod    = 10
	smaVolPeriod = 20
	barFetchN    = 11 // 10 closed + the in-progress bar
)

// MarketData is the slice of the bridge the detector needs.
type MarketData interface {
	FetchHistoricalBars(ctx context.Context, symbol string, count int) ([]model.Bar, error)
	SnapshotQuote(ctx context.Context, symbol string) (broker.Tick, error)
}

// Params are the shock-rule knobs.
type Params struct {
	PriceMult     decimal.Decimal
	VolMult       decimal.Decimal
	WorkerCount   int
	FetchDeadline time.Duration
}

// Stage runs a worker pool turning TickerEvents into TradeSignals.
type Stage struct {
	in       *pipeline.Queue[model.TickerEvent]
	out      *pipeline.Queue[model.TradeSignal]
	data     MarketData
	cooldown *Cooldown
	params   Params

	now func() time.Time
}

func NewStage(in *pipeline.Queue[model.TickerEvent], out *pipeline.Queue[model.TradeSignal], data MarketData, cooldown *Cooldown, params Params) *Stage {
	if params.WorkerCount <= 0 {
		params.WorkerCount = 4
	}
	if params.FetchDeadline <= 0 {
		params.FetchDeadline = 2 * time.Second
	}
	return &Stage{
		in:       in,
		out:      out,
		data:     data,
		cooldown: cooldown,
		params:   params,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (s *Stage) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.params.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	wg.Wait()
}

func (s *Stage) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.in.Chan():
			s.evaluate(ctx, ev)
		}
	}
}

func (s *Stage) evaluate(ctx context.Context, ev model.TickerEvent) {
	ctx, span := trace.Start(ctx, "detect.evaluate")
	span.SetAttributes(attribute.String("symbol", ev.Symbol), attribute.String("article_id", ev.ArticleID))
	defer span.End()

	if !s.cooldown.Allow(ev.Symbol) {
		observ.Debug("detect_cooldown", map[string]any{"symbol": ev.Symbol, "remaining_ms": s.cooldown.Remaining(ev.Symbol).Milliseconds()})
		return
	}

	bars, snap, err := s.fetch(ctx, ev.Symbol)
	if err != nil {
		observ.Warn("detect_fetch_failed", map[string]any{"symbol": ev.Symbol, "article_id": ev.ArticleID, "err": err.Error()})
		observ.IncCounter("detect_fetch_failures_total", nil)
		return
	}

	sig, ok := s.judge(ev, bars, snap)
	if !ok {
		return
	}
	s.cooldown.Mark(ev.Symbol)
	if err := s.out.Push(ctx, sig); err != nil {
		observ.Warn("detect_emit_failed", map[string]any{"symbol": ev.Symbol, "err": err.Error()})
		return
	}
	observ.IncCounter("signals_total", map[string]string{"symbol": sig.Symbol, "direction": string(sig.Direction)})
	observ.Log("trade_signal", map[string]any{
		"symbol":     sig.Symbol,
		"direction":  string(sig.Direction),
		"price":      sig.SignalPrice.String(),
		"stop":       sig.StopPrice.String(),
		"article_id": sig.OriginArticleID,
	})
}

// fetch issues the bar and snapshot requests in parallel under one deadline.
// The bar fetch gets a single retry after 500 ms; a snapshot timeout aborts.
func (s *Stage) fetch(parent context.Context, symbol string) ([]model.Bar, broker.Tick, error) {
	ctx, cancel := context.WithTimeout(parent, s.params.FetchDeadline)
	defer cancel()

	type barsRes struct {
		bars []model.Bar
		err  error
	}
	type snapRes struct {
		tick broker.Tick
		err  error
	}
	barsCh := make(chan barsRes, 1)
	snapCh := make(chan snapRes, 1)

	go func() {
		bars, err := s.data.FetchHistoricalBars(ctx, symbol, barFetchN)
		if err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-time.After(500 * time.Millisecond):
				bars, err = s.data.FetchHistoricalBars(ctx, symbol, barFetchN)
			}
		}
		barsCh <- barsRes{bars: bars, err: err}
	}()
	go func() {
		tick, err := s.data.SnapshotQuote(ctx, symbol)
		snapCh <- snapRes{tick: tick, err: err}
	}()

	br := <-barsCh
	sr := <-snapCh
	if sr.err != nil {
		return nil, broker.Tick{}, sr.err
	}
	if br.err != nil {
		return nil, broker.Tick{}, br.err
	}
	return br.bars, sr.tick, nil
}

// judge applies the shock rule. bars are ascending; the last is the
// in-progress bar and is replaced by the snapshot.
func (s *Stage) judge(ev model.TickerEvent, bars []model.Bar, snap broker.Tick) (model.TradeSignal, bool) {
	if len(bars) < atrPeriod+1 {
		observ.Warn("detect_short_history", map[string]any{"symbol": ev.Symbol, "bars": len(bars)})
		return model.TradeSignal{}, false
	}
	closed := bars[:len(bars)-1]
	atrWindow := closed[len(closed)-atrPeriod:]

	atr, err := ATR(atrWindow)
	if err != nil || !atr.IsPositive() {
		observ.Warn("detect_flat_range", map[string]any{"symbol": ev.Symbol})
		return model.TradeSignal{}, false
	}
	smaVol, full, err := SMAVolume(closed, smaVolPeriod)
	if err != nil {
		return model.TradeSignal{}, false
	}
	if !full {
		observ.Debug("detect_short_volume_history", map[string]any{"symbol": ev.Symbol, "bars": len(closed)})
	}

	last := closed[len(closed)-1]
	open := last.Close
	delta := snap.Price.Sub(open)
	curVolume := snap.CumVolume - last.CumVolume
	if curVolume < 0 {
		observ.Warn("detect_volume_regression", map[string]any{"symbol": ev.Symbol, "cum": snap.CumVolume, "bar_cum": last.CumVolume})
		return model.TradeSignal{}, false
	}

	priceShock := delta.Abs().GreaterThan(atr.Mul(s.params.PriceMult))
	volShock := smaVol.IsPositive() && decimal.NewFromInt(curVolume).GreaterThan(smaVol.Mul(s.params.VolMult))
	observ.Debug("detect_evaluated", map[string]any{
		"symbol":      ev.Symbol,
		"delta":       delta.String(),
		"atr":         atr.String(),
		"volume":      curVolume,
		"sma_vol":     smaVol.String(),
		"price_shock": priceShock,
		"vol_shock":   volShock,
	})
	if !priceShock || !volShock {
		return model.TradeSignal{}, false
	}

	dir := model.Long
	stop := open.Sub(atr)
	if delta.IsNegative() {
		dir = model.Short
		stop = open.Add(atr)
	}
	return model.TradeSignal{
		Symbol:          ev.Symbol,
		Direction:       dir,
		SignalPrice:     snap.Price,
		StopPrice:       stop,
		CreatedAt:       s.now(),
		OriginArticleID: ev.ArticleID,
	}, true
}
