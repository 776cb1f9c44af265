package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/momentum-bot/internal/broker"
	"github.com/quantfold/momentum-bot/internal/execution"
	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/observ"
	"github.com/quantfold/momentum-bot/internal/store"
)

const (
	closeRetries    = 3
	closeRetryDelay = time.Second
)

// QuoteStreamer is the slice of the bridge the supervisor needs.
type QuoteStreamer interface {
	StreamQuotes(ctx context.Context, symbol string) (*broker.QuoteStream, error)
}

// Supervisor watches every open position on its own quote stream and drives
// exits through the execution stage's command channel.
type Supervisor struct {
	book     *Book
	streamer QuoteStreamer
	exits    chan<- execution.ExitRequest
	opened   <-chan model.Position
	store    store.Store

	mu     sync.Mutex
	resume chan struct{}

	wg  sync.WaitGroup
	now func() time.Time
}

func NewSupervisor(book *Book, streamer QuoteStreamer, exits chan<- execution.ExitRequest, opened <-chan model.Position, st store.Store) *Supervisor {
	return &Supervisor{
		book:     book,
		streamer: streamer,
		exits:    exits,
		opened:   opened,
		store:    st,
		resume:   make(chan struct{}),
		now:      time.Now,
	}
}

// ResumeStreams makes every watcher drop its quote stream and open a fresh
// one. Runs from the reconnect sync checklist; market-data subscriptions do
// not survive a session drop.
func (s *Supervisor) ResumeStreams() {
	s.mu.Lock()
	ch := s.resume
	s.resume = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

func (s *Supervisor) resumeBarrier() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume
}

// Run accepts newly opened positions until ctx is cancelled, then waits for
// the per-position watchers to wind down.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case pos := <-s.opened:
			s.Track(ctx, pos)
		}
	}
}

// Track starts a watcher for one position. Also called during the reconnect
// sync checklist for positions recovered from the store.
func (s *Supervisor) Track(ctx context.Context, pos model.Position) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(ctx, pos)
	}()
}

func (s *Supervisor) watch(ctx context.Context, pos model.Position) {
	resume := s.resumeBarrier()
	stream, ticks := s.openStream(ctx, pos)
	defer func() {
		if stream != nil {
			stream.Cancel()
		}
	}()

	holdLeft := time.Until(pos.MaxHoldUntil)
	if holdLeft < 0 {
		holdLeft = 0
	}
	timeStop := time.NewTimer(holdLeft)
	defer timeStop.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resume:
			// The session was rebuilt; the old subscription died with it.
			if stream != nil {
				stream.Cancel()
			}
			resume = s.resumeBarrier()
			stream, ticks = s.openStream(ctx, pos)
		case <-timeStop.C:
			s.close(ctx, pos, model.ExitTimeStop, decimal.Decimal{})
			return
		case tick := <-ticks:
			if !tick.Price.IsPositive() {
				continue
			}
			reason, hit := Evaluate(pos, tick.Price, s.now())
			if !hit {
				continue
			}
			s.close(ctx, pos, reason, tick.Price)
			return
		}
	}
}

func (s *Supervisor) openStream(ctx context.Context, pos model.Position) (*broker.QuoteStream, <-chan broker.Tick) {
	stream, err := s.streamer.StreamQuotes(ctx, pos.Symbol)
	if err != nil {
		observ.Warn("position_stream_failed", map[string]any{"position_id": pos.ID, "symbol": pos.Symbol, "err": err.Error()})
		// No market data for the position. The time stop still applies, and
		// the next resume retries the subscription.
		return nil, nil
	}
	return stream, stream.C
}

// Evaluate applies the exit rules in their fixed order: time stop, stop
// loss, take profit.
func Evaluate(pos model.Position, price decimal.Decimal, now time.Time) (model.ExitReason, bool) {
	if !now.Before(pos.MaxHoldUntil) {
		return model.ExitTimeStop, true
	}
	if pos.Direction == model.Long {
		if price.LessThanOrEqual(pos.StopPrice) {
			return model.ExitStopLoss, true
		}
		if price.GreaterThanOrEqual(pos.TakeProfitPrice) {
			return model.ExitTakeProfit, true
		}
	} else {
		if price.GreaterThanOrEqual(pos.StopPrice) {
			return model.ExitStopLoss, true
		}
		if price.LessThanOrEqual(pos.TakeProfitPrice) {
			return model.ExitTakeProfit, true
		}
	}
	return "", false
}

// close latches the position into Closing, submits the exit through the
// execution stage, and finalizes on fill. Further triggers are ignored
// because the watcher returns after the first one.
func (s *Supervisor) close(ctx context.Context, pos model.Position, reason model.ExitReason, lastPrice decimal.Decimal) {
	s.book.SetStatus(pos.ID, model.StatusClosing)
	observ.Log("position_closing", map[string]any{"position_id": pos.ID, "symbol": pos.Symbol, "reason": string(reason), "price": lastPrice.String()})

	var lastErr error
	for attempt := 1; attempt <= closeRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(closeRetryDelay):
			}
		}
		res, err := s.submitExit(ctx, pos, reason)
		if err == nil && res.Err == nil {
			s.finalize(ctx, pos, reason, res)
			return
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = res.Err
		}
		observ.Warn("position_close_retry", map[string]any{"position_id": pos.ID, "attempt": attempt, "err": lastErr.Error()})
	}

	s.book.SetStatus(pos.ID, model.StatusStuckClosing)
	observ.IncCounter("positions_stuck_total", map[string]string{"symbol": pos.Symbol})
	observ.Error("position_stuck_closing", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"qty":         pos.Qty,
		"reason":      string(reason),
		"err":         lastErr.Error(),
		"alert":       "fatal",
	})
}

func (s *Supervisor) submitExit(ctx context.Context, pos model.Position, reason model.ExitReason) (execution.ExitResult, error) {
	req := execution.ExitRequest{
		Position: pos,
		Reason:   reason,
		Result:   make(chan execution.ExitResult, 1),
	}
	select {
	case s.exits <- req:
	case <-ctx.Done():
		return execution.ExitResult{}, ctx.Err()
	}
	select {
	case res := <-req.Result:
		return res, nil
	case <-ctx.Done():
		return execution.ExitResult{}, ctx.Err()
	}
}

func (s *Supervisor) finalize(ctx context.Context, pos model.Position, reason model.ExitReason, res execution.ExitResult) {
	exitAt := s.now()
	pnl := pos.PnLAt(res.FillPrice)
	if err := s.store.ClosePosition(ctx, pos.ID, res.FillPrice, exitAt, pnl); err != nil {
		observ.Error("close_position_store_failed", map[string]any{"position_id": pos.ID, "err": err.Error()})
		observ.IncCounter("store_failures_total", map[string]string{"op": "close"})
	}
	s.book.Remove(pos.ID)
	observ.IncCounter("positions_closed_total", map[string]string{"symbol": pos.Symbol, "reason": string(reason)})
	observ.Log("position_closed", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"reason":      string(reason),
		"exit":        res.FillPrice.String(),
		"pnl":         pnl.String(),
	})
}
