package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/momentum-bot/internal/broker"
	"github.com/quantfold/momentum-bot/internal/execution"
	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/store"
)

// fakeStreamer hands out detached quote streams keyed by symbol. failFirst
// makes the first n subscriptions fail.
type fakeStreamer struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	counts    map[string]int
	streams   map[string]*broker.QuoteStream
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{counts: map[string]int{}, streams: map[string]*broker.QuoteStream{}}
}

func (f *fakeStreamer) StreamQuotes(ctx context.Context, symbol string) (*broker.QuoteStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, &broker.Error{Kind: broker.KindTransport, Msg: "no session"}
	}
	s := &broker.QuoteStream{Symbol: symbol, C: make(chan broker.Tick, 16)}
	f.counts[symbol]++
	f.streams[symbol] = s
	return s, nil
}

func (f *fakeStreamer) opens(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[symbol]
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStreamer) tick(symbol, price string) {
	f.mu.Lock()
	s := f.streams[symbol]
	f.mu.Unlock()
	if s != nil {
		s.C <- broker.Tick{Symbol: symbol, Price: decimal.RequireFromString(price)}
	}
}

// fakeExec consumes exit requests and replies with scripted results.
type fakeExec struct {
	ch      chan execution.ExitRequest
	mu      sync.Mutex
	reasons []model.ExitReason
	result  execution.ExitResult
}

func newFakeExec(result execution.ExitResult) *fakeExec {
	f := &fakeExec{ch: make(chan execution.ExitRequest, 8), result: result}
	go func() {
		for req := range f.ch {
			f.mu.Lock()
			f.reasons = append(f.reasons, req.Reason)
			res := f.result
			f.mu.Unlock()
			req.Result <- res
		}
	}()
	return f
}

func (f *fakeExec) lastReason() (model.ExitReason, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reasons) == 0 {
		return "", false
	}
	return f.reasons[len(f.reasons)-1], true
}

func (f *fakeExec) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

func longPosition(id string, hold time.Duration) model.Position {
	now := time.Now()
	return model.Position{
		ID:              id,
		Symbol:          "ACME",
		Direction:       model.Long,
		Qty:             100,
		EntryPrice:      decimal.RequireFromString("100"),
		EntryAt:         now,
		StopPrice:       decimal.RequireFromString("99"),
		TakeProfitPrice: decimal.RequireFromString("102"),
		MaxHoldUntil:    now.Add(hold),
		Status:          model.StatusOpen,
	}
}

func TestEvaluateRuleOrder(t *testing.T) {
	pos := longPosition("p1", time.Minute)
	now := time.Now()

	// Time stop wins even when the price would also trigger.
	reason, hit := Evaluate(pos, decimal.RequireFromString("98"), pos.MaxHoldUntil)
	require.True(t, hit)
	assert.Equal(t, model.ExitTimeStop, reason)

	reason, hit = Evaluate(pos, decimal.RequireFromString("99"), now)
	require.True(t, hit)
	assert.Equal(t, model.ExitStopLoss, reason)

	reason, hit = Evaluate(pos, decimal.RequireFromString("102"), now)
	require.True(t, hit)
	assert.Equal(t, model.ExitTakeProfit, reason)

	_, hit = Evaluate(pos, decimal.RequireFromString("100.5"), now)
	assert.False(t, hit)
}

func TestEvaluateShortDirection(t *testing.T) {
	pos := longPosition("p1", time.Minute)
	pos.Direction = model.Short
	pos.StopPrice = decimal.RequireFromString("101")
	pos.TakeProfitPrice = decimal.RequireFromString("98")
	now := time.Now()

	reason, hit := Evaluate(pos, decimal.RequireFromString("101"), now)
	require.True(t, hit)
	assert.Equal(t, model.ExitStopLoss, reason)

	reason, hit = Evaluate(pos, decimal.RequireFromString("98"), now)
	require.True(t, hit)
	assert.Equal(t, model.ExitTakeProfit, reason)

	_, hit = Evaluate(pos, decimal.RequireFromString("100"), now)
	assert.False(t, hit)
}

func TestWatcherClosesOnTakeProfit(t *testing.T) {
	streamer := newFakeStreamer()
	exec := newFakeExec(execution.ExitResult{FillPrice: decimal.RequireFromString("102.5"), FilledQty: 100})
	st := store.NewMemory()
	book := NewBook()

	pos := longPosition("p1", time.Minute)
	require.NoError(t, st.OpenPosition(context.Background(), pos))
	book.Add(pos)

	sup := NewSupervisor(book, streamer, exec.ch, make(chan model.Position), st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Track(ctx, pos)

	require.Eventually(t, func() bool {
		streamer.tick("ACME", "102.5")
		return book.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	reason, ok := exec.lastReason()
	require.True(t, ok)
	assert.Equal(t, model.ExitTakeProfit, reason)

	closed, ok := st.Get("p1")
	require.True(t, ok)
	assert.Equal(t, model.StatusClosed, closed.Status)
	assert.Equal(t, "102.5", closed.ExitPrice.String())
	// 2.5 points on 100 shares.
	assert.Equal(t, "250", closed.PnL.String())
}

func TestWatcherIgnoresNonTriggeringTicks(t *testing.T) {
	streamer := newFakeStreamer()
	exec := newFakeExec(execution.ExitResult{FillPrice: decimal.RequireFromString("99")})
	st := store.NewMemory()
	book := NewBook()

	pos := longPosition("p1", time.Minute)
	book.Add(pos)
	sup := NewSupervisor(book, streamer, exec.ch, make(chan model.Position), st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Track(ctx, pos)

	require.Eventually(t, func() bool {
		streamer.mu.Lock()
		defer streamer.mu.Unlock()
		return streamer.streams["ACME"] != nil
	}, time.Second, 5*time.Millisecond)

	streamer.tick("ACME", "100.5")
	streamer.tick("ACME", "0") // bad print, skipped
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, exec.requests())
	assert.Equal(t, 1, book.Len())
}

func TestWatcherTimeStopWithoutStream(t *testing.T) {
	exec := newFakeExec(execution.ExitResult{FillPrice: decimal.RequireFromString("100"), FilledQty: 100})
	st := store.NewMemory()
	book := NewBook()

	pos := longPosition("p1", 20*time.Millisecond)
	require.NoError(t, st.OpenPosition(context.Background(), pos))
	book.Add(pos)

	// The stream never opens; the time stop alone closes the position.
	sup := NewSupervisor(book, failingStreamer{}, exec.ch, make(chan model.Position), st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Track(ctx, pos)

	require.Eventually(t, func() bool { return book.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	reason, ok := exec.lastReason()
	require.True(t, ok)
	assert.Equal(t, model.ExitTimeStop, reason)
}

func TestResumeStreamsReopensWatcherSubscription(t *testing.T) {
	streamer := newFakeStreamer()
	exec := newFakeExec(execution.ExitResult{FillPrice: decimal.RequireFromString("102.5"), FilledQty: 100})
	st := store.NewMemory()
	book := NewBook()

	pos := longPosition("p1", time.Minute)
	require.NoError(t, st.OpenPosition(context.Background(), pos))
	book.Add(pos)

	sup := NewSupervisor(book, streamer, exec.ch, make(chan model.Position), st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Track(ctx, pos)

	require.Eventually(t, func() bool { return streamer.opens("ACME") == 1 }, time.Second, 5*time.Millisecond)

	// A rebuilt session invalidates the old subscription; the watcher must
	// come back on a fresh one and still act on its triggers.
	sup.ResumeStreams()
	require.Eventually(t, func() bool { return streamer.opens("ACME") == 2 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		streamer.tick("ACME", "102.5")
		return book.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	reason, ok := exec.lastReason()
	require.True(t, ok)
	assert.Equal(t, model.ExitTakeProfit, reason)
}

func TestResumeStreamsRetriesFailedSubscription(t *testing.T) {
	streamer := newFakeStreamer()
	streamer.failFirst = 1
	exec := newFakeExec(execution.ExitResult{FillPrice: decimal.RequireFromString("99"), FilledQty: 100})
	st := store.NewMemory()
	book := NewBook()

	pos := longPosition("p1", time.Minute)
	require.NoError(t, st.OpenPosition(context.Background(), pos))
	book.Add(pos)

	sup := NewSupervisor(book, streamer, exec.ch, make(chan model.Position), st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Track(ctx, pos)

	// First subscription fails; the watcher sits on the time stop alone.
	require.Eventually(t, func() bool { return streamer.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, streamer.opens("ACME"))

	sup.ResumeStreams()
	require.Eventually(t, func() bool { return streamer.opens("ACME") == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		streamer.tick("ACME", "98.5")
		return book.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	reason, ok := exec.lastReason()
	require.True(t, ok)
	assert.Equal(t, model.ExitStopLoss, reason)
}

type failingStreamer struct{}

func (failingStreamer) StreamQuotes(ctx context.Context, symbol string) (*broker.QuoteStream, error) {
	return nil, &broker.Error{Kind: broker.KindTransport, Msg: "no session"}
}

func TestCloseRetriesThenStuck(t *testing.T) {
	streamer := newFakeStreamer()
	exec := newFakeExec(execution.ExitResult{Err: &broker.Error{Kind: broker.KindTimeout, Msg: "order timeout"}})
	st := store.NewMemory()
	book := NewBook()

	pos := longPosition("p1", time.Hour)
	book.Add(pos)
	sup := NewSupervisor(book, streamer, exec.ch, make(chan model.Position), st)

	sup.close(context.Background(), pos, model.ExitStopLoss, decimal.RequireFromString("99"))

	assert.Equal(t, 3, exec.requests())
	p, ok := book.Get("p1")
	require.True(t, ok)
	assert.Equal(t, model.StatusStuckClosing, p.Status)
}

func TestRunTracksOpenedPositions(t *testing.T) {
	streamer := newFakeStreamer()
	exec := newFakeExec(execution.ExitResult{FillPrice: decimal.RequireFromString("99"), FilledQty: 100})
	st := store.NewMemory()
	book := NewBook()

	opened := make(chan model.Position, 1)
	sup := NewSupervisor(book, streamer, exec.ch, opened, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	pos := longPosition("p1", time.Minute)
	require.NoError(t, st.OpenPosition(ctx, pos))
	book.Add(pos)
	opened <- pos

	require.Eventually(t, func() bool {
		streamer.tick("ACME", "98.5")
		return book.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	reason, _ := exec.lastReason()
	assert.Equal(t, model.ExitStopLoss, reason)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
