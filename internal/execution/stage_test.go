package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/momentum-bot/internal/broker"
	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/pipeline"
	"github.com/quantfold/momentum-bot/internal/store"
)

type fakeGate struct{ open bool }

func (g *fakeGate) GateOpen() bool { return g.open }

type placedOrder struct {
	Symbol string
	Action string
	Qty    int64
}

// fakePlacer fills every order at FillPrice and records what was placed.
type fakePlacer struct {
	mu         sync.Mutex
	placed     []placedOrder
	FillPrice    decimal.Decimal
	FillQty      int64 // 0 fills the requested quantity
	OrderErr     error
	PartialOnErr *broker.OrderStatus // last status seen before OrderErr
	Summary      map[string]broker.AccountValue
	SummaryErr   error
	refreshes    int
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{
		FillPrice: decimal.RequireFromString("100"),
		Summary: map[string]broker.AccountValue{
			"NetLiquidation":      {Tag: "NetLiquidation", Value: decimal.NewFromInt(100000), At: time.Now()},
			"EquityWithLoanValue": {Tag: "EquityWithLoanValue", Value: decimal.NewFromInt(90000), At: time.Now()},
			"TotalCashValue":      {Tag: "TotalCashValue", Value: decimal.NewFromInt(50000), At: time.Now()},
		},
	}
}

func (p *fakePlacer) PlaceOrder(ctx context.Context, symbol, action string, qty int64) (<-chan broker.Result, <-chan broker.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, placedOrder{Symbol: symbol, Action: action, Qty: qty})

	done := make(chan broker.Result, 1)
	progress := make(chan broker.OrderStatus, 1)
	if p.OrderErr != nil {
		done <- broker.Result{Err: p.OrderErr, Order: p.PartialOnErr}
		close(progress)
		return done, progress, nil
	}
	filled := qty
	if p.FillQty > 0 {
		filled = p.FillQty
	}
	progress <- broker.OrderStatus{Status: "Submitted", Remaining: qty}
	close(progress)
	done <- broker.Result{Order: &broker.OrderStatus{Status: "Filled", Filled: filled, AvgFillPrice: p.FillPrice}}
	return done, progress, nil
}

func (p *fakePlacer) AccountSummary(ctx context.Context) (map[string]broker.AccountValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.SummaryErr != nil {
		return nil, p.SummaryErr
	}
	return p.Summary, nil
}

func (p *fakePlacer) orders() []placedOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]placedOrder(nil), p.placed...)
}

type fakeBook struct {
	mu    sync.Mutex
	open  map[string]model.Position
	added []model.Position
}

func newFakeBook() *fakeBook { return &fakeBook{open: map[string]model.Position{}} }

func (b *fakeBook) HasOpen(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[symbol]
	return ok
}

func (b *fakeBook) Add(p model.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open[p.Symbol] = p
	b.added = append(b.added, p)
}

func testSignal(symbol, articleID string) model.TradeSignal {
	return model.TradeSignal{
		Symbol:          symbol,
		Direction:       model.Long,
		SignalPrice:     decimal.RequireFromString("100"),
		StopPrice:       decimal.RequireFromString("99"),
		CreatedAt:       time.Now(),
		OriginArticleID: articleID,
	}
}

func newTestStage(gate Gate, placer OrderPlacer, st store.Store, book PositionBook) *Stage {
	return NewStage(pipeline.NewQueue[model.TradeSignal](8, pipeline.Block), gate, placer, st, book, Params{
		RiskPerTrade:    decimal.RequireFromString("0.01"),
		TakeProfitPct:   decimal.RequireFromString("0.02"),
		MaxHold:         10 * time.Minute,
		AccountValueTag: "net_liquidation",
		AccountStale:    30 * time.Second,
		IdempotencyTTL:  10 * time.Minute,
	})
}

func TestQuantitySizing(t *testing.T) {
	cases := []struct {
		account, risk, entry, stop string
		want                       int64
	}{
		{"100000", "0.01", "100", "99", 1000},
		{"100000", "0.01", "100", "98.5", 666}, // floors
		{"100000", "0.01", "99", "100", 1000},  // short, distance is absolute
		{"100000", "0.01", "100", "100", 0},    // zero distance
		{"50", "0.01", "100", "99", 0},         // too small for one share
	}
	for _, c := range cases {
		got := Quantity(
			decimal.RequireFromString(c.account),
			decimal.RequireFromString(c.risk),
			decimal.RequireFromString(c.entry),
			decimal.RequireFromString(c.stop),
		)
		assert.Equal(t, c.want, got, "account=%s entry=%s stop=%s", c.account, c.entry, c.stop)
	}
}

func TestHandleSignalOpensPosition(t *testing.T) {
	placer := newFakePlacer()
	placer.FillPrice = decimal.RequireFromString("100.50")
	st := store.NewMemory()
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, st, book)

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))

	orders := placer.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, placedOrder{Symbol: "ACME", Action: "BUY", Qty: 1000}, orders[0])

	select {
	case pos := <-s.Opened:
		assert.Equal(t, "ACME", pos.Symbol)
		assert.Equal(t, int64(1000), pos.Qty)
		assert.Equal(t, "100.5", pos.EntryPrice.String())
		assert.Equal(t, "99", pos.StopPrice.String())
		assert.Equal(t, "102.51", pos.TakeProfitPrice.String())
		assert.Equal(t, model.StatusOpen, pos.Status)
		assert.True(t, pos.MaxHoldUntil.After(pos.EntryAt))

		stored, ok := st.Get(pos.ID)
		require.True(t, ok)
		assert.Equal(t, pos.ID, stored.ID)
		assert.True(t, book.HasOpen("ACME"))
	default:
		t.Fatal("no position handed off")
	}
}

func TestHandleSignalGateClosed(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStage(&fakeGate{open: false}, placer, store.NewMemory(), newFakeBook())

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))
	assert.Empty(t, placer.orders())
}

func TestHandleSignalDuplicateArticle(t *testing.T) {
	placer := newFakePlacer()
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, store.NewMemory(), book)

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))
	// Same article, different symbol: still a duplicate.
	s.handleSignal(context.Background(), testSignal("OTHR", "a-1"))
	assert.Len(t, placer.orders(), 1)
}

func TestHandleSignalOnePositionPerSymbol(t *testing.T) {
	placer := newFakePlacer()
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, store.NewMemory(), book)

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))
	<-s.Opened
	s.handleSignal(context.Background(), testSignal("ACME", "a-2"))
	assert.Len(t, placer.orders(), 1)
}

func TestHandleSignalShortDisabled(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStage(&fakeGate{open: true}, placer, store.NewMemory(), newFakeBook())

	sig := testSignal("ACME", "a-1")
	sig.Direction = model.Short
	sig.StopPrice = decimal.RequireFromString("101")
	s.handleSignal(context.Background(), sig)
	assert.Empty(t, placer.orders())
}

func TestHandleSignalShortEnabled(t *testing.T) {
	placer := newFakePlacer()
	st := store.NewMemory()
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, st, book)
	s.params.AllowShort = true

	sig := testSignal("ACME", "a-1")
	sig.Direction = model.Short
	sig.StopPrice = decimal.RequireFromString("101")
	s.handleSignal(context.Background(), sig)

	orders := placer.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "SELL", orders[0].Action)

	pos := <-s.Opened
	// Take profit sits below entry for a short.
	assert.Equal(t, "98", pos.TakeProfitPrice.String())
}

func TestHandleSignalAccountUnavailable(t *testing.T) {
	placer := newFakePlacer()
	placer.SummaryErr = errors.New("account timeout")
	s := newTestStage(&fakeGate{open: true}, placer, store.NewMemory(), newFakeBook())

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))
	assert.Empty(t, placer.orders())
}

func TestHandleSignalAccountCacheAndTag(t *testing.T) {
	placer := newFakePlacer()
	st := store.NewMemory()
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, st, book)
	s.params.AccountValueTag = "equity"

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))
	orders := placer.orders()
	require.Len(t, orders, 1)
	// Sized from EquityWithLoanValue 90000 at 1% risk over a 1-point stop.
	assert.Equal(t, int64(900), orders[0].Qty)

	<-s.Opened
	// Second signal inside the stale tolerance reuses the cached value.
	s.handleSignal(context.Background(), testSignal("OTHR", "a-2"))
	placer.mu.Lock()
	refreshes := placer.refreshes
	placer.mu.Unlock()
	assert.Equal(t, 1, refreshes)
}

func TestHandleSignalPartialFillBecomesPosition(t *testing.T) {
	placer := newFakePlacer()
	placer.FillQty = 250
	st := store.NewMemory()
	s := newTestStage(&fakeGate{open: true}, placer, st, newFakeBook())

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))
	pos := <-s.Opened
	assert.Equal(t, int64(250), pos.Qty)
}

func TestHandleSignalTimeoutAfterPartialFill(t *testing.T) {
	placer := newFakePlacer()
	placer.OrderErr = broker.ErrTimeout
	placer.PartialOnErr = &broker.OrderStatus{Status: "Submitted", Filled: 250, Remaining: 750}
	st := store.NewMemory()
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, st, book)

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))

	// The order went quiet, but 250 shares are real and must be tracked.
	pos := <-s.Opened
	assert.Equal(t, int64(250), pos.Qty)
	// No average fill price was reported; the signal price stands in.
	assert.Equal(t, "100", pos.EntryPrice.String())
	assert.True(t, book.HasOpen("ACME"))
	_, ok := st.Get(pos.ID)
	assert.True(t, ok)
}

// flipGate is open on its first read and closed afterwards.
type flipGate struct {
	mu    sync.Mutex
	reads int
}

func (g *flipGate) GateOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads++
	return g.reads == 1
}

func TestHandleSignalGateClosesBeforeSubmit(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStage(&flipGate{}, placer, store.NewMemory(), newFakeBook())

	// The gate passes the entry check but closes during the account refresh;
	// no order may go out.
	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))
	assert.Empty(t, placer.orders())
	placer.mu.Lock()
	refreshes := placer.refreshes
	placer.mu.Unlock()
	assert.Equal(t, 1, refreshes)
}

func TestHandleSignalStoreFailureDegrades(t *testing.T) {
	placer := newFakePlacer()
	st := store.NewMemory()
	st.FailOpens = errors.New("db down")
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, st, book)

	var degraded error
	s.OnStoreFailure = func(err error) { degraded = err }

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))

	require.Error(t, degraded)
	assert.True(t, broker.IsKind(degraded, broker.KindStore))
	// Without a durable record the position is not tracked.
	assert.False(t, book.HasOpen("ACME"))
	select {
	case <-s.Opened:
		t.Fatal("position handed off despite store failure")
	default:
	}
}

func TestHandleSignalOrderRejected(t *testing.T) {
	placer := newFakePlacer()
	placer.OrderErr = &broker.Error{Kind: broker.KindBrokerRejected, Code: 200, Msg: "no security definition"}
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, store.NewMemory(), book)

	s.handleSignal(context.Background(), testSignal("ACME", "a-1"))
	assert.False(t, book.HasOpen("ACME"))
}

func TestHandleExitOppositeAction(t *testing.T) {
	placer := newFakePlacer()
	placer.FillPrice = decimal.RequireFromString("103")
	s := newTestStage(&fakeGate{open: true}, placer, store.NewMemory(), newFakeBook())

	req := ExitRequest{
		Position: model.Position{Symbol: "ACME", Direction: model.Long, Qty: 500},
		Reason:   model.ExitTakeProfit,
		Result:   make(chan ExitResult, 1),
	}
	s.handleExit(context.Background(), req)

	res := <-req.Result
	require.NoError(t, res.Err)
	assert.Equal(t, "103", res.FillPrice.String())
	assert.Equal(t, int64(500), res.FilledQty)

	orders := placer.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, placedOrder{Symbol: "ACME", Action: "SELL", Qty: 500}, orders[0])
}

func TestHandleExitShortBuysBack(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStage(&fakeGate{open: true}, placer, store.NewMemory(), newFakeBook())

	req := ExitRequest{
		Position: model.Position{Symbol: "ACME", Direction: model.Short, Qty: 200},
		Reason:   model.ExitStopLoss,
		Result:   make(chan ExitResult, 1),
	}
	s.handleExit(context.Background(), req)

	<-req.Result
	orders := placer.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "BUY", orders[0].Action)
}

func TestHandleExitGateClosedFails(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStage(&fakeGate{open: false}, placer, store.NewMemory(), newFakeBook())

	req := ExitRequest{
		Position: model.Position{Symbol: "ACME", Direction: model.Long, Qty: 100},
		Reason:   model.ExitTimeStop,
		Result:   make(chan ExitResult, 1),
	}
	s.handleExit(context.Background(), req)

	res := <-req.Result
	require.Error(t, res.Err)
	assert.True(t, broker.IsKind(res.Err, broker.KindTransport))
	assert.Empty(t, placer.orders())
}

func TestRunPrioritizesExits(t *testing.T) {
	placer := newFakePlacer()
	st := store.NewMemory()
	book := newFakeBook()
	s := newTestStage(&fakeGate{open: true}, placer, st, book)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	req := ExitRequest{
		Position: model.Position{Symbol: "ACME", Direction: model.Long, Qty: 100},
		Reason:   model.ExitTimeStop,
		Result:   make(chan ExitResult, 1),
	}
	s.Exits() <- req
	res := <-req.Result
	require.NoError(t, res.Err)

	require.NoError(t, s.signals.Push(ctx, testSignal("ACME", "a-1")))
	select {
	case pos := <-s.Opened:
		assert.Equal(t, "ACME", pos.Symbol)
	case <-time.After(time.Second):
		t.Fatal("signal never processed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunCancelDrainsExits(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStage(&fakeGate{open: true}, placer, store.NewMemory(), newFakeBook())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := ExitRequest{
		Position: model.Position{Symbol: "ACME", Direction: model.Long, Qty: 100},
		Reason:   model.ExitTimeStop,
		Result:   make(chan ExitResult, 1),
	}
	s.Exits() <- req
	s.Run(ctx)

	res := <-req.Result
	assert.ErrorIs(t, res.Err, broker.ErrCancelled)
}
