package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantfold/momentum-bot/internal/broker"
	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/observ"
	"github.com/quantfold/momentum-bot/internal/pipeline"
	"github.com/quantfold/momentum-bot/internal/store"
	"github.com/quantfold/momentum-bot/internal/trace"
)

// ExitResult reports the outcome of a close order back to the position
// supervisor.
type ExitResult struct {
	FillPrice decimal.Decimal
	FilledQty int64
	Err       error
}

// ExitRequest asks the stage to close a position. The stage replies exactly
// once on Result.
type ExitRequest struct {
	Position model.Position
	Reason   model.ExitReason
	Result   chan ExitResult
}

// Gate is the supervisor's execution gate.
type Gate interface {
	GateOpen() bool
}

// OrderPlacer is the slice of the bridge the stage needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, symbol, action string, qty int64) (<-chan broker.Result, <-chan broker.OrderStatus, error)
	AccountSummary(ctx context.Context) (map[string]broker.AccountValue, error)
}

// PositionBook is the open-position set owned by the position supervisor.
type PositionBook interface {
	HasOpen(symbol string) bool
	Add(p model.Position)
}

// Params are the sizing and lifecycle knobs.
type Params struct {
	RiskPerTrade    decimal.Decimal
	TakeProfitPct   decimal.Decimal
	MaxHold         time.Duration
	AllowShort      bool
	AccountValueTag string // equity | net_liquidation | cash
	AccountStale    time.Duration
	IdempotencyTTL  time.Duration
}

// Stage is the single serialized order-submission path. Entry signals and
// exit commands share one loop so submissions are strictly ordered.
type Stage struct {
	signals *pipeline.Queue[model.TradeSignal]
	exits   chan ExitRequest
	gate    Gate
	placer  OrderPlacer
	store   store.Store
	book    PositionBook
	params  Params

	// Opened hands freshly filled positions to the position supervisor.
	Opened chan model.Position

	// OnStoreFailure fires when a fill has no durable record; the wiring
	// degrades the connection supervisor so the position is reconciled on
	// recovery.
	OnStoreFailure func(err error)

	mu       sync.Mutex
	account  broker.AccountValue
	recently map[string]time.Time // originArticleId -> first seen

	now func() time.Time
}

func NewStage(signals *pipeline.Queue[model.TradeSignal], gate Gate, placer OrderPlacer, st store.Store, book PositionBook, params Params) *Stage {
	if params.AccountStale <= 0 {
		params.AccountStale = 30 * time.Second
	}
	if params.IdempotencyTTL <= 0 {
		params.IdempotencyTTL = 10 * time.Minute
	}
	if params.MaxHold <= 0 {
		params.MaxHold = 600 * time.Second
	}
	return &Stage{
		signals:  signals,
		exits:    make(chan ExitRequest, 64),
		gate:     gate,
		placer:   placer,
		store:    st,
		book:     book,
		params:   params,
		Opened:   make(chan model.Position, 64),
		recently: map[string]time.Time{},
		now:      time.Now,
	}
}

// Exits is the command channel the position supervisor submits through.
func (s *Stage) Exits() chan<- ExitRequest {
	return s.exits
}

// Run processes signals and exit commands serially until ctx is cancelled.
// Exit commands win ties so closes are never starved by entries.
func (s *Stage) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainExits()
			return
		case req := <-s.exits:
			s.handleExit(ctx, req)
		default:
		}
		select {
		case <-ctx.Done():
			s.drainExits()
			return
		case req := <-s.exits:
			s.handleExit(ctx, req)
		case sig := <-s.signals.Chan():
			s.handleSignal(ctx, sig)
		}
	}
}

func (s *Stage) drainExits() {
	for {
		select {
		case req := <-s.exits:
			req.Result <- ExitResult{Err: broker.ErrCancelled}
		default:
			return
		}
	}
}

func (s *Stage) handleSignal(ctx context.Context, sig model.TradeSignal) {
	ctx, span := trace.Start(ctx, "execution.entry")
	span.SetAttributes(attribute.String("symbol", sig.Symbol), attribute.String("article_id", sig.OriginArticleID))
	defer span.End()

	// Gate read happens immediately before submission; a signal arriving
	// while degraded is dropped, never queued.
	if !s.gate.GateOpen() {
		observ.Log("signal_dropped", map[string]any{"symbol": sig.Symbol, "reason": "gate_closed"})
		observ.IncCounter("signals_dropped_total", map[string]string{"reason": "gate_closed"})
		return
	}
	if !s.admit(sig.OriginArticleID) {
		observ.Log("signal_dropped", map[string]any{"symbol": sig.Symbol, "reason": "duplicate_article", "article_id": sig.OriginArticleID})
		observ.IncCounter("signals_dropped_total", map[string]string{"reason": "duplicate_article"})
		return
	}
	if s.book.HasOpen(sig.Symbol) {
		observ.Log("signal_dropped", map[string]any{"symbol": sig.Symbol, "reason": "position_open"})
		observ.IncCounter("signals_dropped_total", map[string]string{"reason": "position_open"})
		return
	}
	if sig.Direction == model.Short && !s.params.AllowShort {
		observ.Log("signal_dropped", map[string]any{"symbol": sig.Symbol, "reason": "short_disabled"})
		observ.IncCounter("signals_dropped_total", map[string]string{"reason": "short_disabled"})
		return
	}

	accountValue, err := s.accountValue(ctx)
	if err != nil {
		observ.Warn("account_refresh_failed", map[string]any{"err": err.Error()})
		observ.IncCounter("signals_dropped_total", map[string]string{"reason": "account_unavailable"})
		return
	}

	qty := Quantity(accountValue, s.params.RiskPerTrade, sig.SignalPrice, sig.StopPrice)
	if qty < 1 {
		observ.Log("signal_dropped", map[string]any{"symbol": sig.Symbol, "reason": "qty_zero", "account_value": accountValue.String()})
		observ.IncCounter("signals_dropped_total", map[string]string{"reason": "qty_zero"})
		return
	}

	action := "BUY"
	if sig.Direction == model.Short {
		action = "SELL"
	}

	// The account refresh above can cost a broker round trip; re-read the
	// gate at the submission boundary.
	if !s.gate.GateOpen() {
		observ.Log("signal_dropped", map[string]any{"symbol": sig.Symbol, "reason": "gate_closed"})
		observ.IncCounter("signals_dropped_total", map[string]string{"reason": "gate_closed"})
		return
	}

	final, err := s.submit(ctx, sig.Symbol, action, qty)
	if err != nil {
		if final.Filled < 1 {
			observ.Warn("entry_order_failed", map[string]any{"symbol": sig.Symbol, "err": err.Error()})
			observ.IncCounter("orders_failed_total", map[string]string{"side": "entry"})
			return
		}
		// The order went quiet after a partial fill. Those shares are real;
		// they become a position like any other fill.
		observ.Warn("entry_order_partial", map[string]any{"symbol": sig.Symbol, "filled": final.Filled, "err": err.Error()})
	} else if final.Filled < 1 {
		observ.Log("entry_unfilled", map[string]any{"symbol": sig.Symbol, "status": final.Status})
		observ.IncCounter("orders_failed_total", map[string]string{"side": "entry"})
		return
	}

	now := s.now()
	entry := final.AvgFillPrice
	if !entry.IsPositive() {
		// Partial-fill progress updates may not carry an average price yet.
		entry = sig.SignalPrice
	}
	tpDelta := entry.Mul(s.params.TakeProfitPct)
	tp := entry.Add(tpDelta)
	if sig.Direction == model.Short {
		tp = entry.Sub(tpDelta)
	}
	pos := model.Position{
		ID:              uuid.NewString(),
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		Qty:             final.Filled, // a partial fill still becomes a position
		EntryPrice:      entry,
		EntryAt:         now,
		StopPrice:       sig.StopPrice,
		TakeProfitPrice: tp,
		MaxHoldUntil:    now.Add(s.params.MaxHold),
		Status:          model.StatusOpen,
		OriginArticleID: sig.OriginArticleID,
	}

	if err := s.store.OpenPosition(ctx, pos); err != nil {
		// The order filled but has no durable record. This is the one
		// store failure the engine treats as fatal to the session.
		observ.Error("open_position_store_failed", map[string]any{"symbol": pos.Symbol, "position_id": pos.ID, "err": err.Error()})
		observ.IncCounter("store_failures_total", map[string]string{"op": "open"})
		if s.OnStoreFailure != nil {
			s.OnStoreFailure(&broker.Error{Kind: broker.KindStore, Msg: err.Error()})
		}
		return
	}

	s.book.Add(pos)
	select {
	case s.Opened <- pos:
	case <-ctx.Done():
		return
	}
	observ.IncCounter("positions_opened_total", map[string]string{"symbol": pos.Symbol})
	observ.Log("position_opened", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"direction":   string(pos.Direction),
		"qty":         pos.Qty,
		"entry":       pos.EntryPrice.String(),
		"stop":        pos.StopPrice.String(),
		"take_profit": pos.TakeProfitPrice.String(),
	})
}

func (s *Stage) handleExit(ctx context.Context, req ExitRequest) {
	ctx, span := trace.Start(ctx, "execution.exit")
	span.SetAttributes(attribute.String("symbol", req.Position.Symbol), attribute.String("reason", string(req.Reason)))
	defer span.End()

	// Exits reuse the entry path's gating: a closed gate fails the request
	// and the position supervisor retries.
	if !s.gate.GateOpen() {
		req.Result <- ExitResult{Err: &broker.Error{Kind: broker.KindTransport, Msg: "gate closed"}}
		return
	}

	action := "SELL"
	if req.Position.Direction == model.Short {
		action = "BUY"
	}
	final, err := s.submit(ctx, req.Position.Symbol, action, req.Position.Qty)
	if err != nil {
		observ.IncCounter("orders_failed_total", map[string]string{"side": "exit"})
		req.Result <- ExitResult{Err: err}
		return
	}
	if final.Filled < req.Position.Qty {
		observ.Warn("exit_partial", map[string]any{"symbol": req.Position.Symbol, "filled": final.Filled, "qty": req.Position.Qty})
	}
	req.Result <- ExitResult{FillPrice: final.AvgFillPrice, FilledQty: final.Filled}
}

// submit places one market order and waits for its terminal status. Progress
// updates are logged as they arrive; the registry enforces the deadline. On
// failure the returned status still carries any fills observed before it.
func (s *Stage) submit(ctx context.Context, symbol, action string, qty int64) (broker.OrderStatus, error) {
	done, progress, err := s.placer.PlaceOrder(ctx, symbol, action, qty)
	if err != nil {
		return broker.OrderStatus{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return broker.OrderStatus{}, ctx.Err()
		case st, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			observ.Debug("order_progress", map[string]any{"symbol": symbol, "status": st.Status, "filled": st.Filled})
		case res := <-done:
			if res.Err != nil {
				if res.Order != nil {
					return *res.Order, res.Err
				}
				return broker.OrderStatus{}, res.Err
			}
			return *res.Order, nil
		}
	}
}

// admit enforces the originArticleId idempotency window.
func (s *Stage) admit(articleID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.recently {
		if now.Sub(at) > s.params.IdempotencyTTL {
			delete(s.recently, id)
		}
	}
	if at, dup := s.recently[articleID]; dup && now.Sub(at) <= s.params.IdempotencyTTL {
		return false
	}
	s.recently[articleID] = now
	return true
}

// accountValue returns the configured account tag, refreshing the summary
// when the cached value is older than the stale tolerance.
func (s *Stage) accountValue(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	cached := s.account
	s.mu.Unlock()
	if !cached.At.IsZero() && s.now().Sub(cached.At) <= s.params.AccountStale {
		return cached.Value, nil
	}

	summary, err := s.placer.AccountSummary(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	tag := gatewayTag(s.params.AccountValueTag)
	av, ok := summary[tag]
	if !ok {
		return decimal.Zero, &broker.Error{Kind: broker.KindDataQuality, Msg: "account summary missing tag " + tag}
	}
	s.mu.Lock()
	s.account = av
	s.mu.Unlock()
	observ.SetGauge("account_value", av.Value.InexactFloat64(), map[string]string{"tag": tag})
	return av.Value, nil
}

// SetAccount seeds the cache, used by the sync checklist after reconnect.
func (s *Stage) SetAccount(av broker.AccountValue) {
	s.mu.Lock()
	s.account = av
	s.mu.Unlock()
}

// SetAccountSummary picks the configured tag out of a full summary.
func (s *Stage) SetAccountSummary(summary map[string]broker.AccountValue, tag string) {
	if av, ok := summary[gatewayTag(tag)]; ok {
		s.SetAccount(av)
	}
}

func gatewayTag(tag string) string {
	switch strings.ToLower(tag) {
	case "equity":
		return "EquityWithLoanValue"
	case "cash":
		return "TotalCashValue"
	}
	return "NetLiquidation"
}

// Quantity sizes an entry: floor(accountValue*riskPerTrade / |entry-stop|).
// A zero risk distance sizes to zero rather than dividing by it.
func Quantity(accountValue, riskPerTrade, entry, stop decimal.Decimal) int64 {
	dist := entry.Sub(stop).Abs()
	if !dist.IsPositive() {
		return 0
	}
	return accountValue.Mul(riskPerTrade).Div(dist).IntPart()
}
