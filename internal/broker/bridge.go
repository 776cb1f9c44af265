package broker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfold/momentum-bot/internal/ibgw"
	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/observ"
	"github.com/quantfold/momentum-bot/internal/pipeline"
)

// SessionEventKind signals session lifecycle changes to the supervisor.
type SessionEventKind int

const (
	SessionConnected SessionEventKind = iota
	SessionLost
	SessionTransientError
)

type SessionEvent struct {
	Kind SessionEventKind
	Err  error
}

// Config carries the bridge's session parameters.
type Config struct {
	Host            string
	Port            int
	ClientID        int
	PrimaryExchange string
	MaxMsgsPerSec   int
	ConnectTimeout  time.Duration
	OrderTimeout    time.Duration
	BarTimeout      time.Duration
	SnapshotTimeout time.Duration
}

// Bridge owns the vendor session. A dedicated goroutine (locked to its OS
// thread, since the vendor client is a blocking reader) pumps decoded events
// into a bounded inbound queue; the dispatcher goroutine drains that queue
// and routes by request id. All request/response correlation goes through
// the Registry.
type Bridge struct {
	cfg     Config
	client  ibgw.Client
	reg     *Registry
	limiter *rate.Limiter

	inbound *pipeline.Queue[Event]

	// News articles fan out to the news stage.
	News chan model.NewsArticle
	// Session lifecycle events fan out to the connection supervisor.
	Session chan SessionEvent

	mu           sync.Mutex
	connectAck   chan struct{}
	quoteStreams map[uint64]*QuoteStream
	newsActive   bool

	dispatchOnce sync.Once
	wg           sync.WaitGroup
}

func NewBridge(client ibgw.Client, reg *Registry, cfg Config) *Bridge {
	if cfg.MaxMsgsPerSec <= 0 {
		cfg.MaxMsgsPerSec = 40
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 5 * time.Second
	}
	if cfg.BarTimeout <= 0 {
		cfg.BarTimeout = 5 * time.Second
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 2 * time.Second
	}
	return &Bridge{
		cfg:          cfg,
		client:       client,
		reg:          reg,
		limiter:      rate.NewLimiter(rate.Limit(cfg.MaxMsgsPerSec), cfg.MaxMsgsPerSec),
		inbound:      pipeline.NewQueue[Event](4096, pipeline.Block),
		News:         make(chan model.NewsArticle, 256),
		Session:      make(chan SessionEvent, 16),
		quoteStreams: map[uint64]*QuoteStream{},
	}
}

// QuoteStream is a live market-data subscription for one symbol.
type QuoteStream struct {
	Symbol string
	C      chan Tick

	reqID  uint64
	bridge *Bridge
	once   sync.Once
}

// Cancel stops the subscription and releases its request id. The channel is
// left open; the dispatcher may be mid-send when Cancel runs.
func (s *QuoteStream) Cancel() {
	s.once.Do(func() {
		if s.bridge == nil {
			return
		}
		s.bridge.mu.Lock()
		delete(s.bridge.quoteStreams, s.reqID)
		s.bridge.mu.Unlock()
		_ = s.bridge.send(context.Background(), ibgw.Message{Type: ibgw.MsgCancelMktData, ReqID: s.reqID})
	})
}

// Connect dials the gateway, starts the session and dispatcher goroutines,
// and waits for the connect ack.
func (b *Bridge) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	if err := b.client.Dial(dialCtx); err != nil {
		return &Error{Kind: KindTransport, Msg: err.Error()}
	}

	b.mu.Lock()
	b.connectAck = make(chan struct{})
	ack := b.connectAck
	b.mu.Unlock()

	b.dispatchOnce.Do(func() {
		b.wg.Add(1)
		go b.dispatch()
	})
	b.wg.Add(1)
	go b.sessionLoop()

	if err := b.send(ctx, ibgw.Message{Type: ibgw.MsgConnect, ClientID: b.cfg.ClientID}); err != nil {
		return err
	}
	select {
	case <-ack:
	case <-time.After(b.cfg.ConnectTimeout):
		_ = b.client.Close()
		return &Error{Kind: KindTimeout, Msg: "no connect ack from gateway"}
	case <-ctx.Done():
		_ = b.client.Close()
		return ctx.Err()
	}
	observ.Log("broker_connected", map[string]any{"host": b.cfg.Host, "port": b.cfg.Port, "client_id": b.cfg.ClientID})
	b.notify(SessionEvent{Kind: SessionConnected})
	return nil
}

// sessionLoop runs the blocking vendor reader. The vendor client expects a
// stable thread underneath it.
func (b *Bridge) sessionLoop() {
	defer b.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	_ = b.client.Run(b)
}

// OnMessage implements ibgw.Handler. Ticks evict the queue head on overflow;
// every other kind applies backpressure to the session reader.
func (b *Bridge) OnMessage(msg ibgw.Message) {
	ev, ok := decodeEvent(msg, time.Now().UTC())
	if !ok {
		observ.IncCounter("broker_frames_dropped_total", map[string]string{"type": msg.Type})
		return
	}
	if ev.Kind == EvTick {
		_ = b.inbound.PushDropOldest(context.Background(), ev)
		return
	}
	_ = b.inbound.Push(context.Background(), ev)
}

// OnDisconnect implements ibgw.Handler.
func (b *Bridge) OnDisconnect(err error) {
	_ = b.inbound.Push(context.Background(), Event{Kind: EvConnClosed, Err: &Error{Kind: KindTransport, Msg: fmt.Sprint(err)}})
}

// dispatch drains the inbound queue: correlated events go to the registry,
// unsolicited ones to their subscription channels.
func (b *Bridge) dispatch() {
	defer b.wg.Done()
	reap := time.NewTicker(250 * time.Millisecond)
	defer reap.Stop()
	for {
		select {
		case <-b.inbound.Done():
			b.inbound.Drain(context.Background(), b.route)
			return
		case ev := <-b.inbound.Chan():
			b.route(ev)
		case <-reap.C:
			for _, exp := range b.reg.Reap(time.Now()) {
				var cancelType string
				switch exp.Kind {
				case AwaitOrder:
					cancelType = ibgw.MsgCancelOrder
				case AwaitBars, AwaitSnapshot:
					cancelType = ibgw.MsgCancelMktData
				default:
					// Account summary has no market-data subscription behind
					// it; there is nothing to cancel on the wire.
					continue
				}
				_ = b.send(context.Background(), ibgw.Message{Type: cancelType, ReqID: exp.ID})
			}
		}
	}
}

func (b *Bridge) route(ev Event) {
	switch ev.Kind {
	case EvConnAck:
		b.mu.Lock()
		if b.connectAck != nil {
			close(b.connectAck)
			b.connectAck = nil
		}
		b.mu.Unlock()
		return
	case EvConnClosed:
		observ.Warn("broker_session_lost", map[string]any{"err": ev.Err.Msg})
		b.reg.FailAll(ev.Err)
		b.notify(SessionEvent{Kind: SessionLost, Err: ev.Err})
		return
	case EvNews:
		select {
		case b.News <- *ev.Article:
		default:
			observ.IncCounter("news_dropped_total", map[string]string{"reason": "queue_full"})
		}
		return
	case EvError:
		b.routeError(ev)
		return
	}

	if ev.Kind == EvTick {
		b.mu.Lock()
		stream, ok := b.quoteStreams[ev.ReqID]
		b.mu.Unlock()
		if ok {
			t := *ev.Tick
			t.Symbol = stream.Symbol
			select {
			case stream.C <- t:
			default:
				observ.IncCounter("quote_stream_dropped_total", map[string]string{"symbol": stream.Symbol})
			}
			return
		}
	}

	if ev.ReqID != 0 && b.reg.Deliver(ev) {
		return
	}
	observ.Debug("broker_event_unrouted", map[string]any{"kind": int(ev.Kind), "req_id": ev.ReqID})
}

func (b *Bridge) routeError(ev Event) {
	cls := Classify(ev.Err.Code)
	switch cls {
	case ClassInformational:
		observ.Debug("broker_info", map[string]any{"code": ev.Err.Code, "msg": ev.Err.Msg})
	case ClassTransient:
		observ.Warn("broker_transient", map[string]any{"code": ev.Err.Code, "msg": ev.Err.Msg})
		b.reg.FailAll(ev.Err)
		b.notify(SessionEvent{Kind: SessionTransientError, Err: ev.Err})
	case ClassFatal:
		observ.Warn("broker_request_rejected", map[string]any{"code": ev.Err.Code, "req_id": ev.ReqID, "msg": ev.Err.Msg})
		if ev.ReqID != 0 {
			b.reg.Deliver(ev)
		}
	default:
		observ.Warn("broker_warning", map[string]any{"code": ev.Err.Code, "req_id": ev.ReqID, "msg": ev.Err.Msg})
	}
	observ.IncCounter("broker_errors_total", map[string]string{"class": cls.String()})
}

func (b *Bridge) notify(ev SessionEvent) {
	select {
	case b.Session <- ev:
	default:
	}
}

// send applies the gateway message-rate cap before writing.
func (b *Bridge) send(ctx context.Context, msg ibgw.Message) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := b.client.Send(msg); err != nil {
		return &Error{Kind: KindTransport, ReqID: msg.ReqID, Msg: err.Error()}
	}
	return nil
}

// SubscribeNews opens the broad-tape feed for the provider: contract symbol
// "{P}:{P}_ALL", secType NEWS, exchange P, generic tick list 292.
func (b *Bridge) SubscribeNews(ctx context.Context, providerCode string) error {
	msg := ibgw.Message{
		Type:  ibgw.MsgReqMktData,
		ReqID: ReqIDNewsFeed,
		Contract: &ibgw.Contract{
			Symbol:   fmt.Sprintf("%s:%s_ALL", providerCode, providerCode),
			SecType:  "NEWS",
			Exchange: providerCode,
		},
		GenericTicks: "292",
	}
	if err := b.send(ctx, msg); err != nil {
		return err
	}
	b.mu.Lock()
	b.newsActive = true
	b.mu.Unlock()
	observ.Log("news_subscribed", map[string]any{"provider": providerCode})
	return nil
}

func (b *Bridge) equityContract(symbol string) *ibgw.Contract {
	return &ibgw.Contract{
		Symbol:          symbol,
		SecType:         "STK",
		Exchange:        "SMART",
		Currency:        "USD",
		PrimaryExchange: b.cfg.PrimaryExchange,
	}
}

// FetchHistoricalBars requests the most recent count closed 1-minute bars.
// Bars arrive as partials and resolve on the end marker.
func (b *Bridge) FetchHistoricalBars(ctx context.Context, symbol string, count int) ([]model.Bar, error) {
	reqID, done := b.reg.Register(AwaitBars, b.cfg.BarTimeout)
	msg := ibgw.Message{
		Type:     ibgw.MsgReqHistBars,
		ReqID:    reqID,
		Contract: b.equityContract(symbol),
		BarSize:  "1 min",
		BarCount: count,
	}
	if err := b.send(ctx, msg); err != nil {
		b.reg.Cancel(reqID)
		return nil, err
	}
	select {
	case res := <-done:
		if res.Err != nil {
			return nil, fmt.Errorf("hist bars %s: %w", symbol, res.Err)
		}
		return res.Bars, nil
	case <-ctx.Done():
		b.reg.Cancel(reqID)
		_ = b.send(context.Background(), ibgw.Message{Type: ibgw.MsgCancelMktData, ReqID: reqID})
		return nil, ctx.Err()
	}
}

// SnapshotQuote requests a one-shot quote and resolves once both a price and
// a cumulative-volume tick have arrived.
func (b *Bridge) SnapshotQuote(ctx context.Context, symbol string) (Tick, error) {
	reqID, done := b.reg.Register(AwaitSnapshot, b.cfg.SnapshotTimeout)
	msg := ibgw.Message{
		Type:     ibgw.MsgReqMktData,
		ReqID:    reqID,
		Contract: b.equityContract(symbol),
		Snapshot: true,
	}
	if err := b.send(ctx, msg); err != nil {
		b.reg.Cancel(reqID)
		return Tick{}, err
	}
	select {
	case res := <-done:
		if res.Err != nil {
			return Tick{}, fmt.Errorf("snapshot %s: %w", symbol, res.Err)
		}
		t := *res.Tick
		t.Symbol = symbol
		return t, nil
	case <-ctx.Done():
		b.reg.Cancel(reqID)
		return Tick{}, ctx.Err()
	}
}

// StreamQuotes opens a live subscription for symbol. The caller owns the
// returned stream and must Cancel it.
func (b *Bridge) StreamQuotes(ctx context.Context, symbol string) (*QuoteStream, error) {
	reqID := b.reg.AllocID()
	stream := &QuoteStream{
		Symbol: symbol,
		C:      make(chan Tick, 64),
		reqID:  reqID,
		bridge: b,
	}
	b.mu.Lock()
	b.quoteStreams[reqID] = stream
	b.mu.Unlock()

	msg := ibgw.Message{
		Type:     ibgw.MsgReqMktData,
		ReqID:    reqID,
		Contract: b.equityContract(symbol),
	}
	if err := b.send(ctx, msg); err != nil {
		b.mu.Lock()
		delete(b.quoteStreams, reqID)
		b.mu.Unlock()
		return nil, err
	}
	return stream, nil
}

// PlaceOrder submits a market order. Non-terminal statuses arrive on the
// progress channel; the final status (or error) on done.
func (b *Bridge) PlaceOrder(ctx context.Context, symbol, action string, qty int64) (<-chan Result, <-chan OrderStatus, error) {
	orderID, done, progress := b.reg.RegisterOrder(b.cfg.OrderTimeout)
	msg := ibgw.Message{
		Type:     ibgw.MsgPlaceOrder,
		ReqID:    orderID,
		Contract: b.equityContract(symbol),
		Order: &ibgw.Order{
			OrderID:   orderID,
			Action:    action,
			Qty:       qty,
			OrderType: "MKT",
		},
	}
	if err := b.send(ctx, msg); err != nil {
		b.reg.Cancel(orderID)
		return nil, nil, err
	}
	observ.Log("order_submitted", map[string]any{"order_id": orderID, "symbol": symbol, "action": action, "qty": qty})
	return done, progress, nil
}

// AccountSummary refreshes the account tags used for sizing.
func (b *Bridge) AccountSummary(ctx context.Context) (map[string]AccountValue, error) {
	done, err := b.reg.RegisterFixed(ReqIDAccountSummary, AwaitAccount, b.cfg.SnapshotTimeout)
	if err != nil {
		return nil, err
	}
	msg := ibgw.Message{
		Type:  ibgw.MsgReqAccountSumm,
		ReqID: ReqIDAccountSummary,
		Tags:  "EquityWithLoanValue,NetLiquidation,TotalCashValue",
	}
	if err := b.send(ctx, msg); err != nil {
		b.reg.Cancel(ReqIDAccountSummary)
		return nil, err
	}
	select {
	case res := <-done:
		if res.Err != nil {
			return nil, fmt.Errorf("account summary: %w", res.Err)
		}
		return res.Account, nil
	case <-ctx.Done():
		b.reg.Cancel(ReqIDAccountSummary)
		return nil, ctx.Err()
	}
}

// Events exposes session lifecycle notifications for the supervisor.
func (b *Bridge) Events() <-chan SessionEvent {
	return b.Session
}

// ActiveStreams lists the open quote subscriptions, for reconciliation.
func (b *Bridge) ActiveStreams() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.quoteStreams))
	for _, s := range b.quoteStreams {
		out = append(out, s.Symbol)
	}
	return out
}

// Disconnect cancels open subscriptions, stops the session, and waits for
// the pump goroutines. Called last during shutdown.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	streams := make([]*QuoteStream, 0, len(b.quoteStreams))
	for _, s := range b.quoteStreams {
		streams = append(streams, s)
	}
	newsActive := b.newsActive
	b.newsActive = false
	b.mu.Unlock()

	for _, s := range streams {
		s.Cancel()
	}
	if newsActive {
		_ = b.send(context.Background(), ibgw.Message{Type: ibgw.MsgCancelMktData, ReqID: ReqIDNewsFeed})
	}
	b.reg.FailAll(ErrCancelled)
	_ = b.client.Close()
	b.inbound.Close()
	b.wg.Wait()
	observ.Log("broker_disconnected", nil)
}
