// Package stubs hosts the local collaborators used by tests and by
// cmd/stubs: a scriptable gateway simulator speaking the vendor wire and a
// ticker-extractor HTTP stub.
package stubs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/momentum-bot/internal/ibgw"
)

// SimSnapshot scripts a snapshot reply for one symbol.
type SimSnapshot struct {
	Price     string
	CumVolume int64
}

// SimGateway is an in-process ibgw.Client. Requests are answered from
// scripted tables; tests publish articles and ticks to drive the pipeline.
type SimGateway struct {
	mu        sync.Mutex
	inbox     chan ibgw.Message
	dialed    bool
	closed    bool
	dropErr   error
	streams   map[uint64]string // reqID -> symbol
	newsReqID uint64
	cancels   []ibgw.Message

	// Scripted state, set by tests before (or between) requests.
	Bars      map[string][]ibgw.WireBar
	Snapshots map[string]SimSnapshot
	Account   map[string]string // gateway tag -> value

	// FillPrice overrides the order fill price per symbol; empty falls back
	// to the scripted snapshot price.
	FillPrice map[string]string
	// RejectOrders makes place_order fail with a request-fatal error code.
	RejectOrders bool
	// SilentOrders swallows place_order so the awaiter times out.
	SilentOrders bool
	// SilentAccount swallows account summary requests the same way.
	SilentAccount bool
}

func NewSimGateway() *SimGateway {
	return &SimGateway{
		Bars:      map[string][]ibgw.WireBar{},
		Snapshots: map[string]SimSnapshot{},
		Account: map[string]string{
			"NetLiquidation":      "100000",
			"EquityWithLoanValue": "100000",
			"TotalCashValue":      "50000",
		},
		FillPrice: map[string]string{},
		streams:   map[uint64]string{},
	}
}

func (g *SimGateway) Dial(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dialed && g.inbox != nil {
		// A re-dial over a live session must not leak the old Run loop.
		close(g.inbox)
	}
	g.inbox = make(chan ibgw.Message, 1024)
	g.dialed = true
	g.closed = false
	g.dropErr = nil
	g.streams = map[uint64]string{}
	return nil
}

func (g *SimGateway) Run(h ibgw.Handler) error {
	g.mu.Lock()
	inbox := g.inbox
	g.mu.Unlock()
	for msg := range inbox {
		h.OnMessage(msg)
	}
	g.mu.Lock()
	err := g.dropErr
	g.mu.Unlock()
	if err == nil {
		err = ibgw.ErrClosed
	}
	h.OnDisconnect(err)
	return err
}

func (g *SimGateway) Send(msg ibgw.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.dialed {
		return ibgw.ErrClosed
	}
	switch msg.Type {
	case ibgw.MsgConnect:
		g.push(ibgw.Message{Type: ibgw.MsgConnectAck, ClientID: msg.ClientID})
	case ibgw.MsgReqMktData:
		g.handleMktData(msg)
	case ibgw.MsgReqHistBars:
		g.handleHistBars(msg)
	case ibgw.MsgPlaceOrder:
		g.handleOrder(msg)
	case ibgw.MsgReqAccountSumm:
		g.handleAccount(msg)
	case ibgw.MsgCancelMktData:
		g.cancels = append(g.cancels, msg)
		delete(g.streams, msg.ReqID)
		if msg.ReqID == g.newsReqID {
			g.newsReqID = 0
		}
	case ibgw.MsgCancelOrder:
		g.cancels = append(g.cancels, msg)
	default:
		return fmt.Errorf("sim gateway: unknown message type %q", msg.Type)
	}
	return nil
}

func (g *SimGateway) handleMktData(msg ibgw.Message) {
	if msg.Contract != nil && msg.Contract.SecType == "NEWS" {
		g.newsReqID = msg.ReqID
		return
	}
	symbol := ""
	if msg.Contract != nil {
		symbol = msg.Contract.Symbol
	}
	if msg.Snapshot {
		snap, ok := g.Snapshots[symbol]
		if !ok {
			// No scripted snapshot: stay silent so the awaiter times out.
			return
		}
		g.push(ibgw.Message{Type: ibgw.MsgTick, ReqID: msg.ReqID, TickType: "last", Price: snap.Price})
		g.push(ibgw.Message{Type: ibgw.MsgTick, ReqID: msg.ReqID, TickType: "volume", CumVolume: snap.CumVolume})
		return
	}
	g.streams[msg.ReqID] = symbol
}

func (g *SimGateway) handleHistBars(msg ibgw.Message) {
	symbol := ""
	if msg.Contract != nil {
		symbol = msg.Contract.Symbol
	}
	bars := g.Bars[symbol]
	if len(bars) > msg.BarCount && msg.BarCount > 0 {
		bars = bars[len(bars)-msg.BarCount:]
	}
	for _, b := range bars {
		bar := b
		g.push(ibgw.Message{Type: ibgw.MsgBar, ReqID: msg.ReqID, Bar: &bar})
	}
	g.push(ibgw.Message{Type: ibgw.MsgBarsEnd, ReqID: msg.ReqID})
}

func (g *SimGateway) handleOrder(msg ibgw.Message) {
	if g.SilentOrders {
		return
	}
	if g.RejectOrders {
		g.push(ibgw.Message{Type: ibgw.MsgError, ReqID: msg.ReqID, Code: 200, Text: "No security definition has been found"})
		return
	}
	symbol := ""
	if msg.Contract != nil {
		symbol = msg.Contract.Symbol
	}
	price := g.FillPrice[symbol]
	if price == "" {
		if snap, ok := g.Snapshots[symbol]; ok {
			price = snap.Price
		} else {
			price = "100"
		}
	}
	qty := int64(0)
	if msg.Order != nil {
		qty = msg.Order.Qty
	}
	g.push(ibgw.Message{Type: ibgw.MsgOrderStatus, ReqID: msg.ReqID, Status: "Submitted", Remaining: qty})
	g.push(ibgw.Message{Type: ibgw.MsgOrderStatus, ReqID: msg.ReqID, Status: "Filled", Filled: qty, AvgFillPrice: price})
}

func (g *SimGateway) handleAccount(msg ibgw.Message) {
	if g.SilentAccount {
		return
	}
	for tag, value := range g.Account {
		g.push(ibgw.Message{Type: ibgw.MsgAccountValue, ReqID: msg.ReqID, Tag: tag, Value: value, Currency: "USD"})
	}
	g.push(ibgw.Message{Type: ibgw.MsgAccountEnd, ReqID: msg.ReqID})
}

// push delivers to the session reader; callers hold g.mu.
func (g *SimGateway) push(msg ibgw.Message) {
	select {
	case g.inbox <- msg:
	default:
	}
}

// PublishArticle injects a broad-tape article as the gateway would.
func (g *SimGateway) PublishArticle(art ibgw.Article) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.dialed {
		return
	}
	if art.PublishedAt == 0 {
		art.PublishedAt = time.Now().Unix()
	}
	g.push(ibgw.Message{Type: ibgw.MsgNews, ReqID: g.newsReqID, Article: &art})
}

// PublishTick injects a streamed tick for every live subscription on symbol.
func (g *SimGateway) PublishTick(symbol, price string, cumVolume int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.dialed {
		return
	}
	for reqID, sym := range g.streams {
		if sym != symbol {
			continue
		}
		g.push(ibgw.Message{Type: ibgw.MsgTick, ReqID: reqID, TickType: "last", Price: price, CumVolume: cumVolume})
	}
}

// DropConnection simulates the gateway dying; Run returns with err and the
// client can Dial again.
func (g *SimGateway) DropConnection(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dialed || g.closed {
		return
	}
	g.dropErr = err
	g.dialed = false
	close(g.inbox)
}

func (g *SimGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if g.dialed {
		g.dialed = false
		close(g.inbox)
	}
	return nil
}

// CancelCount reports cancel frames received for reqID, for tests.
func (g *SimGateway) CancelCount(reqID uint64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, msg := range g.cancels {
		if msg.ReqID == reqID {
			n++
		}
	}
	return n
}

// StreamCount reports live (non-news) subscriptions, for tests.
func (g *SimGateway) StreamCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.streams)
}
