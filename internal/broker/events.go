package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/momentum-bot/internal/ibgw"
	"github.com/quantfold/momentum-bot/internal/model"
)

// EventKind tags decoded gateway events.
type EventKind int

const (
	EvNews EventKind = iota
	EvTick
	EvBar
	EvBarsEnd
	EvOrderStatus
	EvExecution
	EvAccountValue
	EvAccountEnd
	EvError
	EvConnAck
	EvConnClosed
)

// Tick is a market-data tick. Price is zero for volume-only ticks.
type Tick struct {
	Symbol    string
	TickType  string
	Price     decimal.Decimal
	Size      int64
	CumVolume int64
	At        time.Time
}

// OrderStatus is an order lifecycle update. Terminal reports whether no
// further updates will follow.
type OrderStatus struct {
	OrderID      uint64
	Status       string
	Filled       int64
	Remaining    int64
	AvgFillPrice decimal.Decimal
}

// Terminal statuses end the order awaiter.
func (s OrderStatus) Terminal() bool {
	switch s.Status {
	case "Filled", "Cancelled", "ApiCancelled", "Inactive":
		return true
	}
	return false
}

// AccountValue is one tag of an account summary.
type AccountValue struct {
	Tag      string
	Value    decimal.Decimal
	Currency string
	At       time.Time
}

// Event is the bridge's inbound unit: one decoded gateway message. ReqID is
// zero for unsolicited events.
type Event struct {
	Kind    EventKind
	ReqID   uint64
	Article *model.NewsArticle
	Tick    *Tick
	Bar     *model.Bar
	Order   *OrderStatus
	Account *AccountValue
	Err     *Error
}

// decodeEvent converts a wire message into an Event. Returns false for
// message types the engine does not consume.
func decodeEvent(msg ibgw.Message, now time.Time) (Event, bool) {
	switch msg.Type {
	case ibgw.MsgConnectAck:
		return Event{Kind: EvConnAck, ReqID: msg.ReqID}, true
	case ibgw.MsgNews:
		if msg.Article == nil {
			return Event{}, false
		}
		return Event{Kind: EvNews, ReqID: msg.ReqID, Article: &model.NewsArticle{
			ID:          msg.Article.ArticleID,
			Provider:    msg.Article.Provider,
			Headline:    msg.Article.Headline,
			Body:        msg.Article.Body,
			SymbolsHint: msg.Article.ExtraData,
			PublishedAt: time.Unix(msg.Article.PublishedAt, 0).UTC(),
			ReceivedAt:  now,
		}}, true
	case ibgw.MsgTick:
		price := decimal.Zero
		if msg.Price != "" {
			p, err := decimal.NewFromString(msg.Price)
			if err != nil {
				return Event{}, false
			}
			price = p
		}
		return Event{Kind: EvTick, ReqID: msg.ReqID, Tick: &Tick{
			TickType:  msg.TickType,
			Price:     price,
			Size:      msg.Size,
			CumVolume: msg.CumVolume,
			At:        now,
		}}, true
	case ibgw.MsgBar:
		if msg.Bar == nil {
			return Event{}, false
		}
		bar, err := decodeBar(*msg.Bar)
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: EvBar, ReqID: msg.ReqID, Bar: &bar}, true
	case ibgw.MsgBarsEnd:
		return Event{Kind: EvBarsEnd, ReqID: msg.ReqID}, true
	case ibgw.MsgOrderStatus, ibgw.MsgExecution:
		kind := EvOrderStatus
		if msg.Type == ibgw.MsgExecution {
			kind = EvExecution
		}
		avg := decimal.Zero
		if msg.AvgFillPrice != "" {
			p, err := decimal.NewFromString(msg.AvgFillPrice)
			if err != nil {
				return Event{}, false
			}
			avg = p
		}
		return Event{Kind: kind, ReqID: msg.ReqID, Order: &OrderStatus{
			OrderID:      msg.ReqID,
			Status:       msg.Status,
			Filled:       msg.Filled,
			Remaining:    msg.Remaining,
			AvgFillPrice: avg,
		}}, true
	case ibgw.MsgAccountValue:
		v, err := decimal.NewFromString(msg.Value)
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: EvAccountValue, ReqID: msg.ReqID, Account: &AccountValue{
			Tag:      msg.Tag,
			Value:    v,
			Currency: msg.Currency,
			At:       now,
		}}, true
	case ibgw.MsgAccountEnd:
		return Event{Kind: EvAccountEnd, ReqID: msg.ReqID}, true
	case ibgw.MsgError:
		return Event{Kind: EvError, ReqID: msg.ReqID, Err: &Error{
			Kind:  errKindForCode(msg.Code),
			Code:  msg.Code,
			ReqID: msg.ReqID,
			Msg:   msg.Text,
		}}, true
	}
	return Event{}, false
}

func errKindForCode(code int) Kind {
	switch Classify(code) {
	case ClassTransient:
		return KindTransport
	case ClassFatal:
		return KindBrokerRejected
	}
	return KindDataQuality
}

func decodeBar(wb ibgw.WireBar) (model.Bar, error) {
	open, err := decimal.NewFromString(wb.Open)
	if err != nil {
		return model.Bar{}, err
	}
	high, err := decimal.NewFromString(wb.High)
	if err != nil {
		return model.Bar{}, err
	}
	low, err := decimal.NewFromString(wb.Low)
	if err != nil {
		return model.Bar{}, err
	}
	cls, err := decimal.NewFromString(wb.Close)
	if err != nil {
		return model.Bar{}, err
	}
	bar := model.Bar{
		Ts:        time.Unix(wb.Ts, 0).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    wb.Volume,
		CumVolume: wb.CumVolume,
	}
	return bar, bar.Validate()
}
