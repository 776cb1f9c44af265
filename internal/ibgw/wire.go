// Package ibgw speaks the gateway wire: newline-delimited JSON messages over
// a single TCP session. The gateway pushes unsolicited messages (news, ticks,
// errors) and replies to requests by echoing the request id.
package ibgw

// Message type tags, client → gateway.
const (
	MsgConnect        = "connect"
	MsgReqMktData     = "req_mkt_data"
	MsgCancelMktData  = "cancel_mkt_data"
	MsgReqHistBars    = "req_hist_bars"
	MsgPlaceOrder     = "place_order"
	MsgCancelOrder    = "cancel_order"
	MsgReqAccountSumm = "req_account_summary"
)

// Message type tags, gateway → client.
const (
	MsgConnectAck   = "connect_ack"
	MsgNews         = "news"
	MsgTick         = "tick"
	MsgBar          = "bar"
	MsgBarsEnd      = "bars_end"
	MsgOrderStatus  = "order_status"
	MsgExecution    = "execution"
	MsgAccountValue = "account_value"
	MsgAccountEnd   = "account_end"
	MsgError        = "error"
)

// Contract identifies an instrument. For the news feed the symbol carries the
// provider subscription form "{P}:{P}_ALL" with secType NEWS.
type Contract struct {
	Symbol          string `json:"symbol"`
	SecType         string `json:"secType"`
	Exchange        string `json:"exchange"`
	PrimaryExchange string `json:"primaryExchange,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

// Order is the only order shape this engine submits: a plain market order.
type Order struct {
	OrderID   uint64 `json:"orderId"`
	Action    string `json:"action"` // BUY | SELL
	Qty       int64  `json:"qty"`
	OrderType string `json:"orderType"` // MKT
}

// WireBar is a historical candle as the gateway serializes it. Prices travel
// as strings so the client can parse them into exact decimals.
type WireBar struct {
	Ts        int64  `json:"ts"` // unix seconds, bar open
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    int64  `json:"volume"`
	CumVolume int64  `json:"cumVolume"`
}

// Article is a broad-tape news item.
type Article struct {
	ArticleID   string `json:"articleId"`
	Provider    string `json:"provider"`
	Headline    string `json:"headline"`
	Body        string `json:"body,omitempty"`
	ExtraData   string `json:"extraData,omitempty"` // provider symbols hint
	PublishedAt int64  `json:"publishedAt"`         // unix seconds
}

// Message is the single envelope both directions share. Fields are populated
// per Type; zero values are omitted on the wire.
type Message struct {
	Type  string `json:"type"`
	ReqID uint64 `json:"reqId,omitempty"`

	// connect / connect_ack
	ClientID int `json:"clientId,omitempty"`

	// requests
	Contract     *Contract `json:"contract,omitempty"`
	Order        *Order    `json:"order,omitempty"`
	GenericTicks string    `json:"genericTicks,omitempty"`
	BarSize      string    `json:"barSize,omitempty"`
	BarCount     int       `json:"barCount,omitempty"`
	Snapshot     bool      `json:"snapshot,omitempty"`
	Tags         string    `json:"tags,omitempty"`

	// tick
	TickType  string `json:"tickType,omitempty"`
	Price     string `json:"price,omitempty"`
	Size      int64  `json:"size,omitempty"`
	CumVolume int64  `json:"cumVolume,omitempty"`

	// bar / bars_end
	Bar *WireBar `json:"bar,omitempty"`

	// news
	Article *Article `json:"article,omitempty"`

	// order_status / execution
	Status       string `json:"status,omitempty"`
	Filled       int64  `json:"filled,omitempty"`
	Remaining    int64  `json:"remaining,omitempty"`
	AvgFillPrice string `json:"avgFillPrice,omitempty"`

	// account_value
	Tag      string `json:"tag,omitempty"`
	Value    string `json:"value,omitempty"`
	Currency string `json:"currency,omitempty"`

	// error
	Code int    `json:"code,omitempty"`
	Text string `json:"text,omitempty"`
}
