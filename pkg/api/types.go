package api

// Request and response types for the REST endpoints and WebSocket stream.
// Amounts are decimal strings: 18-decimal base units overflow JSON numbers.

// TokenInfo describes a deployed token ledger.
type TokenInfo struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Address     string `json:"address"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

// BalanceInfo is one custodial balance cell.
type BalanceInfo struct {
	Token   string `json:"token"`
	User    string `json:"user"`
	Balance string `json:"balance"`
}

// OrderInfo is an order record plus its current lifecycle status.
type OrderInfo struct {
	ID         uint64 `json:"id"`
	Maker      string `json:"maker"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	CreatedAt  int64  `json:"createdAt"`
	Status     string `json:"status"`
}

// TradeInfo is one completed fill.
type TradeInfo struct {
	OrderID    uint64 `json:"orderId"`
	Taker      string `json:"taker"`
	Maker      string `json:"maker"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	FeeAmount  string `json:"feeAmount"`
	Timestamp  int64  `json:"timestamp"`
}

// TokenTransferRequest moves tokens directly on a ledger.
type TokenTransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// ApproveRequest sets a ledger allowance. Spender defaults to the
// exchange's custody address when omitted.
type ApproveRequest struct {
	From    string `json:"from"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

// TransferRequest funds or drains custody (deposit / withdraw).
type TransferRequest struct {
	From   string `json:"from"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// MakeOrderRequest creates a new order.
type MakeOrderRequest struct {
	From       string `json:"from"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
}

// MakeOrderResponse carries the id assigned at creation time.
type MakeOrderResponse struct {
	ID uint64 `json:"id"`
}

// OrderActionRequest cancels or fills an existing order.
type OrderActionRequest struct {
	From string `json:"from"`
}

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client → server control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage is the server → client event envelope.
type WSMessage struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// WebSocket channel names, one per exchange event feed.
const (
	ChannelDeposits    = "deposits"
	ChannelWithdrawals = "withdrawals"
	ChannelOrders      = "orders"
	ChannelCancels     = "cancels"
	ChannelTrades      = "trades"
)
