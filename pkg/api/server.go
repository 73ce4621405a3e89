package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/lotrdex/exchange/pkg/exchange"
	"github.com/lotrdex/exchange/pkg/token"
)

const defaultTradeLimit = 100

// Server exposes the exchange over REST and streams its events over
// WebSocket. The `from` field in request bodies stands in for the
// transaction signer; signing and authentication live outside this core.
type Server struct {
	ex     *exchange.Exchange
	tokens *token.Registry
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer creates an API server around an exchange and its token registry.
func NewServer(ex *exchange.Exchange, tokens *token.Registry, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		ex:     ex,
		tokens: tokens,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		log:    logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Reads
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens/{token}/balances/{owner}", s.handleTokenBalance).Methods("GET")
	api.HandleFunc("/balances/{token}/{user}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")

	// Ledger passthrough: direct token transfers and exchange approvals,
	// so a depositor can grant the allowance the deposit contract assumes.
	api.HandleFunc("/tokens/{token}/transfer", s.handleTokenTransfer).Methods("POST")
	api.HandleFunc("/tokens/{token}/approve", s.handleTokenApprove).Methods("POST")

	// Mutations
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/fill", s.handleFillOrder).Methods("POST")

	// WebSocket event stream
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the full middleware-wrapped handler (used by tests).
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start runs the event bridge, the WebSocket hub, and the HTTP listener.
// Blocks until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.streamEvents()

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// streamEvents bridges the exchange's typed event feeds onto the
// WebSocket hub's channels.
func (s *Server) streamEvents() {
	deposits := make(chan exchange.DepositEvent, 64)
	withdrawals := make(chan exchange.WithdrawEvent, 64)
	orders := make(chan exchange.OrderEvent, 64)
	cancels := make(chan exchange.CancelEvent, 64)
	trades := make(chan exchange.TradeEvent, 64)

	subs := []interface{ Unsubscribe() }{
		s.ex.SubscribeDeposits(deposits),
		s.ex.SubscribeWithdrawals(withdrawals),
		s.ex.SubscribeOrders(orders),
		s.ex.SubscribeCancels(cancels),
		s.ex.SubscribeTrades(trades),
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for {
		select {
		case ev := <-deposits:
			s.hub.BroadcastToChannel(ChannelDeposits, WSMessage{Channel: ChannelDeposits, Data: ev})
		case ev := <-withdrawals:
			s.hub.BroadcastToChannel(ChannelWithdrawals, WSMessage{Channel: ChannelWithdrawals, Data: ev})
		case ev := <-orders:
			s.hub.BroadcastToChannel(ChannelOrders, WSMessage{Channel: ChannelOrders, Data: orderInfo(ev.Order, exchange.OrderOpen)})
		case ev := <-cancels:
			s.hub.BroadcastToChannel(ChannelCancels, WSMessage{Channel: ChannelCancels, Data: orderInfo(ev.Order, exchange.OrderCancelled)})
		case ev := <-trades:
			s.hub.BroadcastToChannel(ChannelTrades, WSMessage{Channel: ChannelTrades, Data: tradeInfo(ev.Trade)})
		}
	}
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.tokens.List()
	response := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		response[i] = TokenInfo{
			Name:        t.Name,
			Symbol:      t.Symbol,
			Address:     t.Address().Hex(),
			Decimals:    t.Decimals(),
			TotalSupply: t.TotalSupply().String(),
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokenAddr, ok := parseAddress(vars["token"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", vars["token"])
		return
	}
	user, ok := parseAddress(vars["user"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid user address", vars["user"])
		return
	}

	bal := s.ex.BalanceOf(tokenAddr, user)
	respondJSON(w, BalanceInfo{Token: tokenAddr.Hex(), User: user.Hex(), Balance: bal.String()})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	var orders []exchange.Order
	statusFilter := r.URL.Query().Get("status")
	if statusFilter == "" || statusFilter == "open" {
		orders = s.ex.OpenOrders()
	} else {
		want, ok := exchange.ParseOrderStatus(statusFilter)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid status filter", statusFilter)
			return
		}
		for _, o := range s.ex.AllOrders() {
			if st, err := s.ex.OrderStatus(o.ID); err == nil && st == want {
				orders = append(orders, o)
			}
		}
	}

	response := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		st, _ := s.ex.OrderStatus(o.ID)
		response = append(response, orderInfo(o, st))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid order id", mux.Vars(r)["id"])
		return
	}

	o, err := s.ex.Order(id)
	if err != nil {
		s.respondExchangeError(w, err)
		return
	}
	st, _ := s.ex.OrderStatus(id)
	respondJSON(w, orderInfo(o, st))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	trades, err := s.ex.Trades(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load trades", err.Error())
		return
	}

	response := make([]TradeInfo, len(trades))
	for i, tr := range trades {
		response[i] = tradeInfo(tr)
	}
	respondJSON(w, response)
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokenAddr, ok := parseAddress(vars["token"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", vars["token"])
		return
	}
	owner, ok := parseAddress(vars["owner"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid owner address", vars["owner"])
		return
	}

	t, err := s.tokens.Token(tokenAddr)
	if err != nil {
		respondError(w, http.StatusNotFound, "not found", err.Error())
		return
	}
	respondJSON(w, BalanceInfo{Token: tokenAddr.Hex(), User: owner.Hex(), Balance: t.BalanceOf(owner).String()})
}

func (s *Server) handleTokenTransfer(w http.ResponseWriter, r *http.Request) {
	tokenAddr, ok := parseAddress(mux.Vars(r)["token"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", mux.Vars(r)["token"])
		return
	}

	var req TokenTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid from address", req.From)
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid to address", req.To)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}

	t, err := s.tokens.Token(tokenAddr)
	if err != nil {
		respondError(w, http.StatusNotFound, "not found", err.Error())
		return
	}
	if err := t.Transfer(from, to, amount); err != nil {
		respondError(w, http.StatusConflict, "rejected", err.Error())
		return
	}
	respondJSON(w, BalanceInfo{Token: tokenAddr.Hex(), User: from.Hex(), Balance: t.BalanceOf(from).String()})
}

// handleTokenApprove grants the exchange an allowance on the caller's
// ledger balance, the precondition for depositToken.
func (s *Server) handleTokenApprove(w http.ResponseWriter, r *http.Request) {
	tokenAddr, ok := parseAddress(mux.Vars(r)["token"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", mux.Vars(r)["token"])
		return
	}

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid from address", req.From)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}

	t, err := s.tokens.Token(tokenAddr)
	if err != nil {
		respondError(w, http.StatusNotFound, "not found", err.Error())
		return
	}

	spender := s.ex.Config().Address
	if req.Spender != "" {
		if spender, ok = parseAddress(req.Spender); !ok {
			respondError(w, http.StatusBadRequest, "invalid spender address", req.Spender)
			return
		}
	}

	if err := t.Approve(from, spender, amount); err != nil {
		respondError(w, http.StatusConflict, "rejected", err.Error())
		return
	}
	respondJSON(w, map[string]string{
		"token":     tokenAddr.Hex(),
		"owner":     from.Hex(),
		"spender":   spender.Hex(),
		"allowance": t.Allowance(from, spender).String(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	from, tokenAddr, amount, ok := s.parseTransfer(w, req)
	if !ok {
		return
	}

	if err := s.ex.DepositToken(from, tokenAddr, amount); err != nil {
		s.respondExchangeError(w, err)
		return
	}
	respondJSON(w, BalanceInfo{
		Token:   tokenAddr.Hex(),
		User:    from.Hex(),
		Balance: s.ex.BalanceOf(tokenAddr, from).String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	from, tokenAddr, amount, ok := s.parseTransfer(w, req)
	if !ok {
		return
	}

	if err := s.ex.WithdrawToken(from, tokenAddr, amount); err != nil {
		s.respondExchangeError(w, err)
		return
	}
	respondJSON(w, BalanceInfo{
		Token:   tokenAddr.Hex(),
		User:    from.Hex(),
		Balance: s.ex.BalanceOf(tokenAddr, from).String(),
	})
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	from, ok := parseAddress(req.From)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid from address", req.From)
		return
	}
	tokenGet, ok := parseAddress(req.TokenGet)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tokenGet address", req.TokenGet)
		return
	}
	tokenGive, ok := parseAddress(req.TokenGive)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tokenGive address", req.TokenGive)
		return
	}
	amountGet, ok := parseAmount(req.AmountGet)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amountGet", req.AmountGet)
		return
	}
	amountGive, ok := parseAmount(req.AmountGive)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amountGive", req.AmountGive)
		return
	}

	id, err := s.ex.MakeOrder(from, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		s.respondExchangeError(w, err)
		return
	}
	respondJSON(w, MakeOrderResponse{ID: id})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	s.handleOrderAction(w, r, s.ex.CancelOrder)
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	s.handleOrderAction(w, r, s.ex.FillOrder)
}

func (s *Server) handleOrderAction(w http.ResponseWriter, r *http.Request, action func(common.Address, uint64) error) {
	id, ok := parseOrderID(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid order id", mux.Vars(r)["id"])
		return
	}

	var req OrderActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid from address", req.From)
		return
	}

	if err := action(from, id); err != nil {
		s.respondExchangeError(w, err)
		return
	}

	o, err := s.ex.Order(id)
	if err != nil {
		s.respondExchangeError(w, err)
		return
	}
	st, _ := s.ex.OrderStatus(id)
	respondJSON(w, orderInfo(o, st))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func (s *Server) parseTransfer(w http.ResponseWriter, req TransferRequest) (common.Address, common.Address, *big.Int, bool) {
	from, ok := parseAddress(req.From)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid from address", req.From)
		return common.Address{}, common.Address{}, nil, false
	}
	tokenAddr, ok := parseAddress(req.Token)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", req.Token)
		return common.Address{}, common.Address{}, nil, false
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return common.Address{}, common.Address{}, nil, false
	}
	return from, tokenAddr, amount, true
}

// respondExchangeError maps the exchange error taxonomy onto HTTP status
// codes. Terminal-state and balance conflicts are 409s: the request was
// well-formed, the state just does not admit it.
func (s *Server) respondExchangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrOrderNotFound), errors.Is(err, exchange.ErrUnknownToken):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, exchange.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, exchange.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
	case errors.Is(err, exchange.ErrOrderAlreadyClosed),
		errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, exchange.ErrInsufficientAllowance),
		errors.Is(err, exchange.ErrTransferFailed):
		respondError(w, http.StatusConflict, "rejected", err.Error())
	default:
		s.log.Errorw("internal_error", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func orderInfo(o exchange.Order, st exchange.OrderStatus) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Maker:      o.Maker.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  o.AmountGet.String(),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: o.AmountGive.String(),
		CreatedAt:  o.CreatedAt,
		Status:     st.String(),
	}
}

func tradeInfo(tr exchange.Trade) TradeInfo {
	return TradeInfo{
		OrderID:    tr.OrderID,
		Taker:      tr.Taker.Hex(),
		Maker:      tr.Maker.Hex(),
		TokenGet:   tr.TokenGet.Hex(),
		AmountGet:  tr.AmountGet.String(),
		TokenGive:  tr.TokenGive.Hex(),
		AmountGive: tr.AmountGive.String(),
		FeeAmount:  tr.FeeAmount.String(),
		Timestamp:  tr.Timestamp,
	}
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseAmount(s string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

func parseOrderID(s string) (uint64, bool) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}
