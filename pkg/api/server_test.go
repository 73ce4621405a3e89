package api

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotrdex/exchange/pkg/exchange"
	"github.com/lotrdex/exchange/pkg/token"
	"github.com/lotrdex/exchange/pkg/util"
)

var (
	exchangeAddr = common.BytesToAddress(crypto.Keccak256([]byte("exchange"))[12:])
	feeAccount   = common.HexToAddress("0xFee0000000000000000000000000000000000000")
	alice        = common.HexToAddress("0xA11ce00000000000000000000000000000000001")
	bob          = common.HexToAddress("0xB0b0000000000000000000000000000000000002")
)

type testServer struct {
	srv     *Server
	handler http.Handler
	reg     *token.Registry
	eth     *token.Token
	lotr    *token.Token
}

// newTestServer wires a registry with two funded ledgers, an exchange
// over a throwaway store, and the REST handler around them.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	reg := token.NewRegistry()
	eth, err := reg.Deploy("Mock Ether", "mETH", alice, big.NewInt(1_000_000))
	require.NoError(t, err)
	lotr, err := reg.Deploy("LotRy", "LOTR", bob, big.NewInt(1_000_000))
	require.NoError(t, err)

	store, err := exchange.OpenStore(t.TempDir())
	require.NoError(t, err)

	ex, err := exchange.New(exchange.Config{
		Address:    exchangeAddr,
		FeeAccount: feeAccount,
		FeePercent: 10,
	}, exchange.LedgerFunc(func(addr common.Address) (exchange.Ledger, error) {
		return reg.Token(addr)
	}), store, util.FixedClock{T: util.RealClock{}.Now()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ex.Close() })

	srv := NewServer(ex, reg, nil)
	return &testServer{srv: srv, handler: srv.Handler(), reg: reg, eth: eth, lotr: lotr}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(out))
}

// fund grants the exchange an allowance and deposits through the API.
func (ts *testServer) fund(t *testing.T, user common.Address, tok *token.Token, amount string) {
	t.Helper()
	w := ts.do(t, "POST", "/api/v1/tokens/"+tok.Address().Hex()+"/approve",
		ApproveRequest{From: user.Hex(), Amount: amount})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, "POST", "/api/v1/deposit",
		TransferRequest{From: user.Hex(), Token: tok.Address().Hex(), Amount: amount})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetTokens(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/api/v1/tokens", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tokens []TokenInfo
	decode(t, w, &tokens)
	require.Len(t, tokens, 2)

	bySymbol := map[string]TokenInfo{}
	for _, ti := range tokens {
		bySymbol[ti.Symbol] = ti
	}
	require.Contains(t, bySymbol, "mETH")
	require.Contains(t, bySymbol, "LOTR")
	assert.Equal(t, "Mock Ether", bySymbol["mETH"].Name)
	assert.Equal(t, uint8(18), bySymbol["mETH"].Decimals)
	assert.Equal(t, "1000000", bySymbol["mETH"].TotalSupply)
	assert.Equal(t, ts.eth.Address().Hex(), bySymbol["mETH"].Address)
}

func TestDepositWithdrawFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, alice, ts.eth, "1000")

	// Exchange balance reflects the deposit.
	w := ts.do(t, "GET", "/api/v1/balances/"+ts.eth.Address().Hex()+"/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal BalanceInfo
	decode(t, w, &bal)
	assert.Equal(t, "1000", bal.Balance)

	// Ledger balance went down by the same amount.
	w = ts.do(t, "GET", "/api/v1/tokens/"+ts.eth.Address().Hex()+"/balances/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &bal)
	assert.Equal(t, "999000", bal.Balance)

	// Withdraw part of it back.
	w = ts.do(t, "POST", "/api/v1/withdraw",
		TransferRequest{From: alice.Hex(), Token: ts.eth.Address().Hex(), Amount: "400"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &bal)
	assert.Equal(t, "600", bal.Balance)
}

func TestDepositWithoutApproval(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/deposit",
		TransferRequest{From: alice.Hex(), Token: ts.eth.Address().Hex(), Amount: "1000"})
	assert.Equal(t, http.StatusConflict, w.Code)

	var errResp ErrorResponse
	decode(t, w, &errResp)
	assert.Equal(t, "rejected", errResp.Error)
}

func TestDepositUnknownToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/deposit",
		TransferRequest{From: alice.Hex(), Token: bob.Hex(), Amount: "10"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, alice, ts.eth, "1000")

	// Alice offers 100 mETH for 5 LOTR.
	w := ts.do(t, "POST", "/api/v1/orders", MakeOrderRequest{
		From:       alice.Hex(),
		TokenGet:   ts.lotr.Address().Hex(),
		AmountGet:  "5",
		TokenGive:  ts.eth.Address().Hex(),
		AmountGive: "100",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var made MakeOrderResponse
	decode(t, w, &made)
	require.Equal(t, uint64(1), made.ID)

	w = ts.do(t, "GET", "/api/v1/orders/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var order OrderInfo
	decode(t, w, &order)
	assert.Equal(t, alice.Hex(), order.Maker)
	assert.Equal(t, "open", order.Status)
	assert.Equal(t, "5", order.AmountGet)
	assert.Equal(t, "100", order.AmountGive)

	// Only the maker may cancel.
	w = ts.do(t, "POST", "/api/v1/orders/1/cancel", OrderActionRequest{From: bob.Hex()})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, "POST", "/api/v1/orders/1/cancel", OrderActionRequest{From: alice.Hex()})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &order)
	assert.Equal(t, "cancelled", order.Status)

	// A closed order cannot be filled.
	w = ts.do(t, "POST", "/api/v1/orders/1/fill", OrderActionRequest{From: bob.Hex()})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFillOrderAndTrades(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, alice, ts.eth, "1000")
	ts.fund(t, bob, ts.lotr, "1000")

	w := ts.do(t, "POST", "/api/v1/orders", MakeOrderRequest{
		From:       alice.Hex(),
		TokenGet:   ts.lotr.Address().Hex(),
		AmountGet:  "20",
		TokenGive:  ts.eth.Address().Hex(),
		AmountGive: "200",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, "POST", "/api/v1/orders/1/fill", OrderActionRequest{From: bob.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var order OrderInfo
	decode(t, w, &order)
	assert.Equal(t, "filled", order.Status)

	w = ts.do(t, "GET", "/api/v1/trades", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []TradeInfo
	decode(t, w, &trades)
	require.Len(t, trades, 1)
	assert.Equal(t, uint64(1), trades[0].OrderID)
	assert.Equal(t, bob.Hex(), trades[0].Taker)
	assert.Equal(t, alice.Hex(), trades[0].Maker)
	assert.Equal(t, "20", trades[0].AmountGet)
	assert.Equal(t, "2", trades[0].FeeAmount)

	// Maker got the LOTR, taker got the mETH, fee account got the fee.
	w = ts.do(t, "GET", "/api/v1/balances/"+ts.lotr.Address().Hex()+"/"+alice.Hex(), nil)
	var bal BalanceInfo
	decode(t, w, &bal)
	assert.Equal(t, "20", bal.Balance)

	w = ts.do(t, "GET", "/api/v1/balances/"+ts.eth.Address().Hex()+"/"+bob.Hex(), nil)
	decode(t, w, &bal)
	assert.Equal(t, "200", bal.Balance)

	w = ts.do(t, "GET", "/api/v1/balances/"+ts.lotr.Address().Hex()+"/"+feeAccount.Hex(), nil)
	decode(t, w, &bal)
	assert.Equal(t, "2", bal.Balance)
}

func TestOrdersStatusFilter(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, alice, ts.eth, "1000")

	for i := 0; i < 3; i++ {
		w := ts.do(t, "POST", "/api/v1/orders", MakeOrderRequest{
			From:       alice.Hex(),
			TokenGet:   ts.lotr.Address().Hex(),
			AmountGet:  "1",
			TokenGive:  ts.eth.Address().Hex(),
			AmountGive: "10",
		})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := ts.do(t, "POST", "/api/v1/orders/2/cancel", OrderActionRequest{From: alice.Hex()})
	require.Equal(t, http.StatusOK, w.Code)

	var orders []OrderInfo
	w = ts.do(t, "GET", "/api/v1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &orders)
	assert.Len(t, orders, 2)

	w = ts.do(t, "GET", "/api/v1/orders?status=cancelled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, uint64(2), orders[0].ID)

	w = ts.do(t, "GET", "/api/v1/orders?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderNotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/api/v1/orders/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, "POST", "/api/v1/orders/999/cancel", OrderActionRequest{From: alice.Hex()})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t)

	// Malformed address.
	w := ts.do(t, "POST", "/api/v1/deposit",
		TransferRequest{From: "not-an-address", Token: ts.eth.Address().Hex(), Amount: "10"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Non-numeric amount.
	w = ts.do(t, "POST", "/api/v1/deposit",
		TransferRequest{From: alice.Hex(), Token: ts.eth.Address().Hex(), Amount: "ten"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Zero amount passes parsing but the exchange rejects it.
	w = ts.do(t, "POST", "/api/v1/deposit",
		TransferRequest{From: alice.Hex(), Token: ts.eth.Address().Hex(), Amount: "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed body.
	req := httptest.NewRequest("POST", "/api/v1/deposit", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenTransferEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/tokens/"+ts.eth.Address().Hex()+"/transfer",
		TokenTransferRequest{From: alice.Hex(), To: bob.Hex(), Amount: "10000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bal BalanceInfo
	decode(t, w, &bal)
	assert.Equal(t, "990000", bal.Balance)
	assert.Equal(t, "10000", ts.eth.BalanceOf(bob).String())

	// Overdraw is a conflict, not a server error.
	w = ts.do(t, "POST", "/api/v1/tokens/"+ts.eth.Address().Hex()+"/transfer",
		TokenTransferRequest{From: bob.Hex(), To: alice.Hex(), Amount: "99999999"})
	assert.Equal(t, http.StatusConflict, w.Code)
}
