// Command seed populates a running exchanged node with demo state: funded
// custody balances, a cancelled order, a filled order, and two ladders of
// open orders, so the API has realistic data to serve.
package main

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lotrdex/exchange/params"
)

type tokenInfo struct {
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

type orderResponse struct {
	ID uint64 `json:"id"`
}

type seeder struct {
	client *resty.Client
}

func (s *seeder) post(path string, body, out interface{}) error {
	resp, err := s.client.R().SetBody(body).SetResult(out).Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %s: %s", path, resp.Status(), resp.Body())
	}
	return nil
}

func (s *seeder) transfer(token, from, to string, amount *big.Int) error {
	return s.post("/api/v1/tokens/"+token+"/transfer",
		map[string]string{"from": from, "to": to, "amount": amount.String()}, nil)
}

func (s *seeder) approve(token, from string, amount *big.Int) error {
	return s.post("/api/v1/tokens/"+token+"/approve",
		map[string]string{"from": from, "amount": amount.String()}, nil)
}

func (s *seeder) deposit(token, from string, amount *big.Int) error {
	return s.post("/api/v1/deposit",
		map[string]string{"from": from, "token": token, "amount": amount.String()}, nil)
}

func (s *seeder) makeOrder(from, tokenGet string, amountGet *big.Int, tokenGive string, amountGive *big.Int) (uint64, error) {
	var out orderResponse
	err := s.post("/api/v1/orders", map[string]string{
		"from":       from,
		"tokenGet":   tokenGet,
		"amountGet":  amountGet.String(),
		"tokenGive":  tokenGive,
		"amountGive": amountGive.String(),
	}, &out)
	return out.ID, err
}

func (s *seeder) cancelOrder(from string, id uint64) error {
	return s.post(fmt.Sprintf("/api/v1/orders/%d/cancel", id), map[string]string{"from": from}, nil)
}

func (s *seeder) fillOrder(from string, id uint64) error {
	return s.post(fmt.Sprintf("/api/v1/orders/%d/fill", id), map[string]string{"from": from}, nil)
}

func main() {
	baseURL := os.Getenv("EXCHANGE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8420"
	}

	cfg := params.LoadFromEnv("")
	user1 := cfg.Genesis.Deployer.Hex()
	user2 := os.Getenv("SEED_USER2")
	if user2 == "" {
		user2 = "0xDe10000000000000000000000000000000000002"
	}

	s := &seeder{client: resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second)}

	// Resolve deployed tokens by symbol.
	var tokens []tokenInfo
	resp, err := s.client.R().SetResult(&tokens).Get("/api/v1/tokens")
	if err != nil {
		log.Fatalf("fetch tokens: %v", err)
	}
	if resp.IsError() {
		log.Fatalf("fetch tokens: %s", resp.Status())
	}
	bySymbol := make(map[string]string)
	for _, t := range tokens {
		bySymbol[t.Symbol] = t.Address
		log.Printf("token %s at %s", t.Symbol, t.Address)
	}
	lotr, ok1 := bySymbol["LOTR"]
	meth, ok2 := bySymbol["mETH"]
	if !ok1 || !ok2 {
		log.Fatalf("node is missing genesis tokens LOTR/mETH: have %v", bySymbol)
	}

	amount := params.BaseUnits(10000)

	// Give user2 a starting mETH balance.
	if err := s.transfer(meth, user1, user2, amount); err != nil {
		log.Fatalf("transfer: %v", err)
	}
	log.Printf("transferred %s mETH from %s to %s", amount, user1, user2)

	// Both users approve and deposit into exchange custody.
	for _, step := range []struct {
		user, token, symbol string
	}{
		{user1, lotr, "LOTR"},
		{user2, meth, "mETH"},
	} {
		if err := s.approve(step.token, step.user, amount); err != nil {
			log.Fatalf("approve %s: %v", step.symbol, err)
		}
		log.Printf("approved %s %s from %s", amount, step.symbol, step.user)

		if err := s.deposit(step.token, step.user, amount); err != nil {
			log.Fatalf("deposit %s: %v", step.symbol, err)
		}
		log.Printf("deposited %s %s from %s", amount, step.symbol, step.user)
	}

	// A cancelled order: user1 asks 100 mETH for 5 LOTR, then cancels.
	id, err := s.makeOrder(user1, meth, params.BaseUnits(100), lotr, params.BaseUnits(5))
	if err != nil {
		log.Fatalf("make order: %v", err)
	}
	if err := s.cancelOrder(user1, id); err != nil {
		log.Fatalf("cancel order %d: %v", id, err)
	}
	log.Printf("made and cancelled order %d from %s", id, user1)
	time.Sleep(1 * time.Second)

	// A filled order: user1 asks 200 mETH for 20 LOTR, user2 fills.
	id, err = s.makeOrder(user1, meth, params.BaseUnits(200), lotr, params.BaseUnits(20))
	if err != nil {
		log.Fatalf("make order: %v", err)
	}
	if err := s.fillOrder(user2, id); err != nil {
		log.Fatalf("fill order %d: %v", id, err)
	}
	log.Printf("made and filled order %d (taker %s)", id, user2)
	time.Sleep(1 * time.Second)

	// Open order ladders on both sides of the book.
	for i := int64(1); i <= 10; i++ {
		if _, err := s.makeOrder(user1, meth, params.BaseUnits(10*i), lotr, params.BaseUnits(10)); err != nil {
			log.Fatalf("make ladder order: %v", err)
		}
		log.Printf("made order from %s", user1)
		time.Sleep(1 * time.Second)
	}
	for i := int64(1); i <= 10; i++ {
		if _, err := s.makeOrder(user2, lotr, params.BaseUnits(10), meth, params.BaseUnits(10*i)); err != nil {
			log.Fatalf("make ladder order: %v", err)
		}
		log.Printf("made order from %s", user2)
		time.Sleep(1 * time.Second)
	}

	log.Println("seeding complete")
}
