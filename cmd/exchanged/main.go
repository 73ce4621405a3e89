package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lotrdex/exchange/params"
	"github.com/lotrdex/exchange/pkg/api"
	"github.com/lotrdex/exchange/pkg/exchange"
	"github.com/lotrdex/exchange/pkg/token"
	"github.com/lotrdex/exchange/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// ---- Token ledgers ----
	// Ledger state is durable alongside exchange custody: genesis tokens
	// deploy once, and every later start rehydrates them instead of
	// re-minting the supply.
	tokenStore, err := token.OpenStore(filepath.Join(cfg.Node.DBPath, "tokens"))
	if err != nil {
		sugar.Fatalw("token_store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer tokenStore.Close()

	registry, err := token.OpenRegistry(tokenStore)
	if err != nil {
		sugar.Fatalw("registry_open_failed", "err", err)
	}
	for _, spec := range cfg.Genesis.Tokens {
		if t, err := registry.BySymbol(spec.Symbol); err == nil {
			sugar.Infow("token_loaded", "symbol", t.Symbol, "address", t.Address().Hex())
			continue
		}
		t, err := registry.Deploy(spec.Name, spec.Symbol, cfg.Genesis.Deployer, params.BaseUnits(spec.Supply))
		if err != nil {
			sugar.Fatalw("token_deploy_failed", "symbol", spec.Symbol, "err", err)
		}
		sugar.Infow("token_deployed", "symbol", t.Symbol, "address", t.Address().Hex(), "supply", t.TotalSupply().String())
	}

	// ---- Exchange ----
	store, err := exchange.OpenStore(filepath.Join(cfg.Node.DBPath, "exchange"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}

	// The exchange's own custody account on every ledger.
	exchangeAddr := common.BytesToAddress(crypto.Keccak256([]byte("exchange"))[12:])

	ex, err := exchange.New(exchange.Config{
		Address:    exchangeAddr,
		FeeAccount: cfg.Exchange.FeeAccount,
		FeePercent: cfg.Exchange.FeePercent,
	}, exchange.LedgerFunc(func(addr common.Address) (exchange.Ledger, error) {
		return registry.Token(addr)
	}), store, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}
	defer ex.Close()

	sugar.Infow("exchange_started",
		"address", exchangeAddr.Hex(),
		"fee_account", cfg.Exchange.FeeAccount.Hex(),
		"fee_percent", cfg.Exchange.FeePercent)

	// ---- API ----
	server := api.NewServer(ex, registry, sugar)
	go func() {
		if err := server.Start(cfg.Node.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	sugar.Info("shutting down")
}
