package params

import (
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Node struct {
	ListenAddr string // REST + WebSocket bind address
	DBPath     string // root directory for the Pebble databases
	LogFile    string // structured log output (console is always on)
}

type Exchange struct {
	// FeeAccount collects the taker fee on every fill.
	FeeAccount common.Address
	// FeePercent is an integer percentage (10 = 10%), fixed for the
	// lifetime of the exchange.
	FeePercent uint64
}

// TokenSpec describes a token deployed at genesis. Supply is in whole
// tokens; the deployer receives supply * 10^18 base units.
type TokenSpec struct {
	Name   string
	Symbol string
	Supply int64
}

type Genesis struct {
	Deployer common.Address
	Tokens   []TokenSpec
}

type Config struct {
	Node     Node
	Exchange Exchange
	Genesis  Genesis
}

func Default() Config {
	return Config{
		Node: Node{
			ListenAddr: ":8420",
			DBPath:     "data/exchange.db",
			LogFile:    "data/exchange.log",
		},
		Exchange: Exchange{
			FeeAccount: common.HexToAddress("0xFee0000000000000000000000000000000000000"),
			FeePercent: 10,
		},
		Genesis: Genesis{
			Deployer: common.HexToAddress("0xDe10000000000000000000000000000000000001"),
			Tokens: []TokenSpec{
				{Name: "LotRy", Symbol: "LOTR", Supply: 1_000_000},
				{Name: "Mock Ether", Symbol: "mETH", Supply: 1_000_000},
				{Name: "Mock Dai", Symbol: "mDAI", Supply: 1_000_000},
			},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Optional .env file - missing is fine.
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	if v := os.Getenv("FEE_ACCOUNT"); v != "" {
		cfg.Exchange.FeeAccount = common.HexToAddress(v)
	}
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		if pct, err := strconv.ParseUint(v, 10, 64); err == nil && pct <= 100 {
			cfg.Exchange.FeePercent = pct
		}
	}

	if v := os.Getenv("DEPLOYER"); v != "" {
		cfg.Genesis.Deployer = common.HexToAddress(v)
	}

	// Genesis tokens from a comma-separated list of name/symbol/supply
	// triples. Example: "LotRy/LOTR/1000000,Mock Ether/mETH/1000000"
	if v := os.Getenv("GENESIS_TOKENS"); v != "" {
		if tokens := parseTokenSpecs(v); len(tokens) > 0 {
			cfg.Genesis.Tokens = tokens
		}
	}

	return cfg
}

func parseTokenSpecs(s string) []TokenSpec {
	var specs []TokenSpec
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "/")
		if len(parts) != 3 {
			continue
		}
		supply, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || supply <= 0 {
			continue
		}
		specs = append(specs, TokenSpec{Name: parts[0], Symbol: parts[1], Supply: supply})
	}
	return specs
}

// BaseUnits converts a whole-token amount to 18-decimal base units,
// matching the hardhat convention of parseUnits(n, 'ether').
func BaseUnits(whole int64) *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(whole), wei)
}
