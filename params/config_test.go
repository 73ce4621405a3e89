package params

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Node.ListenAddr != ":8420" {
		t.Errorf("listen addr = %s", cfg.Node.ListenAddr)
	}
	if cfg.Exchange.FeePercent != 10 {
		t.Errorf("fee percent = %d, want 10", cfg.Exchange.FeePercent)
	}
	if len(cfg.Genesis.Tokens) != 3 {
		t.Fatalf("genesis tokens = %d, want 3", len(cfg.Genesis.Tokens))
	}
	if cfg.Genesis.Tokens[0].Symbol != "LOTR" || cfg.Genesis.Tokens[0].Supply != 1_000_000 {
		t.Errorf("first genesis token = %+v", cfg.Genesis.Tokens[0])
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("DB_PATH", "/tmp/ex.db")
	t.Setenv("FEE_ACCOUNT", "0x00000000000000000000000000000000000000AA")
	t.Setenv("FEE_PERCENT", "3")
	t.Setenv("GENESIS_TOKENS", "Gold/GLD/500,Silver/SLV/700")

	cfg := LoadFromEnv("")

	if cfg.Node.ListenAddr != ":9999" {
		t.Errorf("listen addr = %s", cfg.Node.ListenAddr)
	}
	if cfg.Node.DBPath != "/tmp/ex.db" {
		t.Errorf("db path = %s", cfg.Node.DBPath)
	}
	want := common.HexToAddress("0x00000000000000000000000000000000000000AA")
	if cfg.Exchange.FeeAccount != want {
		t.Errorf("fee account = %s", cfg.Exchange.FeeAccount.Hex())
	}
	if cfg.Exchange.FeePercent != 3 {
		t.Errorf("fee percent = %d, want 3", cfg.Exchange.FeePercent)
	}
	if len(cfg.Genesis.Tokens) != 2 || cfg.Genesis.Tokens[1].Symbol != "SLV" || cfg.Genesis.Tokens[1].Supply != 700 {
		t.Errorf("genesis tokens = %+v", cfg.Genesis.Tokens)
	}
}

func TestFeePercentBoundsIgnored(t *testing.T) {
	t.Setenv("FEE_PERCENT", "250")
	if cfg := LoadFromEnv(""); cfg.Exchange.FeePercent != 10 {
		t.Errorf("fee percent = %d, want default 10", cfg.Exchange.FeePercent)
	}

	t.Setenv("FEE_PERCENT", "abc")
	if cfg := LoadFromEnv(""); cfg.Exchange.FeePercent != 10 {
		t.Errorf("fee percent = %d, want default 10", cfg.Exchange.FeePercent)
	}
}

func TestParseTokenSpecs(t *testing.T) {
	specs := parseTokenSpecs("Mock Ether/mETH/1000000, LotRy/LOTR/42")
	if len(specs) != 2 {
		t.Fatalf("specs = %+v", specs)
	}
	if specs[0].Name != "Mock Ether" || specs[0].Symbol != "mETH" || specs[0].Supply != 1_000_000 {
		t.Errorf("specs[0] = %+v", specs[0])
	}

	// Malformed entries are skipped, not fatal.
	specs = parseTokenSpecs("bad,Also/Bad,Neg/NEG/-5,OK/OK/1")
	if len(specs) != 1 || specs[0].Symbol != "OK" {
		t.Errorf("specs = %+v", specs)
	}
}

func TestBaseUnits(t *testing.T) {
	if got := BaseUnits(1).String(); got != "1000000000000000000" {
		t.Errorf("BaseUnits(1) = %s", got)
	}
	if got := BaseUnits(1_000_000).String(); got != "1000000000000000000000000" {
		t.Errorf("BaseUnits(1000000) = %s", got)
	}
	if got := BaseUnits(0).Sign(); got != 0 {
		t.Errorf("BaseUnits(0) sign = %d", got)
	}
}
