package exchange

import (
	"encoding/base64"
	"math/big"
	"strings"
	"testing"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// well-known test private key, never funded
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	cfg := &config.Config{}
	cfg.Wallet.PrivateKey = testPrivateKey
	cfg.Wallet.ChainID = 137
	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return auth
}

func TestNewAuthDerivesAddress(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)

	want := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	if got := auth.Address().Hex(); got != want {
		t.Errorf("Address() = %s, want %s", got, want)
	}
	// no funder configured, so the EOA funds itself
	if got := auth.FunderAddress().Hex(); got != want {
		t.Errorf("FunderAddress() = %s, want %s", got, want)
	}
}

func TestNewAuthDryRunWithoutKey(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{DryRun: true}
	cfg.Wallet.ChainID = 137

	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	// the ephemeral key still derives a usable address so signing paths work
	zero := "0x0000000000000000000000000000000000000000"
	if got := auth.Address().Hex(); got == zero {
		t.Error("ephemeral key derived the zero address")
	}
	if _, err := auth.L1Headers(0); err != nil {
		t.Errorf("L1Headers with ephemeral key: %v", err)
	}
}

func TestNewAuthRequiresKeyWhenLive(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Wallet.ChainID = 137

	if _, err := NewAuth(cfg); err == nil {
		t.Fatal("expected error for empty private key outside dry-run")
	}
}

func TestNewAuthStripsHexPrefix(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Wallet.PrivateKey = "0x" + testPrivateKey
	cfg.Wallet.ChainID = 137

	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	if auth.Address() != newTestAuth(t).Address() {
		t.Error("0x-prefixed key should derive the same address")
	}
}

func TestL1Headers(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)

	headers, err := auth.L1Headers(0)
	if err != nil {
		t.Fatalf("L1Headers: %v", err)
	}

	if headers["POLY_ADDRESS"] != auth.Address().Hex() {
		t.Errorf("POLY_ADDRESS = %s, want %s", headers["POLY_ADDRESS"], auth.Address().Hex())
	}
	if headers["POLY_NONCE"] != "0" {
		t.Errorf("POLY_NONCE = %s, want 0", headers["POLY_NONCE"])
	}
	sig := headers["POLY_SIGNATURE"]
	if !strings.HasPrefix(sig, "0x") || len(sig) != 132 {
		t.Errorf("POLY_SIGNATURE = %q, want 0x-prefixed 65-byte hex", sig)
	}
}

func TestL2Headers(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)
	auth.SetCredentials(Credentials{
		ApiKey:     "key-123",
		Secret:     base64.URLEncoding.EncodeToString([]byte("test-secret")),
		Passphrase: "pass-456",
	})

	headers, err := auth.L2Headers("POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}

	if headers["POLY_API_KEY"] != "key-123" {
		t.Errorf("POLY_API_KEY = %s", headers["POLY_API_KEY"])
	}
	if headers["POLY_PASSPHRASE"] != "pass-456" {
		t.Errorf("POLY_PASSPHRASE = %s", headers["POLY_PASSPHRASE"])
	}
	if headers["POLY_SIGNATURE"] == "" {
		t.Error("POLY_SIGNATURE is empty")
	}
}

func TestSignOrder(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)

	order := &types.SignedOrder{
		Maker:         auth.FunderAddress().Hex(),
		Signer:        auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       "123456",
		MakerAmount:   big.NewInt(5_500_000),
		TakerAmount:   big.NewInt(10_000_000),
		Side:          types.BUY,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: types.SigEOA,
	}

	if err := auth.SignOrder(order, true); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}

	if order.Salt == "" {
		t.Error("Salt not set")
	}
	if !strings.HasPrefix(order.Signature, "0x") || len(order.Signature) != 132 {
		t.Errorf("Signature = %q, want 0x-prefixed 65-byte hex", order.Signature)
	}

	// neg-risk and standard markets verify against different contracts
	standard := *order
	if err := auth.SignOrder(&standard, false); err != nil {
		t.Fatalf("SignOrder standard: %v", err)
	}
	// salts differ, so only check the signatures are well-formed and set
	if standard.Signature == "" || standard.Salt == order.Salt {
		t.Error("standard order should get its own salt and signature")
	}
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		price    float64
		size     float64
		side     types.Side
		tickSize types.TickSize
		wantMkr  int64 // 6-decimal USDC units
		wantTkr  int64
	}{
		{
			name:     "BUY at 0.50, size 100",
			price:    0.50,
			size:     100.0,
			side:     types.BUY,
			tickSize: types.Tick001,
			wantMkr:  50_000_000,
			wantTkr:  100_000_000,
		},
		{
			name:     "SELL at 0.50, size 100",
			price:    0.50,
			size:     100.0,
			side:     types.SELL,
			tickSize: types.Tick001,
			wantMkr:  100_000_000,
			wantTkr:  50_000_000,
		},
		{
			name:     "BUY at 0.75, size 10",
			price:    0.75,
			size:     10.0,
			side:     types.BUY,
			tickSize: types.Tick001,
			wantMkr:  7_500_000,
			wantTkr:  10_000_000,
		},
		{
			name:     "BUY size truncated to 2 decimals",
			price:    0.55,
			size:     1.999, // becomes 1.99
			side:     types.BUY,
			tickSize: types.Tick001,
			wantMkr:  1_094_500, // 1.99 * 0.55 = 1.0945
			wantTkr:  1_990_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(tt.price, tt.size, tt.side, tt.tickSize)

			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr.String(), tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr.String(), tt.wantTkr)
			}
		})
	}
}

func TestPriceToAmountsSellMirrorsBuy(t *testing.T) {
	t.Parallel()

	// same price/size: BUY maker == SELL taker (USDC), BUY taker == SELL maker (tokens)
	buyMkr, buyTkr := PriceToAmounts(0.60, 50.0, types.BUY, types.Tick001)
	sellMkr, sellTkr := PriceToAmounts(0.60, 50.0, types.SELL, types.Tick001)

	if buyMkr.Cmp(sellTkr) != 0 {
		t.Errorf("BUY maker (%s) != SELL taker (%s)", buyMkr, sellTkr)
	}
	if buyTkr.Cmp(sellMkr) != 0 {
		t.Errorf("BUY taker (%s) != SELL maker (%s)", buyTkr, sellMkr)
	}
}
