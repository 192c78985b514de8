package outcome

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/catalog"
	"github.com/playloop/game-engine/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func wheelConfig() *catalog.GameConfig {
	return &catalog.GameConfig{
		ID:               "wheel",
		Type:             catalog.TypeWheel,
		RoundDuration:    60,
		TargetPayoutRate: d("0.60"),
		MinBet:           d("1"),
		MaxBet:           d("100"),
		PayoutTable: []catalog.PayoutTier{
			{Rank: "miss", Multiplier: d("0"), Weight: d("0.63")},
			{Rank: "double", Multiplier: d("1.2"), Weight: d("0.25")},
			{Rank: "triple", Multiplier: d("2"), Weight: d("0.10")},
			{Rank: "jackpot", Multiplier: d("5"), Weight: d("0.02")},
		},
	}
}

func coinConfig() *catalog.GameConfig {
	return &catalog.GameConfig{
		ID:               "coin",
		Type:             catalog.TypeCoinFlip,
		RoundDuration:    30,
		TargetPayoutRate: d("0.60"),
		MinBet:           d("1"),
		MaxBet:           d("100"),
		PayoutTable: []catalog.PayoutTier{
			{Rank: "heads", Multiplier: d("1.2"), Weight: d("0.5")},
			{Rank: "tails", Multiplier: d("1.2"), Weight: d("0.5")},
		},
	}
}

// --- Seed and commitment tests ---

func TestNewSeed_Unique(t *testing.T) {
	a, err := NewSeed()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := NewSeed()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("seed should be 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("two fresh seeds should not collide")
	}
}

func TestCommitment_Deterministic(t *testing.T) {
	c1 := Commitment("seed", "wheel", 1000)
	c2 := Commitment("seed", "wheel", 1000)
	if c1 != c2 {
		t.Errorf("same inputs should produce same commitment: %s vs %s", c1, c2)
	}
	if len(c1) != 64 {
		t.Errorf("commitment should be 64 hex chars, got %d", len(c1))
	}
}

func TestCommitment_BindsAllInputs(t *testing.T) {
	base := Commitment("seed", "wheel", 1000)
	if Commitment("seed2", "wheel", 1000) == base {
		t.Error("commitment should change with the seed")
	}
	if Commitment("seed", "dice", 1000) == base {
		t.Error("commitment should change with the game id")
	}
	if Commitment("seed", "wheel", 1060) == base {
		t.Error("commitment should change with the bucket start")
	}
}

func TestVerify(t *testing.T) {
	hash := Commitment("seed", "wheel", 1000)
	if !Verify("seed", "wheel", 1000, hash) {
		t.Error("correct seed should verify")
	}
	if Verify("other", "wheel", 1000, hash) {
		t.Error("wrong seed should not verify")
	}
}

// --- Resolve tests ---

func TestResolve_Deterministic(t *testing.T) {
	cfg := wheelConfig()
	seed, _ := NewSeed()

	first, err := Resolve(cfg, seed, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Resolve(cfg, seed, 1000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again.Rank != first.Rank || again.Value != first.Value {
			t.Fatalf("resolve not deterministic: %v vs %v", first, again)
		}
	}
}

func TestResolve_EmptySeed(t *testing.T) {
	if _, err := Resolve(wheelConfig(), "", 1000); err != ErrEmptySeed {
		t.Errorf("expected ErrEmptySeed, got %v", err)
	}
}

func TestResolve_EmptyTable(t *testing.T) {
	cfg := wheelConfig()
	cfg.PayoutTable = nil
	if _, err := Resolve(cfg, "seed", 1000); err != ErrEmptyTable {
		t.Errorf("expected ErrEmptyTable, got %v", err)
	}
}

func TestResolve_OutcomeMatchesTier(t *testing.T) {
	cfg := wheelConfig()
	seed, _ := NewSeed()
	out, err := Resolve(cfg, seed, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tier := cfg.PayoutTable[out.Value]
	if out.Rank != tier.Rank {
		t.Errorf("outcome rank %s does not match tier %d rank %s", out.Rank, out.Value, tier.Rank)
	}
	if !out.Multiplier.Equal(tier.Multiplier) {
		t.Errorf("outcome multiplier %s does not match tier multiplier %s", out.Multiplier, tier.Multiplier)
	}
}

// Every tier should come up roughly in proportion to its weight over many
// independent seeds. Bounds here are loose on purpose: the test guards
// against a broken cumulative walk, not against sampling noise.
func TestResolve_DistributionTracksWeights(t *testing.T) {
	cfg := wheelConfig()
	const n = 20_000
	counts := make(map[string]int)

	for i := 0; i < n; i++ {
		seed, err := NewSeed()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out, err := Resolve(cfg, seed, int64(i)*60)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[out.Rank]++
	}

	for _, tier := range cfg.PayoutTable {
		got := float64(counts[tier.Rank]) / n
		want, _ := tier.Weight.Float64()
		if got < want*0.7-0.005 || got > want*1.3+0.005 {
			t.Errorf("rank %s: observed frequency %.4f, weight %.4f", tier.Rank, got, want)
		}
	}
}

// --- Payout tests ---

func TestComputePayout_PickWin(t *testing.T) {
	cfg := coinConfig()
	play := &model.Play{Bet: d("10"), Choice: "heads"}
	out := &model.Outcome{Rank: "heads", Multiplier: d("1.2")}

	got := ComputePayout(play, out, cfg)
	if !got.Equal(d("12")) {
		t.Errorf("expected payout 12, got %s", got)
	}
}

func TestComputePayout_PickLoss(t *testing.T) {
	cfg := coinConfig()
	play := &model.Play{Bet: d("10"), Choice: "tails"}
	out := &model.Outcome{Rank: "heads", Multiplier: d("1.2")}

	got := ComputePayout(play, out, cfg)
	if !got.IsZero() {
		t.Errorf("losing pick should pay zero, got %s", got)
	}
}

func TestComputePayout_DrawIgnoresChoice(t *testing.T) {
	cfg := wheelConfig()
	out := &model.Outcome{Rank: "triple", Multiplier: d("2")}

	for _, choice := range []string{"", "triple", "anything"} {
		play := &model.Play{Bet: d("10"), Choice: choice}
		got := ComputePayout(play, out, cfg)
		if !got.Equal(d("20")) {
			t.Errorf("choice %q: expected payout 20, got %s", choice, got)
		}
	}
}

func TestComputePayout_DrawMiss(t *testing.T) {
	cfg := wheelConfig()
	play := &model.Play{Bet: d("10"), Choice: ""}
	out := &model.Outcome{Rank: "miss", Multiplier: d("0")}

	if got := ComputePayout(play, out, cfg); !got.IsZero() {
		t.Errorf("miss tier should pay zero, got %s", got)
	}
}
