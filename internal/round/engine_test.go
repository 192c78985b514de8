package round

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/catalog"
	"github.com/playloop/game-engine/internal/model"
	"github.com/playloop/game-engine/internal/outcome"
	"github.com/playloop/game-engine/internal/store"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

// allowGate approves everything and counts what it was told.
type allowGate struct {
	mu     sync.Mutex
	spends []decimal.Decimal
	losses []decimal.Decimal
}

func (g *allowGate) AssessRisk(context.Context, string, decimal.Decimal, model.RiskAction) model.RiskAssessment {
	return model.RiskAssessment{Allowed: true}
}

func (g *allowGate) RecordSpend(_ context.Context, _ string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spends = append(g.spends, amount)
	return nil
}

func (g *allowGate) RecordLoss(_ context.Context, _ string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.losses = append(g.losses, amount)
	return nil
}

// denyGate denies everything with a fixed reason.
type denyGate struct{}

func (denyGate) AssessRisk(context.Context, string, decimal.Decimal, model.RiskAction) model.RiskAssessment {
	return model.RiskAssessment{Allowed: false, Reason: model.DenyLimitsExceeded}
}
func (denyGate) RecordSpend(context.Context, string, decimal.Decimal) error { return nil }
func (denyGate) RecordLoss(context.Context, string, decimal.Decimal) error  { return nil }

type testEnv struct {
	engine *Engine
	store  *store.MemoryStore
	clock  *fakeClock
	gate   *allowGate
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	gate := &allowGate{}
	// Start on a bucket boundary so bucket arithmetic in tests stays obvious.
	clock := &fakeClock{now: time.Unix(1_750_000_020, 0)}
	e := NewEngine(catalog.Default(), st, gate, WithClock(clock.Now))
	return &testEnv{engine: e, store: st, clock: clock, gate: gate}
}

// --- Bucket identity tests ---

func TestBucketStart_FloorsToDuration(t *testing.T) {
	cfg := &catalog.GameConfig{ID: "g", RoundDuration: 30}
	tests := []struct {
		unix int64
		want int64
	}{
		{900, 900},
		{901, 900},
		{929, 900},
		{930, 930},
	}
	for _, tt := range tests {
		got := BucketStart(cfg, time.Unix(tt.unix, 0))
		if got != tt.want {
			t.Errorf("BucketStart(%d) = %d, want %d", tt.unix, got, tt.want)
		}
	}
}

// --- Creation tests ---

func TestGetOrCreateRound_PublishesCommitmentOnly(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.engine.GetOrCreateRound(context.Background(), "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != model.RoundOpen {
		t.Errorf("new round status = %s, want OPEN", r.Status)
	}
	if len(r.SeedHash) != 64 {
		t.Errorf("seed hash should be 64 hex chars, got %d", len(r.SeedHash))
	}
	if r.Outcome != nil {
		t.Error("open round must not carry an outcome")
	}
}

func TestGetOrCreateRound_UnknownGame(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.GetOrCreateRound(context.Background(), "slots", env.clock.Now())
	if !errors.Is(err, catalog.ErrUnknownGame) {
		t.Errorf("expected ErrUnknownGame, got %v", err)
	}
}

func TestGetOrCreateRound_OneRoundPerBucket(t *testing.T) {
	env := newTestEnv(t)
	const workers = 100

	hashes := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := env.engine.GetOrCreateRound(context.Background(), "coin_flip", env.clock.Now())
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			hashes[i] = r.SeedHash
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if hashes[i] != hashes[0] {
			t.Fatalf("worker %d saw a different round: %s vs %s", i, hashes[i], hashes[0])
		}
	}
}

func TestGetOrCreateRound_NewBucketNewRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.engine.GetOrCreateRound(ctx, "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.clock.Advance(30 * time.Second) // coin_flip rounds last 30s
	second, err := env.engine.GetOrCreateRound(ctx, "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.BucketStart == second.BucketStart {
		t.Error("a new bucket should open a new round")
	}
	if first.SeedHash == second.SeedHash {
		t.Error("each round needs its own seed")
	}
}

// --- Play recording tests ---

func TestRecordPlay_Accepted(t *testing.T) {
	env := newTestEnv(t)
	play, err := env.engine.RecordPlay(context.Background(), "coin_flip", "alice", d("10"), "heads")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if play.ID == "" {
		t.Error("play should be assigned an id")
	}
	if play.Settled {
		t.Error("fresh play must not be settled")
	}
	if len(env.gate.spends) != 1 || !env.gate.spends[0].Equal(d("10")) {
		t.Errorf("risk gate should record the spend, got %v", env.gate.spends)
	}
}

func TestRecordPlay_BetOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// coin_flip bets span [1, 500]
	if _, err := env.engine.RecordPlay(ctx, "coin_flip", "alice", d("0.5"), "heads"); !errors.Is(err, ErrBetOutOfRange) {
		t.Errorf("expected ErrBetOutOfRange below min, got %v", err)
	}
	if _, err := env.engine.RecordPlay(ctx, "coin_flip", "alice", d("501"), "heads"); !errors.Is(err, ErrBetOutOfRange) {
		t.Errorf("expected ErrBetOutOfRange above max, got %v", err)
	}
}

func TestRecordPlay_InvalidChoice(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.RecordPlay(context.Background(), "coin_flip", "alice", d("10"), "edge"); !errors.Is(err, ErrInvalidChoice) {
		t.Errorf("expected ErrInvalidChoice, got %v", err)
	}
}

func TestRecordPlay_RiskDenied(t *testing.T) {
	st := store.NewMemoryStore()
	clock := &fakeClock{now: time.Unix(1_750_000_020, 0)}
	e := NewEngine(catalog.Default(), st, denyGate{}, WithClock(clock.Now))

	_, err := e.RecordPlay(context.Background(), "coin_flip", "alice", d("10"), "heads")
	var denied *RiskDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected RiskDeniedError, got %v", err)
	}
	if denied.Assessment.Reason != model.DenyLimitsExceeded {
		t.Errorf("denial reason = %q, want %q", denied.Assessment.Reason, model.DenyLimitsExceeded)
	}

	// A denied wager must leave no trace in the round.
	bucket := BucketStart(catalogGame(t, "coin_flip"), clock.Now())
	plays, _ := st.GetPlaysByRound(context.Background(), "coin_flip", bucket)
	if len(plays) != 0 {
		t.Errorf("denied wager should record no play, got %d", len(plays))
	}
}

func catalogGame(t *testing.T, id string) *catalog.GameConfig {
	t.Helper()
	cfg, err := catalog.Default().Get(id)
	if err != nil {
		t.Fatalf("get game %s: %v", id, err)
	}
	return cfg
}

func TestRecordPlay_RejectedAfterWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.engine.GetOrCreateRound(ctx, "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Freeze the engine's view of this bucket, then try to bet into it after
	// the window: the clock has moved to a new bucket, so the play lands
	// there instead, never in the expired one.
	env.clock.Advance(31 * time.Second)
	if err := env.engine.LockRound(ctx, "coin_flip", r.BucketStart); err != nil {
		t.Fatalf("lock: %v", err)
	}

	locked, err := env.engine.Round(ctx, "coin_flip", r.BucketStart)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if locked.Status != model.RoundLocked {
		t.Errorf("expired round status = %s, want LOCKED", locked.Status)
	}

	play, err := env.engine.RecordPlay(ctx, "coin_flip", "alice", d("10"), "heads")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if play.BucketStart == r.BucketStart {
		t.Error("play must not land in a locked bucket")
	}
}

// --- Lifecycle tests ---

func TestLifecycle_FullRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice, err := env.engine.RecordPlay(ctx, "coin_flip", "alice", d("10"), "heads")
	if err != nil {
		t.Fatalf("alice play: %v", err)
	}
	if _, err := env.engine.RecordPlay(ctx, "coin_flip", "bob", d("20"), "tails"); err != nil {
		t.Fatalf("bob play: %v", err)
	}
	bucket := alice.BucketStart

	env.clock.Advance(31 * time.Second)
	if err := env.engine.LockRound(ctx, "coin_flip", bucket); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := env.engine.RevealRound(ctx, "coin_flip", bucket); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	r, err := env.engine.Round(ctx, "coin_flip", bucket)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if r.Status != model.RoundRevealed {
		t.Fatalf("status = %s, want REVEALED", r.Status)
	}
	if r.Outcome == nil {
		t.Fatal("revealed round must carry an outcome")
	}
	if err := VerifyCommitment(r); err != nil {
		t.Errorf("revealed seed must match the published commitment: %v", err)
	}

	if err := env.engine.SettleRound(ctx, "coin_flip", bucket); err != nil {
		t.Fatalf("settle: %v", err)
	}

	plays, err := env.store.GetPlaysByRound(ctx, "coin_flip", bucket)
	if err != nil {
		t.Fatalf("plays: %v", err)
	}
	if len(plays) != 2 {
		t.Fatalf("expected 2 plays, got %d", len(plays))
	}
	// Exactly one of heads/tails wins the flip, at the 1.2 multiplier.
	winners := 0
	for _, p := range plays {
		if !p.Settled {
			t.Errorf("play %s not settled", p.ID)
		}
		if p.Choice == r.Outcome.Rank {
			winners++
			want := p.Bet.Mul(d("1.2"))
			if !p.Payout.Equal(want) {
				t.Errorf("winner payout = %s, want %s", p.Payout, want)
			}
		} else if !p.Payout.IsZero() {
			t.Errorf("loser payout = %s, want 0", p.Payout)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}

	// The loser's loss reaches the risk gate.
	if len(env.gate.losses) != 1 {
		t.Errorf("expected 1 recorded loss, got %v", env.gate.losses)
	}
}

func TestRevealRound_PrematureFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.engine.GetOrCreateRound(ctx, "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.engine.RevealRound(ctx, "coin_flip", r.BucketStart); !errors.Is(err, ErrPrematureReveal) {
		t.Errorf("expected ErrPrematureReveal, got %v", err)
	}
}

func TestSettleRound_BeforeRevealFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.engine.GetOrCreateRound(ctx, "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.clock.Advance(31 * time.Second)
	if err := env.engine.LockRound(ctx, "coin_flip", r.BucketStart); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := env.engine.SettleRound(ctx, "coin_flip", r.BucketStart); !errors.Is(err, ErrNotRevealed) {
		t.Errorf("expected ErrNotRevealed, got %v", err)
	}
}

func TestSettleRound_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	play, err := env.engine.RecordPlay(ctx, "wheel", "alice", d("10"), "")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	bucket := play.BucketStart

	env.clock.Advance(61 * time.Second)
	if err := env.engine.LockRound(ctx, "wheel", bucket); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := env.engine.RevealRound(ctx, "wheel", bucket); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if err := env.engine.SettleRound(ctx, "wheel", bucket); err != nil {
		t.Fatalf("settle: %v", err)
	}

	lossesAfterFirst := len(env.gate.losses)
	if err := env.engine.SettleRound(ctx, "wheel", bucket); err != nil {
		t.Fatalf("re-settle: %v", err)
	}
	if len(env.gate.losses) != lossesAfterFirst {
		t.Error("re-settling must not double-count losses")
	}

	plays, _ := env.store.GetPlaysByRound(ctx, "wheel", bucket)
	if len(plays) != 1 || !plays[0].Settled {
		t.Fatalf("expected 1 settled play, got %+v", plays)
	}
}

func TestRevealRound_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.engine.GetOrCreateRound(ctx, "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.clock.Advance(31 * time.Second)
	if err := env.engine.LockRound(ctx, "coin_flip", r.BucketStart); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := env.engine.RevealRound(ctx, "coin_flip", r.BucketStart); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	first, _ := env.engine.Round(ctx, "coin_flip", r.BucketStart)
	if err := env.engine.RevealRound(ctx, "coin_flip", r.BucketStart); err != nil {
		t.Fatalf("re-reveal: %v", err)
	}
	second, _ := env.engine.Round(ctx, "coin_flip", r.BucketStart)
	if first.Outcome.Rank != second.Outcome.Rank {
		t.Error("re-reveal must not change the outcome")
	}
}

// --- Verification tests ---

func TestVerificationRecord_HiddenWhileOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.engine.GetOrCreateRound(ctx, "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.engine.VerificationRecord(ctx, "coin_flip", r.BucketStart); !errors.Is(err, ErrNotRevealed) {
		t.Errorf("open round must not expose its seed, got %v", err)
	}
}

func TestVerificationRecord_AfterReveal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.engine.GetOrCreateRound(ctx, "coin_flip", env.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.clock.Advance(31 * time.Second)
	if err := env.engine.LockRound(ctx, "coin_flip", r.BucketStart); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := env.engine.RevealRound(ctx, "coin_flip", r.BucketStart); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	rec, err := env.engine.VerificationRecord(ctx, "coin_flip", r.BucketStart)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Seed == "" {
		t.Fatal("verification record must expose the seed")
	}
	if !outcome.Verify(rec.Seed, rec.GameID, rec.BucketStart, rec.SeedHash) {
		t.Error("verification record must pass the commitment check")
	}
	if rec.Outcome == nil {
		t.Error("verification record must carry the outcome")
	}
}

// --- Sweep tests ---

func TestSweep_DrivesLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	play, err := env.engine.RecordPlay(ctx, "coin_flip", "alice", d("10"), "heads")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	bucket := play.BucketStart

	env.clock.Advance(31 * time.Second)

	// One sweep per transition: lock, reveal, settle.
	for i := 0; i < 3; i++ {
		env.engine.Sweep(ctx)
	}

	r, err := env.engine.Round(ctx, "coin_flip", bucket)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if r.Status != model.RoundSettled {
		t.Fatalf("after three sweeps status = %s, want SETTLED", r.Status)
	}

	plays, _ := env.store.GetPlaysByRound(ctx, "coin_flip", bucket)
	if len(plays) != 1 || !plays[0].Settled {
		t.Errorf("sweep should settle the play, got %+v", plays)
	}
}

func TestRecover_AdoptsUnsettledRoundsAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	play, err := env.engine.RecordPlay(ctx, "coin_flip", "alice", d("10"), "heads")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	bucket := play.BucketStart

	// Lock the round, then simulate a crash: a fresh engine on the same
	// store with an empty arena.
	env.clock.Advance(31 * time.Second)
	if err := env.engine.LockRound(ctx, "coin_flip", bucket); err != nil {
		t.Fatalf("lock: %v", err)
	}
	restarted := NewEngine(catalog.Default(), env.store, env.gate, WithClock(env.clock.Now))

	// Without recovery the sweep has nothing to advance.
	restarted.Sweep(ctx)
	r, _ := restarted.Round(ctx, "coin_flip", bucket)
	if r.Status != model.RoundLocked {
		t.Fatalf("status before recovery = %s, want LOCKED", r.Status)
	}

	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d rounds, want 1", n)
	}
	// Two remaining transitions: reveal, settle.
	for i := 0; i < 2; i++ {
		restarted.Sweep(ctx)
	}

	r, err = restarted.Round(ctx, "coin_flip", bucket)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if r.Status != model.RoundSettled {
		t.Fatalf("after recovery status = %s, want SETTLED", r.Status)
	}
	plays, _ := env.store.GetPlaysByRound(ctx, "coin_flip", bucket)
	if len(plays) != 1 || !plays[0].Settled {
		t.Errorf("recovered round should settle its play, got %+v", plays)
	}
}
