// Package round owns the commit-reveal round lifecycle and bucket-based
// round identity. Rounds are keyed by (gameID, bucketStart) where
// bucketStart = floor(now/duration)×duration, so every concurrent player in
// the same window shares one round.
//
// Lifecycle: OPEN → LOCKED → REVEALED → SETTLED, strictly monotonic. The
// seed hash is published at creation; the seed itself is revealed only after
// betting closes, so no outcome is knowable while bets are open and the
// house provably could not choose the seed after seeing the bets.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/catalog"
	"github.com/playloop/game-engine/internal/metrics"
	"github.com/playloop/game-engine/internal/model"
	"github.com/playloop/game-engine/internal/outcome"
	"github.com/playloop/game-engine/internal/store"
)

var (
	// Protocol errors: a caller or scheduler bug, logged loudly, never retried.

	// ErrPrematureReveal is returned when revealing a round that is still open.
	ErrPrematureReveal = errors.New("round: reveal before lock")

	// ErrNotRevealed is returned when settling a round whose seed is unrevealed.
	ErrNotRevealed = errors.New("round: settle before reveal")

	// ErrCommitmentMismatch is returned when a revealed seed does not match
	// the published commitment. This should never happen.
	ErrCommitmentMismatch = errors.New("round: seed does not match commitment")

	// Validation errors: caller-facing rejections, not system failures.

	// ErrRoundLocked is returned when recording a play after the bucket closed.
	ErrRoundLocked = errors.New("round: round is locked")

	// ErrBetOutOfRange is returned when the bet is outside [minBet, maxBet].
	ErrBetOutOfRange = errors.New("round: bet out of range")

	// ErrInvalidChoice is returned for a choice the game does not accept.
	ErrInvalidChoice = errors.New("round: invalid choice")
)

// RiskDeniedError propagates a risk-engine denial through RecordPlay. The
// denial itself is an expected outcome; the error form just keeps the round
// engine's contract uniform.
type RiskDeniedError struct {
	Assessment model.RiskAssessment
}

func (e *RiskDeniedError) Error() string {
	return "round: risk denied: " + e.Assessment.Reason
}

// RiskGate is the slice of the risk control engine the round engine needs.
// Every wager passes AssessRisk before it is accepted.
type RiskGate interface {
	AssessRisk(ctx context.Context, userID string, amount decimal.Decimal, action model.RiskAction) model.RiskAssessment
	RecordSpend(ctx context.Context, userID string, amount decimal.Decimal) error
	RecordLoss(ctx context.Context, userID string, amount decimal.Decimal) error
}

// Broadcaster pushes round lifecycle events to connected clients.
// Pass nil if broadcasting is not needed.
type Broadcaster interface {
	BroadcastRound(event string, round *model.Round)
}

type key struct {
	gameID      string
	bucketStart int64
}

// entry serializes all transitions for one bucket. Different buckets and
// games proceed fully in parallel.
type entry struct {
	mu    sync.Mutex
	round *model.Round
}

// Engine is the round engine: an arena of Round entities keyed by
// (gameID, bucketStart) with per-key exclusive access.
type Engine struct {
	catalog *catalog.Catalog
	store   store.Store
	risk    RiskGate
	bus     Broadcaster
	now     func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
}

// Option configures an Engine.
type Option func(*Engine)

// WithBroadcaster sets the round event broadcaster.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.bus = b }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a round engine.
func NewEngine(cat *catalog.Catalog, st store.Store, gate RiskGate, opts ...Option) *Engine {
	e := &Engine{
		catalog: cat,
		store:   st,
		risk:    gate,
		now:     time.Now,
		entries: make(map[key]*entry),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// BucketStart computes the round identity for a game at an instant.
func BucketStart(cfg *catalog.GameConfig, now time.Time) int64 {
	return (now.Unix() / cfg.RoundDuration) * cfg.RoundDuration
}

func (e *Engine) entryFor(k key) *entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[k]
	if !ok {
		en = &entry{}
		e.entries[k] = en
	}
	return en
}

// GetOrCreateRound returns the round for the current bucket, creating it if
// absent. Creation is idempotent under concurrent first-access: exactly one
// round ever exists per bucket.
func (e *Engine) GetOrCreateRound(ctx context.Context, gameID string, now time.Time) (*model.Round, error) {
	cfg, err := e.catalog.Get(gameID)
	if err != nil {
		return nil, err
	}
	bucket := BucketStart(cfg, now)
	return e.roundAt(ctx, cfg, bucket, now)
}

func (e *Engine) roundAt(ctx context.Context, cfg *catalog.GameConfig, bucket int64, now time.Time) (*model.Round, error) {
	en := e.entryFor(key{cfg.ID, bucket})
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.round == nil {
		if err := e.loadOrCreateLocked(ctx, en, cfg, bucket, now); err != nil {
			return nil, err
		}
	}
	e.maybeLockLocked(ctx, en, cfg, now)

	c := *en.round
	return &c, nil
}

// loadOrCreateLocked populates the entry from the store, creating the round
// on first access. A concurrent create from another instance loses the
// insert race and re-reads instead of failing.
func (e *Engine) loadOrCreateLocked(ctx context.Context, en *entry, cfg *catalog.GameConfig, bucket int64, now time.Time) error {
	r, err := e.store.GetRound(ctx, cfg.ID, bucket)
	if err == nil {
		en.round = r
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("round: load %s/%d: %w", cfg.ID, bucket, err)
	}

	seed, err := outcome.NewSeed()
	if err != nil {
		return err
	}
	r = &model.Round{
		GameID:      cfg.ID,
		BucketStart: bucket,
		Seed:        seed,
		SeedHash:    outcome.Commitment(seed, cfg.ID, bucket),
		Status:      model.RoundOpen,
		CreatedAt:   now,
	}
	if err := e.store.CreateRound(ctx, r); err != nil {
		// Lost the insert race to another instance; their round wins.
		if existing, getErr := e.store.GetRound(ctx, cfg.ID, bucket); getErr == nil {
			en.round = existing
			return nil
		}
		return fmt.Errorf("round: create %s/%d: %w", cfg.ID, bucket, err)
	}
	metrics.OpenRounds.Inc()
	e.broadcast("round_opened", r)
	slog.Info("round opened", "game", cfg.ID, "bucket", bucket, "seed_hash", r.SeedHash)
	en.round = r
	return nil
}

// maybeLockLocked transitions OPEN→LOCKED once the bucket window elapsed.
func (e *Engine) maybeLockLocked(ctx context.Context, en *entry, cfg *catalog.GameConfig, now time.Time) {
	r := en.round
	if r.Status != model.RoundOpen || now.Unix() < r.BucketStart+cfg.RoundDuration {
		return
	}
	r.Status = model.RoundLocked
	if err := e.store.UpdateRound(ctx, r); err != nil {
		slog.Error("round lock persist failed", "game", r.GameID, "bucket", r.BucketStart, "err", err)
	}
	metrics.OpenRounds.Dec()
	e.broadcast("round_locked", r)
	slog.Info("round locked", "game", r.GameID, "bucket", r.BucketStart)
}

// RecordPlay validates and records a wager against the currently open round.
// The risk gate runs first; only an allowed wager reaches the round.
func (e *Engine) RecordPlay(ctx context.Context, gameID, userID string, bet decimal.Decimal, choice string) (*model.Play, error) {
	cfg, err := e.catalog.Get(gameID)
	if err != nil {
		return nil, err
	}
	if bet.LessThan(cfg.MinBet) || bet.GreaterThan(cfg.MaxBet) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrBetOutOfRange, bet, cfg.MinBet, cfg.MaxBet)
	}
	if !cfg.ValidChoice(choice) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}

	assessment := e.risk.AssessRisk(ctx, userID, bet, model.ActionSpend)
	if !assessment.Allowed {
		metrics.RiskDenialsTotal.WithLabelValues(assessment.Reason).Inc()
		return nil, &RiskDeniedError{Assessment: assessment}
	}

	now := e.now()
	bucket := BucketStart(cfg, now)
	en := e.entryFor(key{cfg.ID, bucket})
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.round == nil {
		if err := e.loadOrCreateLocked(ctx, en, cfg, bucket, now); err != nil {
			return nil, err
		}
	}
	e.maybeLockLocked(ctx, en, cfg, now)
	if en.round.Status != model.RoundOpen {
		return nil, fmt.Errorf("%w: %s/%d is %s", ErrRoundLocked, cfg.ID, bucket, en.round.Status)
	}

	play := &model.Play{
		ID:          uuid.New().String(),
		GameID:      cfg.ID,
		BucketStart: bucket,
		UserID:      userID,
		Bet:         bet,
		Choice:      choice,
		Payout:      decimal.Zero,
		RecordedAt:  now,
	}
	if err := e.store.InsertPlay(ctx, play); err != nil {
		return nil, fmt.Errorf("round: record play: %w", err)
	}
	if err := e.risk.RecordSpend(ctx, userID, bet); err != nil {
		slog.Error("risk spend record failed", "user", userID, "err", err)
	}

	metrics.PlaysTotal.WithLabelValues(cfg.ID).Inc()
	if assessment.WarningMessage != "" {
		slog.Info("play recorded with warning", "game", cfg.ID, "user", userID, "warning", assessment.WarningMessage)
	}
	return play, nil
}

// LockRound transitions OPEN→LOCKED once the bucket window elapsed.
// Locking an already-locked round is a no-op; locking before the window
// elapses is also a no-op (the scheduler tick may race the wall clock).
func (e *Engine) LockRound(ctx context.Context, gameID string, bucketStart int64) error {
	cfg, err := e.catalog.Get(gameID)
	if err != nil {
		return err
	}
	en := e.entryFor(key{gameID, bucketStart})
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.round == nil {
		if err := e.loadOrCreateLocked(ctx, en, cfg, bucketStart, e.now()); err != nil {
			return err
		}
	}
	e.maybeLockLocked(ctx, en, cfg, e.now())
	return nil
}

// RevealRound publishes the seed, transitioning LOCKED→REVEALED and fixing
// the outcome. Revealing before the round is locked is a protocol error:
// it would make the outcome knowable while bets are still open.
func (e *Engine) RevealRound(ctx context.Context, gameID string, bucketStart int64) error {
	cfg, err := e.catalog.Get(gameID)
	if err != nil {
		return err
	}
	en := e.entryFor(key{gameID, bucketStart})
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.round == nil {
		if err := e.loadOrCreateLocked(ctx, en, cfg, bucketStart, e.now()); err != nil {
			return err
		}
	}
	r := en.round

	switch r.Status {
	case model.RoundOpen:
		return fmt.Errorf("%w: %s/%d", ErrPrematureReveal, gameID, bucketStart)
	case model.RoundRevealed, model.RoundSettled:
		return nil // idempotent
	}

	out, err := outcome.Resolve(cfg, r.Seed, r.BucketStart)
	if err != nil {
		return fmt.Errorf("round: resolve %s/%d: %w", gameID, bucketStart, err)
	}
	r.Status = model.RoundRevealed
	r.Outcome = out
	if err := e.store.UpdateRound(ctx, r); err != nil {
		return fmt.Errorf("round: persist reveal %s/%d: %w", gameID, bucketStart, err)
	}
	e.broadcast("round_revealed", r)
	slog.Info("round revealed", "game", gameID, "bucket", bucketStart, "outcome", out.Rank)
	return nil
}

// SettleRound computes every play's payout for a revealed round, exactly
// once. It is idempotent and safe under at-least-once delivery: re-settling
// an already-settled round is a no-op, and individual plays are skipped once
// their payout is set.
func (e *Engine) SettleRound(ctx context.Context, gameID string, bucketStart int64) error {
	cfg, err := e.catalog.Get(gameID)
	if err != nil {
		return err
	}
	en := e.entryFor(key{gameID, bucketStart})
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.round == nil {
		if err := e.loadOrCreateLocked(ctx, en, cfg, bucketStart, e.now()); err != nil {
			return err
		}
	}
	r := en.round

	if r.Status == model.RoundSettled {
		return nil // idempotent
	}
	if r.Status != model.RoundRevealed {
		return fmt.Errorf("%w: %s/%d is %s", ErrNotRevealed, gameID, bucketStart, r.Status)
	}

	start := time.Now()
	plays, err := e.store.GetPlaysByRound(ctx, gameID, bucketStart)
	if err != nil {
		return fmt.Errorf("round: load plays %s/%d: %w", gameID, bucketStart, err)
	}

	for i := range plays {
		p := &plays[i]
		if p.Settled {
			continue
		}
		payout := outcome.ComputePayout(p, r.Outcome, cfg)
		if err := e.store.SettlePlay(ctx, p.ID, payout); err != nil {
			return fmt.Errorf("round: settle play %s: %w", p.ID, err)
		}
		if loss := p.Bet.Sub(payout); loss.IsPositive() {
			if err := e.risk.RecordLoss(ctx, p.UserID, loss); err != nil {
				slog.Error("risk loss record failed", "user", p.UserID, "err", err)
			}
		}
	}

	r.Status = model.RoundSettled
	if err := e.store.UpdateRound(ctx, r); err != nil {
		return fmt.Errorf("round: persist settle %s/%d: %w", gameID, bucketStart, err)
	}

	metrics.RoundsSettledTotal.WithLabelValues(gameID).Inc()
	metrics.SettlementDuration.WithLabelValues(gameID).Observe(time.Since(start).Seconds())
	e.broadcast("round_settled", r)
	slog.Info("round settled", "game", gameID, "bucket", bucketStart, "plays", len(plays), "outcome", r.Outcome.Rank)
	return nil
}

// Sweep advances every tracked round that is due: lock elapsed open rounds,
// reveal locked ones, settle revealed ones, and drop settled entries from
// the arena. Driven by the scheduler tick.
func (e *Engine) Sweep(ctx context.Context) {
	e.mu.Lock()
	snapshot := make(map[key]*entry, len(e.entries))
	for k, en := range e.entries {
		snapshot[k] = en
	}
	e.mu.Unlock()

	for k, en := range snapshot {
		en.mu.Lock()
		status := model.RoundStatus("")
		if en.round != nil {
			status = en.round.Status
		}
		en.mu.Unlock()

		var err error
		switch status {
		case model.RoundOpen:
			err = e.LockRound(ctx, k.gameID, k.bucketStart)
		case model.RoundLocked:
			err = e.RevealRound(ctx, k.gameID, k.bucketStart)
		case model.RoundRevealed:
			err = e.SettleRound(ctx, k.gameID, k.bucketStart)
		case model.RoundSettled:
			e.mu.Lock()
			delete(e.entries, k)
			e.mu.Unlock()
		}
		if err != nil {
			slog.Error("sweep failed", "game", k.gameID, "bucket", k.bucketStart, "err", err)
		}
	}
}

// Recover reloads unsettled rounds from the store into the arena so the
// sweep can drive them to settlement after a restart. Without it a round
// persisted as LOCKED or REVEALED would sit unfinished until a caller
// happened to touch that exact bucket again. Returns the number of rounds
// adopted.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	rounds, err := e.store.ListUnsettledRounds(ctx)
	if err != nil {
		return 0, fmt.Errorf("round: recover: %w", err)
	}
	adopted := 0
	for _, r := range rounds {
		if _, err := e.catalog.Get(r.GameID); err != nil {
			slog.Warn("unsettled round for unknown game, skipping", "game", r.GameID, "bucket", r.BucketStart)
			continue
		}
		en := e.entryFor(key{r.GameID, r.BucketStart})
		en.mu.Lock()
		if en.round == nil {
			en.round = r
			adopted++
			if r.Status == model.RoundOpen {
				metrics.OpenRounds.Inc()
			}
		}
		en.mu.Unlock()
	}
	if adopted > 0 {
		slog.Info("recovered unsettled rounds", "count", adopted)
	}
	return adopted, nil
}

// Round returns a stored round without creating or advancing anything.
func (e *Engine) Round(ctx context.Context, gameID string, bucketStart int64) (*model.Round, error) {
	return e.store.GetRound(ctx, gameID, bucketStart)
}

// VerifyCommitment recomputes the seed commitment and checks it against the
// stored hash — the externally auditable fairness check.
func VerifyCommitment(r *model.Round) error {
	if !outcome.Verify(r.Seed, r.GameID, r.BucketStart, r.SeedHash) {
		return fmt.Errorf("%w: %s/%d", ErrCommitmentMismatch, r.GameID, r.BucketStart)
	}
	return nil
}

// Verification is the public record any party needs to re-run the fairness
// check for a revealed round.
type Verification struct {
	GameID      string         `json:"game_id"`
	BucketStart int64          `json:"bucket_start"`
	SeedHash    string         `json:"seed_hash"`
	Seed        string         `json:"seed"`
	Outcome     *model.Outcome `json:"outcome"`
}

// VerificationRecord exposes {seedHash, seed, bucketStart, outcome} for a
// revealed or settled round. The seed of an open or locked round is never
// returned.
func (e *Engine) VerificationRecord(ctx context.Context, gameID string, bucketStart int64) (*Verification, error) {
	r, err := e.store.GetRound(ctx, gameID, bucketStart)
	if err != nil {
		return nil, err
	}
	if r.Status != model.RoundRevealed && r.Status != model.RoundSettled {
		return nil, fmt.Errorf("%w: %s/%d is %s", ErrNotRevealed, gameID, bucketStart, r.Status)
	}
	return &Verification{
		GameID:      r.GameID,
		BucketStart: r.BucketStart,
		SeedHash:    r.SeedHash,
		Seed:        r.Seed,
		Outcome:     r.Outcome,
	}, nil
}

func (e *Engine) broadcast(event string, r *model.Round) {
	if e.bus != nil {
		e.bus.BroadcastRound(event, r)
	}
}
