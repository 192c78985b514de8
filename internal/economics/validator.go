// Package economics runs synthetic plays against the outcome resolver and
// checks that the realized payout ratio holds the configured target within
// tolerance. It guards against payout-table misconfiguration both as a
// design-time check (CI gate) and as a periodic production guard.
package economics

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/catalog"
	"github.com/playloop/game-engine/internal/metrics"
	"github.com/playloop/game-engine/internal/model"
	"github.com/playloop/game-engine/internal/outcome"
)

// Strategy chooses the synthetic player's bet and choice for one play.
type Strategy interface {
	Next(cfg *catalog.GameConfig, n int) (bet decimal.Decimal, choice string)
}

// UniformStrategy bets the game's minimum and picks uniformly among the
// payout-table ranks. The default simulation strategy.
type UniformStrategy struct{}

func (UniformStrategy) Next(cfg *catalog.GameConfig, _ int) (decimal.Decimal, string) {
	idx := secureIntn(len(cfg.PayoutTable))
	return cfg.MinBet, cfg.PayoutTable[idx].Rank
}

// secureIntn returns a uniform random int in [0, n) using crypto/rand.
func secureIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// Report is the result of one simulation run.
type Report struct {
	GameID       string          `json:"game_id"`
	SampleSize   int             `json:"sample_size"`
	TotalWagered decimal.Decimal `json:"total_wagered"`
	TotalPaid    decimal.Decimal `json:"total_paid"`
	PayoutRate   decimal.Decimal `json:"payout_rate"` // total paid ÷ total wagered
	TargetRate   decimal.Decimal `json:"target_rate"`
}

// ErrPayoutDrift is returned by Validate when the simulated payout rate
// falls outside the tolerance band around the target.
var ErrPayoutDrift = errors.New("economics: payout rate outside tolerance")

// MinSampleSize is the smallest run that keeps sampling noise below the
// default ±0.02 tolerance band.
const MinSampleSize = 10_000

// Simulate drives numPlays synthetic plays through the outcome resolver
// with freshly generated seeds and returns the realized payout ratio.
func Simulate(cfg *catalog.GameConfig, numPlays int, strategy Strategy) (*Report, error) {
	if numPlays <= 0 {
		return nil, fmt.Errorf("economics: sample size must be positive, got %d", numPlays)
	}
	if strategy == nil {
		strategy = UniformStrategy{}
	}

	totalWagered := decimal.Zero
	totalPaid := decimal.Zero

	for i := 0; i < numPlays; i++ {
		seed, err := outcome.NewSeed()
		if err != nil {
			return nil, err
		}
		// Spread buckets so the draw input varies in both components.
		bucket := int64(i) * cfg.RoundDuration

		out, err := outcome.Resolve(cfg, seed, bucket)
		if err != nil {
			return nil, err
		}

		bet, choice := strategy.Next(cfg, i)
		play := &model.Play{Bet: bet, Choice: choice}
		payout := outcome.ComputePayout(play, out, cfg)

		totalWagered = totalWagered.Add(bet)
		totalPaid = totalPaid.Add(payout)
	}

	rate := decimal.Zero
	if totalWagered.IsPositive() {
		rate = totalPaid.Div(totalWagered)
	}
	return &Report{
		GameID:       cfg.ID,
		SampleSize:   numPlays,
		TotalWagered: totalWagered,
		TotalPaid:    totalPaid,
		PayoutRate:   rate,
		TargetRate:   cfg.TargetPayoutRate,
	}, nil
}

// Validate simulates numPlays and asserts the realized rate lands within
// tolerance of the target. The report is returned alongside the error so
// callers can log or export it either way.
func Validate(cfg *catalog.GameConfig, numPlays int, tolerance decimal.Decimal) (*Report, error) {
	if numPlays < MinSampleSize {
		numPlays = MinSampleSize
	}
	report, err := Simulate(cfg, numPlays, UniformStrategy{})
	if err != nil {
		return nil, err
	}

	metrics.PayoutRate.WithLabelValues(cfg.ID).Set(report.PayoutRate.InexactFloat64())

	if report.PayoutRate.Sub(cfg.TargetPayoutRate).Abs().GreaterThan(tolerance) {
		return report, fmt.Errorf("%w: game %s simulated %s vs target %s (±%s, n=%d)",
			ErrPayoutDrift, cfg.ID, report.PayoutRate.Round(4), cfg.TargetPayoutRate, tolerance, numPlays)
	}
	return report, nil
}
