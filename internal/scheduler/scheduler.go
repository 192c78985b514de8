// Package scheduler runs the background jobs that move rounds through their
// lifecycle and keep the payout economics honest.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/playloop/game-engine/internal/catalog"
	"github.com/playloop/game-engine/internal/economics"
	"github.com/playloop/game-engine/internal/round"
)

// SweepInterval is how often open rounds are checked for lock, reveal and
// settle transitions. It must be shorter than the shortest round duration.
const SweepInterval = time.Second

// EconomicsInterval is how often every game's payout table is re-simulated
// against its target rate.
const EconomicsInterval = time.Hour

// Scheduler owns the gocron instance and its jobs.
type Scheduler struct {
	inner   gocron.Scheduler
	rounds  *round.Engine
	catalog *catalog.Catalog
}

// New builds a scheduler with the sweep and economics jobs registered.
// Call Start to begin execution and Shutdown to stop it.
func New(rounds *round.Engine, cat *catalog.Catalog) (*Scheduler, error) {
	inner, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{inner: inner, rounds: rounds, catalog: cat}

	_, err = inner.NewJob(
		gocron.DurationJob(SweepInterval),
		gocron.NewTask(s.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("round-sweep"),
	)
	if err != nil {
		return nil, err
	}

	_, err = inner.NewJob(
		gocron.DurationJob(EconomicsInterval),
		gocron.NewTask(s.checkEconomics),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithName("economics-guard"),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins job execution. Non-blocking.
func (s *Scheduler) Start() {
	s.inner.Start()
}

// Shutdown stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Shutdown() error {
	return s.inner.Shutdown()
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.rounds.Sweep(ctx)
}

// checkEconomics re-simulates every configured game. A drifting payout rate
// is an operational emergency: it means the deployed payout table no longer
// delivers the advertised return.
func (s *Scheduler) checkEconomics() {
	for _, cfg := range s.catalog.Games() {
		report, err := economics.Validate(cfg, economics.MinSampleSize, catalog.DefaultEVTolerance)
		if err != nil {
			if errors.Is(err, economics.ErrPayoutDrift) {
				slog.Error("payout rate drift detected",
					"game", cfg.ID,
					"observed", report.PayoutRate.Round(4).String(),
					"target", cfg.TargetPayoutRate.String(),
					"sample", report.SampleSize,
				)
			} else {
				slog.Error("economics check failed", "game", cfg.ID, "err", err)
			}
			continue
		}
		slog.Debug("economics check passed",
			"game", cfg.ID,
			"observed", report.PayoutRate.Round(4).String(),
			"target", cfg.TargetPayoutRate.String(),
		)
	}
}
