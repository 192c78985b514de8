package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// durations are stored as BIGINT seconds.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (game_id, bucket_start, seed, seed_hash, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.GameID, r.BucketStart, r.Seed, r.SeedHash, string(r.Status), r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetRound(ctx context.Context, gameID string, bucketStart int64) (*model.Round, error) {
	var r model.Round
	var status string
	var outcomeRank *string
	var outcomeValue *int
	var outcomeMult *string

	err := s.pool.QueryRow(ctx,
		`SELECT game_id, bucket_start, seed, seed_hash, status,
		        outcome_rank, outcome_value, outcome_multiplier::TEXT, created_at
		 FROM rounds WHERE game_id = $1 AND bucket_start = $2`,
		gameID, bucketStart).
		Scan(&r.GameID, &r.BucketStart, &r.Seed, &r.SeedHash, &status,
			&outcomeRank, &outcomeValue, &outcomeMult, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round %s/%d: %w", gameID, bucketStart, err)
	}

	r.Status = model.RoundStatus(status)
	if outcomeRank != nil && outcomeValue != nil && outcomeMult != nil {
		mult, _ := decimal.NewFromString(*outcomeMult)
		r.Outcome = &model.Outcome{Rank: *outcomeRank, Value: *outcomeValue, Multiplier: mult}
	}
	return &r, nil
}

func (s *PostgresStore) UpdateRound(ctx context.Context, r *model.Round) error {
	var outcomeRank *string
	var outcomeValue *int
	var outcomeMult *string
	if r.Outcome != nil {
		outcomeRank = &r.Outcome.Rank
		outcomeValue = &r.Outcome.Value
		m := r.Outcome.Multiplier.String()
		outcomeMult = &m
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds
		 SET status = $3, seed = $4,
		     outcome_rank = $5, outcome_value = $6, outcome_multiplier = $7::NUMERIC
		 WHERE game_id = $1 AND bucket_start = $2`,
		r.GameID, r.BucketStart, string(r.Status), r.Seed,
		outcomeRank, outcomeValue, outcomeMult,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListUnsettledRounds(ctx context.Context) ([]*model.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT game_id, bucket_start, seed, seed_hash, status,
		        outcome_rank, outcome_value, outcome_multiplier::TEXT, created_at
		 FROM rounds WHERE status <> $1 ORDER BY bucket_start`,
		string(model.RoundSettled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []*model.Round
	for rows.Next() {
		var r model.Round
		var status string
		var outcomeRank *string
		var outcomeValue *int
		var outcomeMult *string
		if err := rows.Scan(&r.GameID, &r.BucketStart, &r.Seed, &r.SeedHash, &status,
			&outcomeRank, &outcomeValue, &outcomeMult, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = model.RoundStatus(status)
		if outcomeRank != nil && outcomeValue != nil && outcomeMult != nil {
			mult, _ := decimal.NewFromString(*outcomeMult)
			r.Outcome = &model.Outcome{Rank: *outcomeRank, Value: *outcomeValue, Multiplier: mult}
		}
		rounds = append(rounds, &r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) InsertPlay(ctx context.Context, p *model.Play) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plays (id, game_id, bucket_start, user_id, bet, choice, payout, settled, recorded_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)`,
		p.ID, p.GameID, p.BucketStart, p.UserID,
		p.Bet.String(), p.Choice, p.Payout.String(), p.Settled, p.RecordedAt,
	)
	return err
}

func (s *PostgresStore) GetPlaysByRound(ctx context.Context, gameID string, bucketStart int64) ([]model.Play, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, bucket_start, user_id, bet::TEXT, choice, payout::TEXT, settled, recorded_at
		 FROM plays WHERE game_id = $1 AND bucket_start = $2 ORDER BY recorded_at`,
		gameID, bucketStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plays []model.Play
	for rows.Next() {
		var p model.Play
		var betS, payoutS string
		if err := rows.Scan(&p.ID, &p.GameID, &p.BucketStart, &p.UserID,
			&betS, &p.Choice, &payoutS, &p.Settled, &p.RecordedAt); err != nil {
			return nil, err
		}
		p.Bet, _ = decimal.NewFromString(betS)
		p.Payout, _ = decimal.NewFromString(payoutS)
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

func (s *PostgresStore) SettlePlay(ctx context.Context, playID string, payout decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plays SET payout = $2::NUMERIC, settled = TRUE
		 WHERE id = $1 AND settled = FALSE`,
		playID, payout.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already settled or missing; settlement is idempotent so an
		// already-settled play is not an error.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM plays WHERE id = $1)`, playID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) GetRiskProfile(ctx context.Context, userID string) (*model.UserRiskProfile, error) {
	var p model.UserRiskProfile
	var level string
	var totalSpent, totalLosses, dailySpent, dailyLosses string
	var customLimits, warnings []byte

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, risk_level,
		        total_spent::TEXT, total_losses::TEXT, daily_spent::TEXT, daily_losses::TEXT,
		        daily_anchor, session_id, session_start, in_session,
		        last_reality_check, reality_check_count,
		        self_exclusion_end, admin_exclusion_end, cooldown_until,
		        custom_limits, warnings
		 FROM risk_profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &level,
			&totalSpent, &totalLosses, &dailySpent, &dailyLosses,
			&p.DailyAnchor, &p.SessionID, &p.SessionStart, &p.InSession,
			&p.LastRealityCheck, &p.RealityCheckCount,
			&p.SelfExclusionEnd, &p.AdminExclusionEnd, &p.CooldownUntil,
			&customLimits, &warnings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk profile %s: %w", userID, err)
	}

	p.RiskLevel = model.RiskLevel(level)
	p.TotalSpent, _ = decimal.NewFromString(totalSpent)
	p.TotalLosses, _ = decimal.NewFromString(totalLosses)
	p.DailySpent, _ = decimal.NewFromString(dailySpent)
	p.DailyLosses, _ = decimal.NewFromString(dailyLosses)
	if len(customLimits) > 0 {
		var cl model.CustomLimits
		if json.Unmarshal(customLimits, &cl) == nil {
			p.CustomLimits = &cl
		}
	}
	if len(warnings) > 0 {
		var w []time.Time
		if json.Unmarshal(warnings, &w) == nil {
			p.Warnings = w
		}
	}
	return &p, nil
}

func (s *PostgresStore) SaveRiskProfile(ctx context.Context, p *model.UserRiskProfile) error {
	var customLimits, warnings []byte
	if p.CustomLimits != nil {
		customLimits, _ = json.Marshal(p.CustomLimits)
	}
	if len(p.Warnings) > 0 {
		warnings, _ = json.Marshal(p.Warnings)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_profiles (
		    user_id, risk_level,
		    total_spent, total_losses, daily_spent, daily_losses,
		    daily_anchor, session_id, session_start, in_session,
		    last_reality_check, reality_check_count,
		    self_exclusion_end, admin_exclusion_end, cooldown_until,
		    custom_limits, warnings)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (user_id) DO UPDATE SET
		    risk_level = EXCLUDED.risk_level,
		    total_spent = EXCLUDED.total_spent,
		    total_losses = EXCLUDED.total_losses,
		    daily_spent = EXCLUDED.daily_spent,
		    daily_losses = EXCLUDED.daily_losses,
		    daily_anchor = EXCLUDED.daily_anchor,
		    session_id = EXCLUDED.session_id,
		    session_start = EXCLUDED.session_start,
		    in_session = EXCLUDED.in_session,
		    last_reality_check = EXCLUDED.last_reality_check,
		    reality_check_count = EXCLUDED.reality_check_count,
		    self_exclusion_end = EXCLUDED.self_exclusion_end,
		    admin_exclusion_end = EXCLUDED.admin_exclusion_end,
		    cooldown_until = EXCLUDED.cooldown_until,
		    custom_limits = EXCLUDED.custom_limits,
		    warnings = EXCLUDED.warnings`,
		p.UserID, string(p.RiskLevel),
		p.TotalSpent.String(), p.TotalLosses.String(), p.DailySpent.String(), p.DailyLosses.String(),
		p.DailyAnchor, p.SessionID, p.SessionStart, p.InSession,
		p.LastRealityCheck, p.RealityCheckCount,
		p.SelfExclusionEnd, p.AdminExclusionEnd, p.CooldownUntil,
		customLimits, warnings,
	)
	return err
}

func (s *PostgresStore) GetCountryConfig(ctx context.Context, code string) (*model.CountryRiskConfig, error) {
	var c model.CountryRiskConfig
	var spendLimit, lossLimit, whaleSpend, whaleWager string
	var sessionSecs, cooldownSecs, realitySecs int64

	err := s.pool.QueryRow(ctx,
		`SELECT code, games_enabled,
		        daily_spend_limit::TEXT, daily_loss_limit::TEXT,
		        session_time_secs, cooldown_secs, reality_check_secs,
		        self_exclusion_max_days,
		        whale_spend_threshold::TEXT, whale_wager_threshold::TEXT
		 FROM country_configs WHERE code = $1`, code).
		Scan(&c.Code, &c.GamesEnabled,
			&spendLimit, &lossLimit,
			&sessionSecs, &cooldownSecs, &realitySecs,
			&c.SelfExclusionMaxDays,
			&whaleSpend, &whaleWager)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get country config %s: %w", code, err)
	}

	c.DailySpendLimit, _ = decimal.NewFromString(spendLimit)
	c.DailyLossLimit, _ = decimal.NewFromString(lossLimit)
	c.WhaleSpendThreshold, _ = decimal.NewFromString(whaleSpend)
	c.WhaleWagerThreshold, _ = decimal.NewFromString(whaleWager)
	c.SessionTimeLimit = time.Duration(sessionSecs) * time.Second
	c.CooldownPeriod = time.Duration(cooldownSecs) * time.Second
	c.RealityCheckInterval = time.Duration(realitySecs) * time.Second
	return &c, nil
}

func (s *PostgresStore) PutCountryConfig(ctx context.Context, c *model.CountryRiskConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO country_configs (
		    code, games_enabled, daily_spend_limit, daily_loss_limit,
		    session_time_secs, cooldown_secs, reality_check_secs,
		    self_exclusion_max_days, whale_spend_threshold, whale_wager_threshold)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC)
		 ON CONFLICT (code) DO UPDATE SET
		    games_enabled = EXCLUDED.games_enabled,
		    daily_spend_limit = EXCLUDED.daily_spend_limit,
		    daily_loss_limit = EXCLUDED.daily_loss_limit,
		    session_time_secs = EXCLUDED.session_time_secs,
		    cooldown_secs = EXCLUDED.cooldown_secs,
		    reality_check_secs = EXCLUDED.reality_check_secs,
		    self_exclusion_max_days = EXCLUDED.self_exclusion_max_days,
		    whale_spend_threshold = EXCLUDED.whale_spend_threshold,
		    whale_wager_threshold = EXCLUDED.whale_wager_threshold`,
		c.Code, c.GamesEnabled,
		c.DailySpendLimit.String(), c.DailyLossLimit.String(),
		int64(c.SessionTimeLimit/time.Second), int64(c.CooldownPeriod/time.Second),
		int64(c.RealityCheckInterval/time.Second),
		c.SelfExclusionMaxDays,
		c.WhaleSpendThreshold.String(), c.WhaleWagerThreshold.String(),
	)
	return err
}

func (s *PostgresStore) InsertSessionHistory(ctx context.Context, h *model.SessionHistory) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_history (id, user_id, started_at, ended_at, duration_secs, forced)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.UserID, h.StartedAt, h.EndedAt, int64(h.Duration/time.Second), h.Forced,
	)
	return err
}

func (s *PostgresStore) InsertAuditAction(ctx context.Context, a *model.ResponsibleGamingAction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rg_actions (id, user_id, action_type, details, triggered_by, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.ActionType, a.Details, a.TriggeredBy, a.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListAuditActionsByUser(ctx context.Context, userID string, limit int) ([]model.ResponsibleGamingAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, action_type, details, triggered_by, timestamp
		 FROM rg_actions WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []model.ResponsibleGamingAction
	for rows.Next() {
		var a model.ResponsibleGamingAction
		if err := rows.Scan(&a.ID, &a.UserID, &a.ActionType, &a.Details, &a.TriggeredBy, &a.Timestamp); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
