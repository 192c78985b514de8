// Package model defines the core domain types shared across the game engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundStatus is the lifecycle state of a Round. Transitions are monotonic:
// OPEN → LOCKED → REVEALED → SETTLED, never backward.
type RoundStatus string

const (
	RoundOpen     RoundStatus = "OPEN"
	RoundLocked   RoundStatus = "LOCKED"
	RoundRevealed RoundStatus = "REVEALED"
	RoundSettled  RoundStatus = "SETTLED"
)

// Round is one shared, time-bucketed game round. Exactly one Round exists
// per (GameID, BucketStart); every player betting in the same bucket plays
// the same round.
//
// Commit-reveal: SeedHash is published while the round is OPEN; Seed stays
// secret until the round is LOCKED and then revealed, so the house cannot
// pick an outcome after seeing the bets and no player can predict it before
// betting closes.
type Round struct {
	GameID      string      `json:"game_id" db:"game_id"`
	BucketStart int64       `json:"bucket_start" db:"bucket_start"` // unix seconds, floor(now/duration)*duration
	Seed        string      `json:"-" db:"seed"`                    // never exposed pre-reveal
	SeedHash    string      `json:"seed_hash" db:"seed_hash"`       // hex(sha256(seed|gameID|bucketStart))
	Status      RoundStatus `json:"status" db:"status"`
	Outcome     *Outcome    `json:"outcome,omitempty" db:"outcome"` // nil until REVEALED
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Outcome is the resolved result of a round, derived deterministically from
// the revealed seed.
type Outcome struct {
	Rank       string          `json:"rank"`  // payout-table rank, e.g. "heads", "six", "jackpot"
	Value      int             `json:"value"` // game-specific numeric result (die face, wheel segment, ...)
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Play is an immutable wager record against one round. Plays may only be
// recorded while the round is OPEN; Payout is set exactly once at settlement.
type Play struct {
	ID          string          `json:"id" db:"id"`
	GameID      string          `json:"game_id" db:"game_id"`
	BucketStart int64           `json:"bucket_start" db:"bucket_start"`
	UserID      string          `json:"user_id" db:"user_id"`
	Bet         decimal.Decimal `json:"bet" db:"bet"`
	Choice      string          `json:"choice" db:"choice"`
	Payout      decimal.Decimal `json:"payout" db:"payout"`
	Settled     bool            `json:"settled" db:"settled"`
	RecordedAt  time.Time       `json:"recorded_at" db:"recorded_at"`
}

// RiskLevel classifies a player's spend profile.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
	RiskWhale  RiskLevel = "whale"
)

// UserRiskProfile is the per-user responsible-gambling state. Mutated only
// by the risk engine, created lazily on first risk check, never deleted.
type UserRiskProfile struct {
	UserID            string          `json:"user_id" db:"user_id"`
	RiskLevel         RiskLevel       `json:"risk_level" db:"risk_level"`
	TotalSpent        decimal.Decimal `json:"total_spent" db:"total_spent"`
	TotalLosses       decimal.Decimal `json:"total_losses" db:"total_losses"`
	DailySpent        decimal.Decimal `json:"daily_spent" db:"daily_spent"`
	DailyLosses       decimal.Decimal `json:"daily_losses" db:"daily_losses"`
	DailyAnchor       time.Time       `json:"daily_anchor" db:"daily_anchor"` // local day the daily counters belong to
	SessionID         string          `json:"session_id,omitempty" db:"session_id"`
	SessionStart      time.Time       `json:"session_start" db:"session_start"`
	InSession         bool            `json:"in_session" db:"in_session"`
	LastRealityCheck  time.Time       `json:"last_reality_check" db:"last_reality_check"`
	RealityCheckCount int             `json:"reality_check_count" db:"reality_check_count"`
	SelfExclusionEnd  time.Time       `json:"self_exclusion_end" db:"self_exclusion_end"`
	AdminExclusionEnd time.Time       `json:"admin_exclusion_end" db:"admin_exclusion_end"`
	CooldownUntil     time.Time       `json:"cooldown_until" db:"cooldown_until"`
	CustomLimits      *CustomLimits   `json:"custom_limits,omitempty" db:"custom_limits"`
	Warnings          []time.Time     `json:"warnings" db:"warnings"` // whale warning timestamps; only the trailing window counts
}

// CustomLimits are optional per-user overrides of the country defaults.
// A nil field means "use the country default".
type CustomLimits struct {
	DailySpendLimit  *decimal.Decimal `json:"daily_spend_limit,omitempty"`
	DailyLossLimit   *decimal.Decimal `json:"daily_loss_limit,omitempty"`
	SessionTimeLimit *time.Duration   `json:"session_time_limit,omitempty"`
}

// CountryRiskConfig holds per-country responsible-gambling defaults.
// Games are disabled until explicitly enabled for a country (fail-safe).
type CountryRiskConfig struct {
	Code                 string          `json:"code" db:"code"`
	GamesEnabled         bool            `json:"games_enabled" db:"games_enabled"`
	DailySpendLimit      decimal.Decimal `json:"daily_spend_limit" db:"daily_spend_limit"`
	DailyLossLimit       decimal.Decimal `json:"daily_loss_limit" db:"daily_loss_limit"`
	SessionTimeLimit     time.Duration   `json:"session_time_limit" db:"session_time_limit"`
	CooldownPeriod       time.Duration   `json:"cooldown_period" db:"cooldown_period"`
	RealityCheckInterval time.Duration   `json:"reality_check_interval" db:"reality_check_interval"`
	SelfExclusionMaxDays int             `json:"self_exclusion_max_days" db:"self_exclusion_max_days"`
	WhaleSpendThreshold  decimal.Decimal `json:"whale_spend_threshold" db:"whale_spend_threshold"` // dailySpent above this → whale scrutiny
	WhaleWagerThreshold  decimal.Decimal `json:"whale_wager_threshold" db:"whale_wager_threshold"` // single wager above this → mandatory reality check
}

// RiskAction distinguishes the two counter types a risk check can target.
type RiskAction string

const (
	ActionSpend RiskAction = "spend"
	ActionLoss  RiskAction = "loss"
)

// Denial reasons returned in RiskAssessment.Reason. These are expected,
// user-visible outcomes, not errors.
const (
	DenyKYCRequired     = "kyc_required"
	DenyCountryDisabled = "country_disabled"
	DenySelfExcluded    = "self_excluded"
	DenyAdminExcluded   = "admin_excluded"
	DenyCooldownActive  = "cooldown_active"
	DenyLimitsExceeded  = "limits_exceeded"
	DenySessionTime     = "session_time_exceeded"
	DenyWhaleProtection = "whale_protection"
	DenyRiskUnavailable = "risk_unavailable" // fail-closed on infrastructure error
)

// Limit identifiers surfaced in RiskAssessment.LimitsExceeded.
const (
	LimitDailySpend = "daily_spend_limit"
	LimitDailyLoss  = "daily_loss_limit"
	LimitSession    = "session_time_limit"
)

// RiskAssessment is the verdict on a single wager. Denial is a normal
// outcome: the struct carries enough structure for a client to explain why
// and when retry is possible.
type RiskAssessment struct {
	Allowed        bool       `json:"allowed"`
	Reason         string     `json:"reason,omitempty"`
	WarningMessage string     `json:"warning_message,omitempty"`
	RequiresBreak  bool       `json:"requires_break,omitempty"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	LimitsExceeded []string   `json:"limits_exceeded,omitempty"`
}

// SessionHistory is the durable record of one completed play session.
type SessionHistory struct {
	ID        string        `json:"id" db:"id"`
	UserID    string        `json:"user_id" db:"user_id"`
	StartedAt time.Time     `json:"started_at" db:"started_at"`
	EndedAt   time.Time     `json:"ended_at" db:"ended_at"`
	Duration  time.Duration `json:"duration" db:"duration"`
	Forced    bool          `json:"forced" db:"forced"`
}

// ResponsibleGamingAction is an append-only audit record. Every exclusion,
// limit breach, reality check, and warning emits one.
type ResponsibleGamingAction struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	ActionType  string    `json:"action_type" db:"action_type"`
	Details     string    `json:"details" db:"details"`
	TriggeredBy string    `json:"triggered_by" db:"triggered_by"` // "system", "user", or an admin identifier
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// Audit action types.
const (
	AuditSelfExclusion    = "self_exclusion"
	AuditAdminExclusion   = "admin_exclusion"
	AuditLimitBreach      = "limit_breach"
	AuditRealityCheck     = "reality_check"
	AuditWhaleWarning     = "whale_warning"
	AuditForcedSessionEnd = "forced_session_end"
)
