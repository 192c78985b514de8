// Package store defines the persistence interface for the game engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for read-mostly data), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
// Risk callers treat any store error — including this one — as deny.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for immutable and read-mostly
// records.
type Store interface {
	// --- Rounds ---

	// CreateRound persists a new round. The (gameID, bucketStart) pair is
	// unique; inserting a duplicate is an error.
	CreateRound(ctx context.Context, round *model.Round) error

	// GetRound retrieves a round by its bucket identity.
	GetRound(ctx context.Context, gameID string, bucketStart int64) (*model.Round, error)

	// UpdateRound persists status transitions, seed reveal, and outcome.
	UpdateRound(ctx context.Context, round *model.Round) error

	// ListUnsettledRounds returns every round not yet settled, in bucket
	// order. Used for crash recovery at startup.
	ListUnsettledRounds(ctx context.Context) ([]*model.Round, error)

	// --- Plays (append-only) ---

	// InsertPlay appends an immutable wager record.
	InsertPlay(ctx context.Context, play *model.Play) error

	// GetPlaysByRound returns all plays recorded for one bucket.
	GetPlaysByRound(ctx context.Context, gameID string, bucketStart int64) ([]model.Play, error)

	// SettlePlay sets a play's payout exactly once.
	SettlePlay(ctx context.Context, playID string, payout decimal.Decimal) error

	// --- Risk profiles ---

	// GetRiskProfile loads a user's risk profile, ErrNotFound when absent.
	GetRiskProfile(ctx context.Context, userID string) (*model.UserRiskProfile, error)

	// SaveRiskProfile upserts a user's risk profile.
	SaveRiskProfile(ctx context.Context, profile *model.UserRiskProfile) error

	// --- Country risk configuration ---

	// GetCountryConfig returns per-country responsible-gambling defaults,
	// ErrNotFound for an unconfigured country (which callers treat as deny).
	GetCountryConfig(ctx context.Context, code string) (*model.CountryRiskConfig, error)

	// PutCountryConfig upserts a country config (startup seeding, admin).
	PutCountryConfig(ctx context.Context, cfg *model.CountryRiskConfig) error

	// --- Sessions and audit (append-only) ---

	// InsertSessionHistory records one completed play session.
	InsertSessionHistory(ctx context.Context, hist *model.SessionHistory) error

	// InsertAuditAction appends a responsible-gaming audit record.
	InsertAuditAction(ctx context.Context, action *model.ResponsibleGamingAction) error

	// ListAuditActionsByUser returns a user's most recent audit records.
	ListAuditActionsByUser(ctx context.Context, userID string, limit int) ([]model.ResponsibleGamingAction, error)
}
