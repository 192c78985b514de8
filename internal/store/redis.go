package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for read-mostly records: country risk configs (short TTL) and
// settled rounds (immutable, so safely cacheable). Mutable state — open
// rounds, plays, risk profiles — always hits the primary: risk decisions
// must never be made from stale data.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Rounds: cache only once SETTLED (immutable from then on) ---

// cachedRound carries the seed explicitly: model.Round hides it from JSON
// (it must never leak pre-reveal), but settled rounds are cached post-reveal
// and the verification API needs it back.
type cachedRound struct {
	Round model.Round `json:"round"`
	Seed  string      `json:"seed"`
}

func (s *CachedStore) GetRound(ctx context.Context, gameID string, bucketStart int64) (*model.Round, error) {
	key := roundKey(gameID, bucketStart)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var cr cachedRound
		if json.Unmarshal(data, &cr) == nil {
			r := cr.Round
			r.Seed = cr.Seed
			return &r, nil
		}
	}

	r, err := s.primary.GetRound(ctx, gameID, bucketStart)
	if err != nil {
		return nil, err
	}
	if r.Status == model.RoundSettled {
		s.cacheRound(ctx, r)
	}
	return r, nil
}

func (s *CachedStore) CreateRound(ctx context.Context, r *model.Round) error {
	return s.primary.CreateRound(ctx, r)
}

func (s *CachedStore) UpdateRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.UpdateRound(ctx, r); err != nil {
		return err
	}
	if r.Status == model.RoundSettled {
		s.cacheRound(ctx, r)
	}
	return nil
}

func (s *CachedStore) ListUnsettledRounds(ctx context.Context) ([]*model.Round, error) {
	// Recovery scan: always hits the source of truth.
	return s.primary.ListUnsettledRounds(ctx)
}

// --- Country configs: read-mostly, short TTL ---

func (s *CachedStore) GetCountryConfig(ctx context.Context, code string) (*model.CountryRiskConfig, error) {
	key := countryKey(code)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var c model.CountryRiskConfig
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetCountryConfig(ctx, code)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return c, nil
}

func (s *CachedStore) PutCountryConfig(ctx context.Context, c *model.CountryRiskConfig) error {
	if err := s.primary.PutCountryConfig(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, countryKey(c.Code))
	return nil
}

// --- Passthrough: mutable or append-only state, never cached ---

func (s *CachedStore) InsertPlay(ctx context.Context, p *model.Play) error {
	return s.primary.InsertPlay(ctx, p)
}

func (s *CachedStore) GetPlaysByRound(ctx context.Context, gameID string, bucketStart int64) ([]model.Play, error) {
	return s.primary.GetPlaysByRound(ctx, gameID, bucketStart)
}

func (s *CachedStore) SettlePlay(ctx context.Context, playID string, payout decimal.Decimal) error {
	return s.primary.SettlePlay(ctx, playID, payout)
}

func (s *CachedStore) GetRiskProfile(ctx context.Context, userID string) (*model.UserRiskProfile, error) {
	return s.primary.GetRiskProfile(ctx, userID)
}

func (s *CachedStore) SaveRiskProfile(ctx context.Context, p *model.UserRiskProfile) error {
	return s.primary.SaveRiskProfile(ctx, p)
}

func (s *CachedStore) InsertSessionHistory(ctx context.Context, h *model.SessionHistory) error {
	return s.primary.InsertSessionHistory(ctx, h)
}

func (s *CachedStore) InsertAuditAction(ctx context.Context, a *model.ResponsibleGamingAction) error {
	return s.primary.InsertAuditAction(ctx, a)
}

func (s *CachedStore) ListAuditActionsByUser(ctx context.Context, userID string, limit int) ([]model.ResponsibleGamingAction, error) {
	return s.primary.ListAuditActionsByUser(ctx, userID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRound(ctx context.Context, r *model.Round) {
	if data, err := json.Marshal(cachedRound{Round: *r, Seed: r.Seed}); err == nil {
		// Settled rounds never change; a long TTL just bounds memory.
		s.rdb.Set(ctx, roundKey(r.GameID, r.BucketStart), data, 24*time.Hour)
	}
}

func roundKey(gameID string, bucketStart int64) string {
	return fmt.Sprintf("round:%s:%d", gameID, bucketStart)
}

func countryKey(code string) string { return fmt.Sprintf("country:%s", code) }
