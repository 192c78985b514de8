package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	rounds    map[string]*model.Round
	plays     []model.Play
	profiles  map[string]*model.UserRiskProfile
	countries map[string]*model.CountryRiskConfig
	sessions  []model.SessionHistory
	audit     []model.ResponsibleGamingAction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:    make(map[string]*model.Round),
		profiles:  make(map[string]*model.UserRiskProfile),
		countries: make(map[string]*model.CountryRiskConfig),
	}
}

func roundID(gameID string, bucketStart int64) string {
	return fmt.Sprintf("%s:%d", gameID, bucketStart)
}

func copyRound(r *model.Round) *model.Round {
	c := *r
	if r.Outcome != nil {
		o := *r.Outcome
		c.Outcome = &o
	}
	return &c
}

func copyProfile(p *model.UserRiskProfile) *model.UserRiskProfile {
	c := *p
	if p.CustomLimits != nil {
		cl := *p.CustomLimits
		c.CustomLimits = &cl
	}
	c.Warnings = append([]time.Time(nil), p.Warnings...)
	return &c
}

func (s *MemoryStore) CreateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := roundID(r.GameID, r.BucketStart)
	if _, exists := s.rounds[id]; exists {
		return fmt.Errorf("round %s already exists", id)
	}
	s.rounds[id] = copyRound(r)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, gameID string, bucketStart int64) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[roundID(gameID, bucketStart)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRound(r), nil
}

func (s *MemoryStore) UpdateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := roundID(r.GameID, r.BucketStart)
	if _, ok := s.rounds[id]; !ok {
		return ErrNotFound
	}
	s.rounds[id] = copyRound(r)
	return nil
}

func (s *MemoryStore) ListUnsettledRounds(_ context.Context) ([]*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Round
	for _, r := range s.rounds {
		if r.Status != model.RoundSettled {
			result = append(result, copyRound(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BucketStart < result[j].BucketStart })
	return result, nil
}

func (s *MemoryStore) InsertPlay(_ context.Context, p *model.Play) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plays = append(s.plays, *p)
	return nil
}

func (s *MemoryStore) GetPlaysByRound(_ context.Context, gameID string, bucketStart int64) ([]model.Play, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Play
	for _, p := range s.plays {
		if p.GameID == gameID && p.BucketStart == bucketStart {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) SettlePlay(_ context.Context, playID string, payout decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.plays {
		if s.plays[i].ID == playID {
			s.plays[i].Payout = payout
			s.plays[i].Settled = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) GetRiskProfile(_ context.Context, userID string) (*model.UserRiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProfile(p), nil
}

func (s *MemoryStore) SaveRiskProfile(_ context.Context, p *model.UserRiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.UserID] = copyProfile(p)
	return nil
}

func (s *MemoryStore) GetCountryConfig(_ context.Context, code string) (*model.CountryRiskConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.countries[code]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) PutCountryConfig(_ context.Context, cfg *model.CountryRiskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *cfg
	s.countries[cfg.Code] = &copy
	return nil
}

func (s *MemoryStore) InsertSessionHistory(_ context.Context, h *model.SessionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = append(s.sessions, *h)
	return nil
}

func (s *MemoryStore) InsertAuditAction(_ context.Context, a *model.ResponsibleGamingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *a)
	return nil
}

func (s *MemoryStore) ListAuditActionsByUser(_ context.Context, userID string, limit int) ([]model.ResponsibleGamingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ResponsibleGamingAction
	for i := len(s.audit) - 1; i >= 0 && len(result) < limit; i-- {
		if s.audit[i].UserID == userID {
			result = append(result, s.audit[i])
		}
	}
	return result, nil
}

// Sessions returns all recorded session history. Test helper.
func (s *MemoryStore) Sessions() []model.SessionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.SessionHistory(nil), s.sessions...)
}
