// Package server provides the HTTP handlers for wagers, round queries, the
// public fairness verification API, and responsible-gambling operations.
//
// All monetary values use shopspring/decimal — never float64 for money.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/catalog"
	"github.com/playloop/game-engine/internal/economics"
	"github.com/playloop/game-engine/internal/outcome"
	"github.com/playloop/game-engine/internal/risk"
	"github.com/playloop/game-engine/internal/round"
	"github.com/playloop/game-engine/internal/store"
)

// Service handles game operations over HTTP.
type Service struct {
	catalog *catalog.Catalog
	rounds  *round.Engine
	risk    *risk.Engine
	now     func() time.Time
}

// NewService creates a new game service.
func NewService(cat *catalog.Catalog, rounds *round.Engine, riskEngine *risk.Engine) *Service {
	return &Service{
		catalog: cat,
		rounds:  rounds,
		risk:    riskEngine,
		now:     time.Now,
	}
}

// Routes mounts all API handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/games", s.ListGames)
	r.Get("/games/{gameID}/round", s.GetCurrentRound)
	r.Get("/rounds/{gameID}/{bucketStart}", s.GetRound)
	r.Get("/rounds/{gameID}/{bucketStart}/verify", s.VerifyRound)
	r.Post("/wager", s.PlaceWager)
	r.Get("/economics/{gameID}", s.ValidateEconomics)
	r.Get("/risk/{userID}", s.GetRiskProfile)
	r.Post("/risk/{userID}/self-exclusion", s.SelfExclude)
	r.Post("/risk/{userID}/admin-exclusion", s.AdminExclude)
	r.Post("/sessions/{userID}/start", s.StartSession)
	r.Post("/sessions/{userID}/end", s.EndSession)
}

// --- Request/Response types ---

// WagerRequest is the JSON body for POST /wager.
type WagerRequest struct {
	UserID string          `json:"user_id"`
	GameID string          `json:"game_id"`
	Bet    decimal.Decimal `json:"bet"`
	Choice string          `json:"choice"`
}

// WagerResponse is returned for an accepted wager.
type WagerResponse struct {
	PlayID      string          `json:"play_id"`
	GameID      string          `json:"game_id"`
	BucketStart int64           `json:"bucket_start"`
	Bet         decimal.Decimal `json:"bet"`
	Choice      string          `json:"choice"`
	ClosesAt    int64           `json:"closes_at"` // unix seconds when the bucket locks
}

// GameSummary is the public view of a game config.
type GameSummary struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	RoundDuration    int64           `json:"round_duration_seconds"`
	TargetPayoutRate decimal.Decimal `json:"target_payout_rate"`
	MinBet           decimal.Decimal `json:"min_bet"`
	MaxBet           decimal.Decimal `json:"max_bet"`
}

// ExclusionRequest is the JSON body for exclusion endpoints.
type ExclusionRequest struct {
	Days    int    `json:"days"`
	AdminID string `json:"admin_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// --- Handlers ---

// ListGames handles GET /api/v1/games.
func (s *Service) ListGames(w http.ResponseWriter, _ *http.Request) {
	games := s.catalog.Games()
	out := make([]GameSummary, 0, len(games))
	for _, g := range games {
		out = append(out, GameSummary{
			ID:               g.ID,
			Type:             string(g.Type),
			RoundDuration:    g.RoundDuration,
			TargetPayoutRate: g.TargetPayoutRate,
			MinBet:           g.MinBet,
			MaxBet:           g.MaxBet,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentRound handles GET /api/v1/games/{gameID}/round.
// Creates the current bucket's round lazily, so the first viewer of a
// bucket sees the seed hash commitment immediately.
func (s *Service) GetCurrentRound(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	rnd, err := s.rounds.GetOrCreateRound(r.Context(), gameID, s.now())
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownGame) {
			writeError(w, "unknown game: "+gameID, http.StatusNotFound)
			return
		}
		writeError(w, "failed to load round", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rnd)
}

// GetRound handles GET /api/v1/rounds/{gameID}/{bucketStart}.
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	bucket, err := strconv.ParseInt(chi.URLParam(r, "bucketStart"), 10, 64)
	if err != nil {
		writeError(w, "invalid bucket start", http.StatusBadRequest)
		return
	}

	rnd, err := s.rounds.Round(r.Context(), gameID, bucket)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "round not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load round", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rnd)
}

// VerifyRound handles GET /api/v1/rounds/{gameID}/{bucketStart}/verify.
// Exposes the revealed seed alongside the original commitment so any party
// can re-run the fairness check, and reports the engine's own result.
func (s *Service) VerifyRound(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	bucket, err := strconv.ParseInt(chi.URLParam(r, "bucketStart"), 10, 64)
	if err != nil {
		writeError(w, "invalid bucket start", http.StatusBadRequest)
		return
	}

	rec, err := s.rounds.VerificationRecord(r.Context(), gameID, bucket)
	if err != nil {
		switch {
		case errors.Is(err, round.ErrNotRevealed):
			writeError(w, "round not yet revealed", http.StatusConflict)
		case errors.Is(err, store.ErrNotFound):
			writeError(w, "round not found", http.StatusNotFound)
		default:
			writeError(w, "failed to load round", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"record":   rec,
		"verified": outcome.Verify(rec.Seed, rec.GameID, rec.BucketStart, rec.SeedHash),
	})
}

// PlaceWager handles POST /api/v1/wager.
// The wager passes the risk gate before it reaches the round; a risk denial
// is returned as structured JSON, not as a bare error string.
func (s *Service) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req WagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	play, err := s.rounds.RecordPlay(r.Context(), req.GameID, req.UserID, req.Bet, req.Choice)
	if err != nil {
		var denied *round.RiskDeniedError
		switch {
		case errors.As(err, &denied):
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":      "wager denied",
				"assessment": denied.Assessment,
			})
		case errors.Is(err, catalog.ErrUnknownGame):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, round.ErrRoundLocked):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, round.ErrBetOutOfRange), errors.Is(err, round.ErrInvalidChoice):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			writeError(w, "failed to record play", http.StatusInternalServerError)
		}
		return
	}

	cfg, _ := s.catalog.Get(req.GameID)
	slog.Info("wager accepted",
		"play_id", play.ID,
		"game", play.GameID,
		"user", play.UserID,
		"bet", play.Bet.String(),
		"bucket", play.BucketStart,
	)

	writeJSON(w, http.StatusCreated, WagerResponse{
		PlayID:      play.ID,
		GameID:      play.GameID,
		BucketStart: play.BucketStart,
		Bet:         play.Bet,
		Choice:      play.Choice,
		ClosesAt:    play.BucketStart + cfg.RoundDuration,
	})
}

// ValidateEconomics handles GET /api/v1/economics/{gameID}?plays=N.
// The production payout-rate guard: runs a fresh simulation against the
// live payout table.
func (s *Service) ValidateEconomics(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	cfg, err := s.catalog.Get(gameID)
	if err != nil {
		writeError(w, "unknown game: "+gameID, http.StatusNotFound)
		return
	}

	plays := economics.MinSampleSize
	if q := r.URL.Query().Get("plays"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			plays = n
		}
	}

	report, err := economics.Validate(cfg, plays, catalog.DefaultEVTolerance)
	if err != nil && !errors.Is(err, economics.ErrPayoutDrift) {
		writeError(w, "simulation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"report": report,
		"ok":     err == nil,
	})
}

// GetRiskProfile handles GET /api/v1/risk/{userID}.
func (s *Service) GetRiskProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	profile, err := s.risk.Profile(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load risk profile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// SelfExclude handles POST /api/v1/risk/{userID}/self-exclusion.
func (s *Service) SelfExclude(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req ExclusionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	end, err := s.risk.SetSelfExclusion(r.Context(), userID, req.Days)
	if err != nil {
		if errors.Is(err, risk.ErrExclusionTooLong) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to set exclusion", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"excluded_until": end})
}

// AdminExclude handles POST /api/v1/risk/{userID}/admin-exclusion.
func (s *Service) AdminExclude(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req ExclusionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AdminID == "" {
		writeError(w, "admin_id is required", http.StatusBadRequest)
		return
	}

	end, err := s.risk.SetAdminExclusion(r.Context(), userID, req.Days, req.AdminID, req.Reason)
	if err != nil {
		writeError(w, "failed to set exclusion", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"excluded_until": end})
}

// StartSession handles POST /api/v1/sessions/{userID}/start.
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.risk.StartSession(r.Context(), userID); err != nil {
		writeError(w, "failed to start session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EndSession handles POST /api/v1/sessions/{userID}/end.
func (s *Service) EndSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.risk.EndSession(r.Context(), userID, false); err != nil {
		writeError(w, "failed to end session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
