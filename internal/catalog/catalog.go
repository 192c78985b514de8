// Package catalog holds the static per-game configuration: bet bounds, round
// duration, target payout rate, and the payout table that drives outcome
// resolution. Configs are immutable after load; every economic invariant is
// checked at load time so a misconfigured table can never reach a live round.
package catalog

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// GameType selects the outcome mechanic for a game.
type GameType string

const (
	TypeCoinFlip GameType = "coin_flip"
	TypeDice     GameType = "dice"
	TypeWheel    GameType = "wheel"
	TypeCardDraw GameType = "card_draw"
)

// Mechanic distinguishes how a play's choice interacts with the outcome.
type Mechanic int

const (
	// MechanicPick: the player picks a rank and is paid that rank's
	// multiplier only when the drawn outcome matches (coin flip, dice).
	MechanicPick Mechanic = iota

	// MechanicDraw: every play receives the drawn rank's multiplier;
	// the choice is cosmetic (wheel, card draw).
	MechanicDraw
)

var (
	ErrUnknownGame     = errors.New("catalog: unknown game")
	ErrInvalidConfig   = errors.New("catalog: invalid game config")
	ErrPayoutRateDrift = errors.New("catalog: expected payout rate outside tolerance of target")
)

// DefaultEVTolerance is the maximum allowed absolute difference between the
// configured target payout rate and the rate implied by the payout table.
var DefaultEVTolerance = decimal.NewFromFloat(0.02)

// PayoutTier is one rank in a game's payout table.
type PayoutTier struct {
	Rank       string          `json:"rank"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Weight     decimal.Decimal `json:"weight"` // probability, renormalized at load time
}

// GameConfig is the immutable configuration of one game.
type GameConfig struct {
	ID               string          `json:"id"`
	Type             GameType        `json:"type"`
	RoundDuration    int64           `json:"round_duration_seconds"` // 5–3600
	TargetPayoutRate decimal.Decimal `json:"target_payout_rate"`     // e.g. 0.60
	MinBet           decimal.Decimal `json:"min_bet"`
	MaxBet           decimal.Decimal `json:"max_bet"`
	PayoutTable      []PayoutTier    `json:"payout_table"`
	Knobs            map[string]float64 `json:"knobs,omitempty"`
}

// Mechanic returns the outcome mechanic for the game's type.
func (g *GameConfig) Mechanic() Mechanic {
	switch g.Type {
	case TypeCoinFlip, TypeDice:
		return MechanicPick
	default:
		return MechanicDraw
	}
}

// Tier returns the payout tier for a rank.
func (g *GameConfig) Tier(rank string) (PayoutTier, bool) {
	for _, t := range g.PayoutTable {
		if t.Rank == rank {
			return t, true
		}
	}
	return PayoutTier{}, false
}

// ValidChoice reports whether a play choice is accepted for this game.
// Pick games require a rank from the payout table; draw games accept any
// choice (the outcome is drawn, not picked).
func (g *GameConfig) ValidChoice(choice string) bool {
	if g.Mechanic() == MechanicDraw {
		return true
	}
	_, ok := g.Tier(choice)
	return ok
}

// ExpectedPayoutRate computes the long-run payout ratio implied by the
// payout table under a uniform betting strategy.
//
// For draw games every play is paid the drawn tier, so the rate is
// Σ weight×multiplier. For pick games a choice c wins with probability
// weight(c) and pays multiplier(c); the table is only valid when
// weight×multiplier is the same for every rank, so the rate equals that
// common product.
func (g *GameConfig) ExpectedPayoutRate() decimal.Decimal {
	if g.Mechanic() == MechanicDraw {
		sum := decimal.Zero
		for _, t := range g.PayoutTable {
			sum = sum.Add(t.Weight.Mul(t.Multiplier))
		}
		return sum
	}
	if len(g.PayoutTable) == 0 {
		return decimal.Zero
	}
	// Per-rank EV; validated to be uniform across ranks.
	t := g.PayoutTable[0]
	return t.Weight.Mul(t.Multiplier)
}

// allowedKnobs is the closed set of tunable numeric parameters per game type.
// An unknown knob key is a load-time error, not a silently ignored setting.
var allowedKnobs = map[GameType]map[string][2]float64{
	TypeCoinFlip: {},
	TypeDice:     {"sides": {2, 20}},
	TypeWheel:    {"segments": {2, 64}},
	TypeCardDraw: {"decks": {1, 8}},
}

// Validate checks every invariant of a game config. It renormalizes payout
// weights in place when their sum is off, and fails on target payout drift.
func (g *GameConfig) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: empty game id", ErrInvalidConfig)
	}
	if _, ok := allowedKnobs[g.Type]; !ok {
		return fmt.Errorf("%w: game %s: unknown type %q", ErrInvalidConfig, g.ID, g.Type)
	}
	if g.RoundDuration < 5 || g.RoundDuration > 3600 {
		return fmt.Errorf("%w: game %s: round duration %d outside [5,3600]", ErrInvalidConfig, g.ID, g.RoundDuration)
	}
	if g.TargetPayoutRate.LessThanOrEqual(decimal.Zero) || g.TargetPayoutRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: game %s: target payout rate %s outside (0,1)", ErrInvalidConfig, g.ID, g.TargetPayoutRate)
	}
	if g.MinBet.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: game %s: min bet must be positive", ErrInvalidConfig, g.ID)
	}
	if g.MaxBet.LessThan(g.MinBet) {
		return fmt.Errorf("%w: game %s: max bet %s below min bet %s", ErrInvalidConfig, g.ID, g.MaxBet, g.MinBet)
	}
	if len(g.PayoutTable) < 2 {
		return fmt.Errorf("%w: game %s: payout table needs at least 2 ranks", ErrInvalidConfig, g.ID)
	}

	seen := make(map[string]bool, len(g.PayoutTable))
	sum := decimal.Zero
	for _, t := range g.PayoutTable {
		if t.Rank == "" {
			return fmt.Errorf("%w: game %s: empty rank", ErrInvalidConfig, g.ID)
		}
		if seen[t.Rank] {
			return fmt.Errorf("%w: game %s: duplicate rank %q", ErrInvalidConfig, g.ID, t.Rank)
		}
		seen[t.Rank] = true
		if t.Weight.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: game %s: rank %q weight must be positive", ErrInvalidConfig, g.ID, t.Rank)
		}
		if t.Multiplier.IsNegative() {
			return fmt.Errorf("%w: game %s: rank %q multiplier must be non-negative", ErrInvalidConfig, g.ID, t.Rank)
		}
		sum = sum.Add(t.Weight)
	}

	// Renormalize weights so they sum to exactly 1.
	if !sum.Equal(decimal.NewFromInt(1)) {
		for i := range g.PayoutTable {
			g.PayoutTable[i].Weight = g.PayoutTable[i].Weight.Div(sum)
		}
	}

	for key, v := range g.Knobs {
		bounds, ok := allowedKnobs[g.Type][key]
		if !ok {
			return fmt.Errorf("%w: game %s: unknown knob %q for type %s", ErrInvalidConfig, g.ID, key, g.Type)
		}
		if v < bounds[0] || v > bounds[1] {
			return fmt.Errorf("%w: game %s: knob %q=%v outside [%v,%v]", ErrInvalidConfig, g.ID, key, v, bounds[0], bounds[1])
		}
	}

	// Knobs that describe the outcome space must agree with the payout
	// table, since the table is what actually drives resolution. "decks"
	// has no structural counterpart in the table and stays advisory.
	for _, knob := range []string{"sides", "segments"} {
		if v, ok := g.Knobs[knob]; ok && int(v) != len(g.PayoutTable) {
			return fmt.Errorf("%w: game %s: %s=%v but payout table has %d ranks",
				ErrInvalidConfig, g.ID, knob, v, len(g.PayoutTable))
		}
	}

	// Economic check: the table must actually deliver the target rate.
	if g.Mechanic() == MechanicPick {
		// Every rank must carry the same per-rank EV, or outcomes would pay
		// differently depending on which rank the player picks.
		for _, t := range g.PayoutTable {
			ev := t.Weight.Mul(t.Multiplier)
			if ev.Sub(g.TargetPayoutRate).Abs().GreaterThan(DefaultEVTolerance) {
				return fmt.Errorf("%w: game %s: rank %q EV %s vs target %s",
					ErrPayoutRateDrift, g.ID, t.Rank, ev.Round(4), g.TargetPayoutRate)
			}
		}
		return nil
	}
	ev := g.ExpectedPayoutRate()
	if ev.Sub(g.TargetPayoutRate).Abs().GreaterThan(DefaultEVTolerance) {
		return fmt.Errorf("%w: game %s: expected rate %s vs target %s",
			ErrPayoutRateDrift, g.ID, ev.Round(4), g.TargetPayoutRate)
	}
	return nil
}

// Catalog is the validated, immutable set of games loaded at startup.
type Catalog struct {
	games map[string]*GameConfig
	order []string
}

// New builds a catalog from configs, validating each one.
func New(configs []*GameConfig) (*Catalog, error) {
	c := &Catalog{games: make(map[string]*GameConfig, len(configs))}
	for _, g := range configs {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.games[g.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate game id %q", ErrInvalidConfig, g.ID)
		}
		c.games[g.ID] = g
		c.order = append(c.order, g.ID)
	}
	return c, nil
}

// Get returns the config for a game id.
func (c *Catalog) Get(id string) (*GameConfig, error) {
	g, ok := c.games[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	return g, nil
}

// Games returns all configs in load order.
func (c *Catalog) Games() []*GameConfig {
	out := make([]*GameConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.games[id])
	}
	return out
}

// --- YAML loading ---

// yaml decimal fields are quoted strings to avoid float parsing of money.
type fileConfig struct {
	Games []struct {
		ID               string             `yaml:"id"`
		Type             string             `yaml:"type"`
		RoundDuration    int64              `yaml:"round_duration_seconds"`
		TargetPayoutRate string             `yaml:"target_payout_rate"`
		MinBet           string             `yaml:"min_bet"`
		MaxBet           string             `yaml:"max_bet"`
		PayoutTable      []struct {
			Rank       string `yaml:"rank"`
			Multiplier string `yaml:"multiplier"`
			Weight     string `yaml:"weight"`
		} `yaml:"payout_table"`
		Knobs map[string]float64 `yaml:"knobs"`
	} `yaml:"games"`
}

// Load reads and validates a YAML game catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("catalog: parse yaml: %w", err)
	}

	var configs []*GameConfig
	for _, fg := range fc.Games {
		g := &GameConfig{
			ID:            fg.ID,
			Type:          GameType(fg.Type),
			RoundDuration: fg.RoundDuration,
			Knobs:         fg.Knobs,
		}
		var err error
		if g.TargetPayoutRate, err = decimal.NewFromString(fg.TargetPayoutRate); err != nil {
			return nil, fmt.Errorf("%w: game %s: target_payout_rate: %v", ErrInvalidConfig, fg.ID, err)
		}
		if g.MinBet, err = decimal.NewFromString(fg.MinBet); err != nil {
			return nil, fmt.Errorf("%w: game %s: min_bet: %v", ErrInvalidConfig, fg.ID, err)
		}
		if g.MaxBet, err = decimal.NewFromString(fg.MaxBet); err != nil {
			return nil, fmt.Errorf("%w: game %s: max_bet: %v", ErrInvalidConfig, fg.ID, err)
		}
		for _, ft := range fg.PayoutTable {
			tier := PayoutTier{Rank: ft.Rank}
			if tier.Multiplier, err = decimal.NewFromString(ft.Multiplier); err != nil {
				return nil, fmt.Errorf("%w: game %s: rank %s multiplier: %v", ErrInvalidConfig, fg.ID, ft.Rank, err)
			}
			if tier.Weight, err = decimal.NewFromString(ft.Weight); err != nil {
				return nil, fmt.Errorf("%w: game %s: rank %s weight: %v", ErrInvalidConfig, fg.ID, ft.Rank, err)
			}
			g.PayoutTable = append(g.PayoutTable, tier)
		}
		configs = append(configs, g)
	}
	return New(configs)
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Default returns the built-in catalog: four games, all tuned to a 0.60
// target payout rate.
func Default() *Catalog {
	sixth := decimal.NewFromInt(1).Div(decimal.NewFromInt(6))
	configs := []*GameConfig{
		{
			ID:               "coin_flip",
			Type:             TypeCoinFlip,
			RoundDuration:    30,
			TargetPayoutRate: d("0.60"),
			MinBet:           d("1"),
			MaxBet:           d("500"),
			PayoutTable: []PayoutTier{
				{Rank: "heads", Multiplier: d("1.2"), Weight: d("0.5")},
				{Rank: "tails", Multiplier: d("1.2"), Weight: d("0.5")},
			},
		},
		{
			ID:               "dice",
			Type:             TypeDice,
			RoundDuration:    30,
			TargetPayoutRate: d("0.60"),
			MinBet:           d("1"),
			MaxBet:           d("250"),
			PayoutTable: []PayoutTier{
				{Rank: "one", Multiplier: d("3.6"), Weight: sixth},
				{Rank: "two", Multiplier: d("3.6"), Weight: sixth},
				{Rank: "three", Multiplier: d("3.6"), Weight: sixth},
				{Rank: "four", Multiplier: d("3.6"), Weight: sixth},
				{Rank: "five", Multiplier: d("3.6"), Weight: sixth},
				{Rank: "six", Multiplier: d("3.6"), Weight: sixth},
			},
			Knobs: map[string]float64{"sides": 6},
		},
		{
			ID:               "wheel",
			Type:             TypeWheel,
			RoundDuration:    60,
			TargetPayoutRate: d("0.60"),
			MinBet:           d("1"),
			MaxBet:           d("200"),
			PayoutTable: []PayoutTier{
				{Rank: "miss", Multiplier: d("0"), Weight: d("0.63")},
				{Rank: "double", Multiplier: d("1.2"), Weight: d("0.25")},
				{Rank: "triple", Multiplier: d("2"), Weight: d("0.10")},
				{Rank: "jackpot", Multiplier: d("5"), Weight: d("0.02")},
			},
			Knobs: map[string]float64{"segments": 4},
		},
		{
			ID:               "card_draw",
			Type:             TypeCardDraw,
			RoundDuration:    45,
			TargetPayoutRate: d("0.60"),
			MinBet:           d("1"),
			MaxBet:           d("300"),
			PayoutTable: []PayoutTier{
				{Rank: "bust", Multiplier: d("0"), Weight: d("0.50")},
				{Rank: "pair", Multiplier: d("1"), Weight: d("0.35")},
				{Rank: "high", Multiplier: d("1.5"), Weight: d("0.13")},
				{Rank: "ace", Multiplier: d("2.75"), Weight: d("0.02")},
			},
			Knobs: map[string]float64{"decks": 1},
		},
	}
	c, err := New(configs)
	if err != nil {
		panic("catalog: default catalog invalid: " + err.Error())
	}
	return c
}
