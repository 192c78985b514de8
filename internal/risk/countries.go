package risk

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/playloop/game-engine/internal/model"
	"github.com/playloop/game-engine/internal/store"
)

// yaml decimal fields are quoted strings to avoid float parsing of money.
type countriesFile struct {
	Countries []struct {
		Code                 string `yaml:"code"`
		GamesEnabled         bool   `yaml:"games_enabled"`
		DailySpendLimit      string `yaml:"daily_spend_limit"`
		DailyLossLimit       string `yaml:"daily_loss_limit"`
		SessionTimeLimitMins int    `yaml:"session_time_limit_minutes"`
		CooldownMins         int    `yaml:"cooldown_minutes"`
		RealityCheckMins     int    `yaml:"reality_check_minutes"`
		SelfExclusionMaxDays int    `yaml:"self_exclusion_max_days"`
		WhaleSpendThreshold  string `yaml:"whale_spend_threshold"`
		WhaleWagerThreshold  string `yaml:"whale_wager_threshold"`
	} `yaml:"countries"`
}

// LoadCountryConfigs reads a YAML file of per-country responsible-gambling
// rules and seeds them into the store. Existing entries for the same code
// are overwritten.
func LoadCountryConfigs(ctx context.Context, path string, st store.Store) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("risk: read %s: %w", path, err)
	}

	var cf countriesFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return 0, fmt.Errorf("risk: parse yaml: %w", err)
	}

	for i, c := range cf.Countries {
		if c.Code == "" {
			return 0, fmt.Errorf("risk: country %d: missing code", i)
		}
		spend, err := decimal.NewFromString(c.DailySpendLimit)
		if err != nil {
			return 0, fmt.Errorf("risk: country %s: daily_spend_limit: %w", c.Code, err)
		}
		loss, err := decimal.NewFromString(c.DailyLossLimit)
		if err != nil {
			return 0, fmt.Errorf("risk: country %s: daily_loss_limit: %w", c.Code, err)
		}
		whaleSpend, err := decimal.NewFromString(c.WhaleSpendThreshold)
		if err != nil {
			return 0, fmt.Errorf("risk: country %s: whale_spend_threshold: %w", c.Code, err)
		}
		whaleWager, err := decimal.NewFromString(c.WhaleWagerThreshold)
		if err != nil {
			return 0, fmt.Errorf("risk: country %s: whale_wager_threshold: %w", c.Code, err)
		}

		cfg := &model.CountryRiskConfig{
			Code:                 c.Code,
			GamesEnabled:         c.GamesEnabled,
			DailySpendLimit:      spend,
			DailyLossLimit:       loss,
			SessionTimeLimit:     time.Duration(c.SessionTimeLimitMins) * time.Minute,
			CooldownPeriod:       time.Duration(c.CooldownMins) * time.Minute,
			RealityCheckInterval: time.Duration(c.RealityCheckMins) * time.Minute,
			SelfExclusionMaxDays: c.SelfExclusionMaxDays,
			WhaleSpendThreshold:  whaleSpend,
			WhaleWagerThreshold:  whaleWager,
		}
		if err := st.PutCountryConfig(ctx, cfg); err != nil {
			return 0, fmt.Errorf("risk: seed country %s: %w", c.Code, err)
		}
	}
	return len(cf.Countries), nil
}

// DefaultCountryConfig is a permissive baseline used when no per-country
// file is provided. Limits are conservative enough to exercise the full
// protection stack in development.
func DefaultCountryConfig(code string) *model.CountryRiskConfig {
	return &model.CountryRiskConfig{
		Code:                 code,
		GamesEnabled:         true,
		DailySpendLimit:      decimal.NewFromInt(500),
		DailyLossLimit:       decimal.NewFromInt(200),
		SessionTimeLimit:     2 * time.Hour,
		CooldownPeriod:       30 * time.Minute,
		RealityCheckInterval: time.Hour,
		SelfExclusionMaxDays: 365,
		WhaleSpendThreshold:  decimal.NewFromInt(2000),
		WhaleWagerThreshold:  decimal.NewFromInt(500),
	}
}
