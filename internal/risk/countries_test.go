package risk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/playloop/game-engine/internal/store"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "countries.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadCountryConfigs(t *testing.T) {
	path := writeTempYAML(t, `
countries:
  - code: GB
    games_enabled: true
    daily_spend_limit: "500"
    daily_loss_limit: "200"
    session_time_limit_minutes: 120
    cooldown_minutes: 30
    reality_check_minutes: 60
    self_exclusion_max_days: 365
    whale_spend_threshold: "2000"
    whale_wager_threshold: "500"
  - code: DE
    games_enabled: false
    daily_spend_limit: "1000"
    daily_loss_limit: "400"
    session_time_limit_minutes: 60
    cooldown_minutes: 60
    reality_check_minutes: 30
    self_exclusion_max_days: 180
    whale_spend_threshold: "5000"
    whale_wager_threshold: "1000"
`)

	st := store.NewMemoryStore()
	n, err := LoadCountryConfigs(context.Background(), path, st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d countries, want 2", n)
	}

	gb, err := st.GetCountryConfig(context.Background(), "GB")
	if err != nil {
		t.Fatalf("get GB: %v", err)
	}
	if !gb.GamesEnabled {
		t.Error("GB should be enabled")
	}
	if gb.SessionTimeLimit != 2*time.Hour {
		t.Errorf("GB session limit = %s, want 2h", gb.SessionTimeLimit)
	}
	if !gb.DailySpendLimit.Equal(d("500")) {
		t.Errorf("GB daily spend limit = %s, want 500", gb.DailySpendLimit)
	}

	de, err := st.GetCountryConfig(context.Background(), "DE")
	if err != nil {
		t.Fatalf("get DE: %v", err)
	}
	if de.GamesEnabled {
		t.Error("DE should be disabled")
	}
}

func TestLoadCountryConfigs_BadDecimal(t *testing.T) {
	path := writeTempYAML(t, `
countries:
  - code: GB
    games_enabled: true
    daily_spend_limit: "lots"
    daily_loss_limit: "200"
    whale_spend_threshold: "2000"
    whale_wager_threshold: "500"
`)
	if _, err := LoadCountryConfigs(context.Background(), path, store.NewMemoryStore()); err == nil {
		t.Error("expected error for unparseable limit")
	}
}

func TestLoadCountryConfigs_MissingCode(t *testing.T) {
	path := writeTempYAML(t, `
countries:
  - games_enabled: true
    daily_spend_limit: "500"
    daily_loss_limit: "200"
    whale_spend_threshold: "2000"
    whale_wager_threshold: "500"
`)
	if _, err := LoadCountryConfigs(context.Background(), path, store.NewMemoryStore()); err == nil {
		t.Error("expected error for missing country code")
	}
}

func TestDefaultCountryConfig(t *testing.T) {
	cfg := DefaultCountryConfig("GB")
	if cfg.Code != "GB" || !cfg.GamesEnabled {
		t.Errorf("unexpected default config: %+v", cfg)
	}
	if !cfg.DailySpendLimit.IsPositive() || !cfg.DailyLossLimit.IsPositive() {
		t.Error("default limits must be positive")
	}
}
