// Package risk implements the per-user responsible-gambling state machine:
// session limits, daily spend/loss limits, cooldowns, self- and admin-
// exclusion, reality checks, and whale protections.
//
// Every wager must pass AssessRisk before the round engine accepts it.
// Denial is a normal, expected outcome carried in the RiskAssessment value,
// never an error. All checks fail closed: any uncertainty (missing profile,
// missing country config, store error) resolves to deny, because the safety
// property — no unauthorized spend — outranks availability.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/model"
	"github.com/playloop/game-engine/internal/store"
)

// Identity is what the external identity/auth collaborator supplies for a
// user: verification flags and the country whose limits apply.
type Identity struct {
	UserID      string
	AgeVerified bool
	KYCApproved bool
	CountryCode string
}

// IdentityProvider resolves a user's identity. Consumed read-only.
type IdentityProvider interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func(ctx context.Context, userID string) (Identity, error)

func (f IdentityFunc) Lookup(ctx context.Context, userID string) (Identity, error) {
	return f(ctx, userID)
}

// Notifier delivers reality-check and warning notifications to the player.
// Delivery is a collaborator concern; the engine only decides when to fire.
type Notifier interface {
	Notify(ctx context.Context, userID, message string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) {}

// Whale protection parameters.
const (
	whaleWarningWindow = 24 * time.Hour
	whaleWarningLimit  = 3
)

// ErrExclusionTooLong is returned when a requested self-exclusion exceeds
// the country's maximum.
var ErrExclusionTooLong = errors.New("risk: exclusion exceeds country maximum")

// Engine is the risk control engine. Per-user state needs only per-user
// synchronization, so it keeps one mutex per user rather than a global lock.
type Engine struct {
	store    store.Store
	identity IdentityProvider
	notifier Notifier
	now      func() time.Time

	mu     sync.Mutex
	userMu map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the reality-check notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a risk engine backed by the given store and identity
// provider.
func NewEngine(st store.Store, identity IdentityProvider, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		identity: identity,
		notifier: NopNotifier{},
		now:      time.Now,
		userMu:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// lockUser acquires the per-user mutex and returns the unlock func.
func (e *Engine) lockUser(userID string) func() {
	e.mu.Lock()
	m, ok := e.userMu[userID]
	if !ok {
		m = &sync.Mutex{}
		e.userMu[userID] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func deny(reason string) model.RiskAssessment {
	return model.RiskAssessment{Allowed: false, Reason: reason}
}

func denyUntil(reason string, until time.Time, limits ...string) model.RiskAssessment {
	u := until
	return model.RiskAssessment{
		Allowed:        false,
		Reason:         reason,
		CooldownUntil:  &u,
		LimitsExceeded: limits,
	}
}

// effectiveLimits resolves country defaults against per-user overrides.
type effectiveLimits struct {
	dailySpend decimal.Decimal
	dailyLoss  decimal.Decimal
	session    time.Duration
}

func limitsFor(profile *model.UserRiskProfile, country *model.CountryRiskConfig) effectiveLimits {
	l := effectiveLimits{
		dailySpend: country.DailySpendLimit,
		dailyLoss:  country.DailyLossLimit,
		session:    country.SessionTimeLimit,
	}
	if cl := profile.CustomLimits; cl != nil {
		if cl.DailySpendLimit != nil {
			l.dailySpend = *cl.DailySpendLimit
		}
		if cl.DailyLossLimit != nil {
			l.dailyLoss = *cl.DailyLossLimit
		}
		if cl.SessionTimeLimit != nil {
			l.session = *cl.SessionTimeLimit
		}
	}
	return l
}

func sameLocalDay(a, b time.Time) bool {
	al, bl := a.Local(), b.Local()
	ay, am, ad := al.Date()
	by, bm, bd := bl.Date()
	return ay == by && am == bm && ad == bd
}

// rollover zeroes the daily counters when the local day has changed.
func rollover(p *model.UserRiskProfile, now time.Time) {
	if p.DailyAnchor.IsZero() || !sameLocalDay(p.DailyAnchor, now) {
		p.DailySpent = decimal.Zero
		p.DailyLosses = decimal.Zero
		p.DailyAnchor = now
	}
}

// classify updates the profile's risk level from its daily spend.
func classify(p *model.UserRiskProfile, country *model.CountryRiskConfig) {
	threshold := country.WhaleSpendThreshold
	switch {
	case threshold.IsPositive() && p.DailySpent.GreaterThan(threshold):
		p.RiskLevel = model.RiskWhale
	case threshold.IsPositive() && p.DailySpent.GreaterThan(threshold.Div(decimal.NewFromInt(2))):
		p.RiskLevel = model.RiskHigh
	case threshold.IsPositive() && p.DailySpent.GreaterThan(threshold.Div(decimal.NewFromInt(5))):
		p.RiskLevel = model.RiskMedium
	default:
		p.RiskLevel = model.RiskLow
	}
}

func (e *Engine) loadOrCreateProfile(ctx context.Context, userID string) (*model.UserRiskProfile, error) {
	p, err := e.store.GetRiskProfile(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	p = &model.UserRiskProfile{
		UserID:      userID,
		RiskLevel:   model.RiskLow,
		TotalSpent:  decimal.Zero,
		TotalLosses: decimal.Zero,
		DailySpent:  decimal.Zero,
		DailyLosses: decimal.Zero,
		DailyAnchor: e.now(),
	}
	if err := e.store.SaveRiskProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) audit(ctx context.Context, userID, actionType, details, triggeredBy string) {
	a := &model.ResponsibleGamingAction{
		ID:          uuid.New().String(),
		UserID:      userID,
		ActionType:  actionType,
		Details:     details,
		TriggeredBy: triggeredBy,
		Timestamp:   e.now(),
	}
	if err := e.store.InsertAuditAction(ctx, a); err != nil {
		slog.Error("audit record failed", "user", userID, "action", actionType, "err", err)
	}
}

// AssessRisk is the single gate every wager passes. It evaluates, in order:
// identity verification, country enablement, exclusion windows, cooldown,
// daily counters, session time, and whale protections. It never returns an
// error — the fail-closed path is a denial with reason risk_unavailable.
func (e *Engine) AssessRisk(ctx context.Context, userID string, amount decimal.Decimal, action model.RiskAction) model.RiskAssessment {
	unlock := e.lockUser(userID)
	defer unlock()

	now := e.now()

	// 1. Age/KYC verification.
	id, err := e.identity.Lookup(ctx, userID)
	if err != nil {
		slog.Error("identity lookup failed, denying", "user", userID, "err", err)
		return deny(model.DenyRiskUnavailable)
	}
	if !id.AgeVerified || !id.KYCApproved {
		return deny(model.DenyKYCRequired)
	}

	// 2. Country enablement. Games are disabled by default: an unconfigured
	// country denies.
	country, err := e.store.GetCountryConfig(ctx, id.CountryCode)
	if errors.Is(err, store.ErrNotFound) {
		return deny(model.DenyCountryDisabled)
	}
	if err != nil {
		slog.Error("country config unavailable, denying", "user", userID, "country", id.CountryCode, "err", err)
		return deny(model.DenyRiskUnavailable)
	}
	if !country.GamesEnabled {
		return deny(model.DenyCountryDisabled)
	}

	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		slog.Error("risk profile unavailable, denying", "user", userID, "err", err)
		return deny(model.DenyRiskUnavailable)
	}
	rollover(profile, now)

	// 3. Exclusion windows override everything else while active.
	if profile.SelfExclusionEnd.After(now) {
		return denyUntil(model.DenySelfExcluded, profile.SelfExclusionEnd)
	}
	if profile.AdminExclusionEnd.After(now) {
		return denyUntil(model.DenyAdminExcluded, profile.AdminExclusionEnd)
	}
	if profile.CooldownUntil.After(now) {
		return denyUntil(model.DenyCooldownActive, profile.CooldownUntil)
	}

	// 4. Daily counters against effective limits.
	limits := limitsFor(profile, country)
	switch action {
	case model.ActionLoss:
		if profile.DailyLosses.Add(amount).GreaterThan(limits.dailyLoss) {
			e.audit(ctx, userID, model.AuditLimitBreach,
				fmt.Sprintf("daily loss limit %s reached at %s", limits.dailyLoss, profile.DailyLosses), "system")
			return model.RiskAssessment{
				Allowed:        false,
				Reason:         model.DenyLimitsExceeded,
				LimitsExceeded: []string{model.LimitDailyLoss},
			}
		}
	default:
		if profile.DailySpent.Add(amount).GreaterThan(limits.dailySpend) {
			e.audit(ctx, userID, model.AuditLimitBreach,
				fmt.Sprintf("daily spend limit %s reached at %s", limits.dailySpend, profile.DailySpent), "system")
			return model.RiskAssessment{
				Allowed:        false,
				Reason:         model.DenyLimitsExceeded,
				LimitsExceeded: []string{model.LimitDailySpend},
			}
		}
	}

	// 5. Session time: breach force-ends the session and imposes a cooldown.
	if profile.InSession && now.Sub(profile.SessionStart) > limits.session {
		e.endSessionLocked(ctx, profile, now, true)
		profile.CooldownUntil = now.Add(country.CooldownPeriod)
		if err := e.store.SaveRiskProfile(ctx, profile); err != nil {
			slog.Error("profile save failed, denying", "user", userID, "err", err)
			return deny(model.DenyRiskUnavailable)
		}
		e.audit(ctx, userID, model.AuditForcedSessionEnd,
			fmt.Sprintf("session time limit %s exceeded", limits.session), "system")
		out := denyUntil(model.DenySessionTime, profile.CooldownUntil, model.LimitSession)
		out.RequiresBreak = true
		return out
	}

	assessment := model.RiskAssessment{Allowed: true}

	// Reality check: a periodic notification point, not itself a block.
	if profile.InSession && country.RealityCheckInterval > 0 &&
		now.Sub(profile.LastRealityCheck) >= country.RealityCheckInterval {
		e.realityCheckLocked(ctx, profile, now)
		assessment.WarningMessage = fmt.Sprintf(
			"reality check: you have been playing for %s", now.Sub(profile.SessionStart).Round(time.Minute))
	}

	// 6. Whale protections.
	classify(profile, country)
	if profile.RiskLevel == model.RiskWhale {
		recent := 0
		for _, w := range profile.Warnings {
			if now.Sub(w) <= whaleWarningWindow {
				recent++
			}
		}
		if recent >= whaleWarningLimit {
			// A reality check may have fired above; persist its mutations
			// before denying or the next call re-fires it.
			if err := e.store.SaveRiskProfile(ctx, profile); err != nil {
				slog.Error("profile save failed, denying", "user", userID, "err", err)
				return deny(model.DenyRiskUnavailable)
			}
			out := deny(model.DenyWhaleProtection)
			out.RequiresBreak = true
			return out
		}
		if action == model.ActionSpend && country.WhaleWagerThreshold.IsPositive() &&
			amount.GreaterThan(country.WhaleWagerThreshold) {
			// Expired warnings carry no weight; drop them so the persisted
			// profile stays bounded.
			kept := profile.Warnings[:0]
			for _, w := range profile.Warnings {
				if now.Sub(w) <= whaleWarningWindow {
					kept = append(kept, w)
				}
			}
			profile.Warnings = append(kept, now)
			e.realityCheckLocked(ctx, profile, now)
			e.audit(ctx, userID, model.AuditWhaleWarning,
				fmt.Sprintf("wager %s above whale threshold %s", amount, country.WhaleWagerThreshold), "system")
			assessment.WarningMessage = "large wager: consider taking a break"
		}
	}

	if err := e.store.SaveRiskProfile(ctx, profile); err != nil {
		slog.Error("profile save failed, denying", "user", userID, "err", err)
		return deny(model.DenyRiskUnavailable)
	}
	return assessment
}

// realityCheckLocked fires a reality check: notification plus audit entry.
// Caller holds the user lock and saves the profile.
func (e *Engine) realityCheckLocked(ctx context.Context, p *model.UserRiskProfile, now time.Time) {
	p.LastRealityCheck = now
	p.RealityCheckCount++
	e.audit(ctx, p.UserID, model.AuditRealityCheck,
		fmt.Sprintf("reality check #%d", p.RealityCheckCount), "system")
	e.notifier.Notify(ctx, p.UserID, "reality check: review your session time and spend")
}

// RecordSpend applies an accepted wager to the user's counters. It starts a
// session implicitly if none is active.
func (e *Engine) RecordSpend(ctx context.Context, userID string, amount decimal.Decimal) error {
	unlock := e.lockUser(userID)
	defer unlock()

	now := e.now()
	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("risk: record spend for %s: %w", userID, err)
	}
	rollover(profile, now)

	if !profile.InSession {
		e.beginSessionLocked(profile, now)
	}
	profile.DailySpent = profile.DailySpent.Add(amount)
	profile.TotalSpent = profile.TotalSpent.Add(amount)

	return e.store.SaveRiskProfile(ctx, profile)
}

// RecordLoss applies a settled loss to the user's counters. Crossing the
// daily loss limit force-ends the session and imposes the country cooldown.
func (e *Engine) RecordLoss(ctx context.Context, userID string, amount decimal.Decimal) error {
	unlock := e.lockUser(userID)
	defer unlock()

	now := e.now()
	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("risk: record loss for %s: %w", userID, err)
	}
	rollover(profile, now)

	profile.DailyLosses = profile.DailyLosses.Add(amount)
	profile.TotalLosses = profile.TotalLosses.Add(amount)

	// Loss-limit breach → cooldown, when the country config is reachable.
	if id, idErr := e.identity.Lookup(ctx, userID); idErr == nil {
		if country, cErr := e.store.GetCountryConfig(ctx, id.CountryCode); cErr == nil {
			limits := limitsFor(profile, country)
			if profile.DailyLosses.GreaterThanOrEqual(limits.dailyLoss) && profile.InSession {
				e.endSessionLocked(ctx, profile, now, true)
				profile.CooldownUntil = now.Add(country.CooldownPeriod)
				e.audit(ctx, userID, model.AuditLimitBreach,
					fmt.Sprintf("daily loss limit %s reached", limits.dailyLoss), "system")
			}
		}
	}

	return e.store.SaveRiskProfile(ctx, profile)
}

func (e *Engine) beginSessionLocked(p *model.UserRiskProfile, now time.Time) {
	p.SessionID = uuid.New().String()
	p.SessionStart = now
	p.InSession = true
	p.LastRealityCheck = now
}

// endSessionLocked finalizes the session history record. Caller holds the
// user lock and saves the profile.
func (e *Engine) endSessionLocked(ctx context.Context, p *model.UserRiskProfile, now time.Time, forced bool) {
	if !p.InSession {
		return
	}
	hist := &model.SessionHistory{
		ID:        p.SessionID,
		UserID:    p.UserID,
		StartedAt: p.SessionStart,
		EndedAt:   now,
		Duration:  now.Sub(p.SessionStart),
		Forced:    forced,
	}
	if err := e.store.InsertSessionHistory(ctx, hist); err != nil {
		slog.Error("session history insert failed", "user", p.UserID, "err", err)
	}
	p.InSession = false
	p.SessionID = ""
}

// StartSession begins an explicit play session.
func (e *Engine) StartSession(ctx context.Context, userID string) error {
	unlock := e.lockUser(userID)
	defer unlock()

	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("risk: start session for %s: %w", userID, err)
	}
	if profile.InSession {
		return nil
	}
	e.beginSessionLocked(profile, e.now())
	return e.store.SaveRiskProfile(ctx, profile)
}

// EndSession ends the active session, recording whether the end was forced.
func (e *Engine) EndSession(ctx context.Context, userID string, forced bool) error {
	unlock := e.lockUser(userID)
	defer unlock()

	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("risk: end session for %s: %w", userID, err)
	}
	now := e.now()
	e.endSessionLocked(ctx, profile, now, forced)
	if forced {
		e.audit(ctx, userID, model.AuditForcedSessionEnd, "session force-ended", "system")
	}
	return e.store.SaveRiskProfile(ctx, profile)
}

// SetSelfExclusion blocks the user for the given number of days, capped at
// the country maximum. Exclusions are monotonic: a new, shorter exclusion
// never shortens an active longer one. Any active session is force-ended.
func (e *Engine) SetSelfExclusion(ctx context.Context, userID string, days int) (time.Time, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	id, err := e.identity.Lookup(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("risk: self exclusion for %s: %w", userID, err)
	}
	country, err := e.store.GetCountryConfig(ctx, id.CountryCode)
	if err != nil {
		return time.Time{}, fmt.Errorf("risk: self exclusion for %s: %w", userID, err)
	}
	if days < 1 || days > country.SelfExclusionMaxDays {
		return time.Time{}, fmt.Errorf("%w: %d days (max %d)", ErrExclusionTooLong, days, country.SelfExclusionMaxDays)
	}

	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("risk: self exclusion for %s: %w", userID, err)
	}

	now := e.now()
	end := now.Add(time.Duration(days) * 24 * time.Hour)
	if end.After(profile.SelfExclusionEnd) {
		profile.SelfExclusionEnd = end
	}
	e.endSessionLocked(ctx, profile, now, true)
	if err := e.store.SaveRiskProfile(ctx, profile); err != nil {
		return time.Time{}, fmt.Errorf("risk: self exclusion for %s: %w", userID, err)
	}
	e.audit(ctx, userID, model.AuditSelfExclusion,
		fmt.Sprintf("self-excluded for %d days until %s", days, profile.SelfExclusionEnd.Format(time.RFC3339)), "user")
	return profile.SelfExclusionEnd, nil
}

// SetAdminExclusion blocks the user for the given number of days on an
// admin's authority. Monotonic like self-exclusion; no country cap.
func (e *Engine) SetAdminExclusion(ctx context.Context, userID string, days int, adminID, reason string) (time.Time, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	if days < 1 {
		return time.Time{}, fmt.Errorf("risk: admin exclusion for %s: days must be positive", userID)
	}
	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("risk: admin exclusion for %s: %w", userID, err)
	}

	now := e.now()
	end := now.Add(time.Duration(days) * 24 * time.Hour)
	if end.After(profile.AdminExclusionEnd) {
		profile.AdminExclusionEnd = end
	}
	e.endSessionLocked(ctx, profile, now, true)
	if err := e.store.SaveRiskProfile(ctx, profile); err != nil {
		return time.Time{}, fmt.Errorf("risk: admin exclusion for %s: %w", userID, err)
	}
	e.audit(ctx, userID, model.AuditAdminExclusion,
		fmt.Sprintf("admin-excluded for %d days: %s", days, reason), adminID)
	return profile.AdminExclusionEnd, nil
}

// SetCustomLimits installs per-user limit overrides.
func (e *Engine) SetCustomLimits(ctx context.Context, userID string, limits *model.CustomLimits) error {
	unlock := e.lockUser(userID)
	defer unlock()

	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("risk: set custom limits for %s: %w", userID, err)
	}
	profile.CustomLimits = limits
	return e.store.SaveRiskProfile(ctx, profile)
}

// Profile returns a snapshot of the user's risk profile with daily counters
// rolled over to the current day.
func (e *Engine) Profile(ctx context.Context, userID string) (*model.UserRiskProfile, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	profile, err := e.loadOrCreateProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("risk: profile for %s: %w", userID, err)
	}
	rollover(profile, e.now())
	return profile, nil
}
