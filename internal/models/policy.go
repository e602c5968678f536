package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RiskPolicy caps trading per (user, venue) over a rolling week.
// A zero cap means unlimited.
type RiskPolicy struct {
	MaxTradesPerWeek  int             `json:"max_trades_per_week"`
	MaxLossPerWeekUSD decimal.Decimal `json:"max_loss_per_week_usd"`
}

// Unlimited reports whether no weekly cap is configured at all.
func (p RiskPolicy) Unlimited() bool {
	return p.MaxTradesPerWeek == 0 && p.MaxLossPerWeekUSD.IsZero()
}

// WindowPreset names a predefined trading window.
type WindowPreset string

const (
	// Preset24x5 trades around the clock Monday through Friday.
	Preset24x5 WindowPreset = "24/5"
	// PresetNYSession trades the New York cash session.
	PresetNYSession WindowPreset = "ny-session"
	// PresetLondonSession trades the London cash session.
	PresetLondonSession WindowPreset = "london-session"
	// PresetWeekend trades Saturday and Sunday only.
	PresetWeekend WindowPreset = "weekend"
	// PresetCustom uses the policy's explicit start/end minutes.
	PresetCustom WindowPreset = "custom"
)

// TradingWindow is the per-user, per-venue trading-hours policy.
// StartMinute and EndMinute are minute-of-day in Timezone.
type TradingWindow struct {
	Preset                 WindowPreset `json:"trading_hours_preset"`
	Timezone               string       `json:"timezone"`
	StartMinute            int          `json:"start_minute"`
	EndMinute              int          `json:"end_minute"`
	AutoCloseOutsideWindow bool         `json:"auto_close_outside_window"`
}

// Normalize fills in preset-defined values so callers only ever read the
// tuple form. Unknown presets fall back to 24/5.
func (w *TradingWindow) Normalize() {
	switch w.Preset {
	case PresetNYSession:
		w.Timezone = "America/New_York"
		w.StartMinute = 9*60 + 30
		w.EndMinute = 16 * 60
	case PresetLondonSession:
		w.Timezone = "Europe/London"
		w.StartMinute = 8 * 60
		w.EndMinute = 16*60 + 30
	case Preset24x5, PresetWeekend:
		w.Timezone = "UTC"
		w.StartMinute = 0
		w.EndMinute = 24 * 60
	case PresetCustom:
		if w.Timezone == "" {
			w.Timezone = "UTC"
		}
	default:
		w.Preset = Preset24x5
		w.Timezone = "UTC"
		w.StartMinute = 0
		w.EndMinute = 24 * 60
	}
	if w.EndMinute <= w.StartMinute {
		w.EndMinute = 24 * 60
	}
}

// Contains reports whether now falls inside the trading window.
func (w TradingWindow) Contains(now time.Time) bool {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	weekday := local.Weekday()
	switch w.Preset {
	case PresetWeekend:
		if weekday != time.Saturday && weekday != time.Sunday {
			return false
		}
	case Preset24x5, PresetNYSession, PresetLondonSession:
		if weekday == time.Saturday || weekday == time.Sunday {
			return false
		}
	}

	minute := local.Hour()*60 + local.Minute()
	return minute >= w.StartMinute && minute < w.EndMinute
}

func (w TradingWindow) String() string {
	return fmt.Sprintf("%s %s [%02d:%02d-%02d:%02d)", w.Preset, w.Timezone,
		w.StartMinute/60, w.StartMinute%60, w.EndMinute/60, w.EndMinute%60)
}

// VenueSettings is the cached per-user, per-venue policy bundle served by
// the settings service.
type VenueSettings struct {
	User  string `json:"user"`
	Venue string `json:"exchange"`

	Window TradingWindow `json:"trading_window"`
	Risk   RiskPolicy    `json:"risk"`

	// DefaultPositionSizeUSD applies when neither the intent nor the
	// strategy names a size. Zero means unset.
	DefaultPositionSizeUSD decimal.Decimal `json:"default_position_size_usd"`

	SymbolBlacklist []string `json:"symbol_blacklist,omitempty"`
	SymbolWhitelist []string `json:"symbol_whitelist,omitempty"`
}

// SymbolAllowed applies the blacklist, then the whitelist if one is set.
func (s VenueSettings) SymbolAllowed(symbol string) bool {
	for _, b := range s.SymbolBlacklist {
		if b == symbol {
			return false
		}
	}
	if len(s.SymbolWhitelist) == 0 {
		return true
	}
	for _, w := range s.SymbolWhitelist {
		if w == symbol {
			return true
		}
	}
	return false
}

// ConservativeSettings is what the settings service returns when the store
// is unreachable: no caps, no auto-close, trade around the clock. The
// custom preset carries no weekday restriction, so the fallback never
// refuses a trade the user's real settings might have allowed.
func ConservativeSettings(user, venue string) VenueSettings {
	w := TradingWindow{Preset: PresetCustom, Timezone: "UTC", StartMinute: 0, EndMinute: 24 * 60}
	w.Normalize()
	return VenueSettings{User: user, Venue: venue, Window: w}
}
