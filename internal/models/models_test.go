package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseActionFoldsAliases(t *testing.T) {
	cases := map[string]Action{
		"buy":    ActionBuy,
		"LONG":   ActionBuy,
		"sell":   ActionSell,
		"Short":  ActionSell,
		" close": ActionClose,
	}
	for in, want := range cases {
		got, err := ParseAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseAction("hold")
	assert.Error(t, err)
}

func TestIntentValidate(t *testing.T) {
	valid := Intent{
		User: "u1", Venue: "aster", Action: ActionBuy,
		Symbol: "BTCUSDT", OrderType: OrderTypeMarket,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"missing user", func(in *Intent) { in.User = "" }},
		{"missing venue", func(in *Intent) { in.Venue = "" }},
		{"missing symbol", func(in *Intent) { in.Symbol = "" }},
		{"bad action", func(in *Intent) { in.Action = "hold" }},
		{"bad order type", func(in *Intent) { in.OrderType = "stop" }},
		{"limit without price", func(in *Intent) { in.OrderType = OrderTypeLimit }},
		{"negative sell percentage", func(in *Intent) { in.SellPercentage = d("-5") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			assert.Error(t, in.Validate())
		})
	}
}

func TestWindowPresetNormalize(t *testing.T) {
	w := TradingWindow{Preset: PresetNYSession}
	w.Normalize()
	assert.Equal(t, "America/New_York", w.Timezone)
	assert.Equal(t, 9*60+30, w.StartMinute)
	assert.Equal(t, 16*60, w.EndMinute)

	unknown := TradingWindow{Preset: "lunar"}
	unknown.Normalize()
	assert.Equal(t, Preset24x5, unknown.Preset)
}

func TestWindowContains(t *testing.T) {
	// 2026-08-19 is a Wednesday, 2026-08-22 a Saturday.
	wednesdayNoonUTC := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	saturdayNoonUTC := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)

	weekdays := TradingWindow{Preset: Preset24x5}
	weekdays.Normalize()
	assert.True(t, weekdays.Contains(wednesdayNoonUTC))
	assert.False(t, weekdays.Contains(saturdayNoonUTC))

	weekend := TradingWindow{Preset: PresetWeekend}
	weekend.Normalize()
	assert.False(t, weekend.Contains(wednesdayNoonUTC))
	assert.True(t, weekend.Contains(saturdayNoonUTC))

	ny := TradingWindow{Preset: PresetNYSession}
	ny.Normalize()
	// 12:00 UTC in August is 08:00 in New York, before the open.
	assert.False(t, ny.Contains(wednesdayNoonUTC))
	assert.True(t, ny.Contains(wednesdayNoonUTC.Add(3*time.Hour)))

	custom := TradingWindow{Preset: PresetCustom, Timezone: "UTC", StartMinute: 0, EndMinute: 24 * 60}
	custom.Normalize()
	assert.True(t, custom.Contains(saturdayNoonUTC), "custom windows carry no weekday restriction")
}

func TestSymbolAllowed(t *testing.T) {
	s := VenueSettings{SymbolBlacklist: []string{"DOGEUSDT"}}
	assert.True(t, s.SymbolAllowed("BTCUSDT"))
	assert.False(t, s.SymbolAllowed("DOGEUSDT"))

	s.SymbolWhitelist = []string{"BTCUSDT", "ETHUSDT"}
	assert.True(t, s.SymbolAllowed("ETHUSDT"))
	assert.False(t, s.SymbolAllowed("SOLUSDT"))
	assert.False(t, s.SymbolAllowed("DOGEUSDT"), "blacklist wins even when whitelisted")
}

func TestComputePnL(t *testing.T) {
	assert.True(t, ComputePnL(SideLong, d("0.02"), d("50000"), d("51000")).Equal(d("20")))
	assert.True(t, ComputePnL(SideShort, d("0.02"), d("50000"), d("51000")).Equal(d("-20")))
	assert.True(t, ComputePnLPercent(SideLong, d("50000"), d("51000")).Equal(d("2")))
	assert.True(t, ComputePnLPercent(SideShort, d("50000"), d("51000")).Equal(d("-2")))
	assert.True(t, ComputePnLPercent(SideLong, decimal.Zero, d("51000")).IsZero())
}

func TestMissingProtection(t *testing.T) {
	pos := Position{StopLossPrice: d("47500"), TakeProfitPrice: d("55000")}
	assert.True(t, pos.MissingProtection())

	pos.StopLossOrderID = "sl-1"
	assert.True(t, pos.MissingProtection(), "take-profit leg still unplaced")

	pos.TakeProfitOrderID = "tp-1"
	assert.False(t, pos.MissingProtection())

	trailing := Position{StopLossType: StopTrailing}
	assert.True(t, trailing.MissingProtection())

	bare := Position{}
	assert.False(t, bare.MissingProtection(), "a position opened without protection is not repairable")
}
