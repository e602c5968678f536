package risk

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
)

func newTestEngine(mock *store.Mock) *Engine {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(mock, nil, l)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestWeekStartIsMondayUTC(t *testing.T) {
	tests := []struct {
		name string
		now  string
		want string
	}{
		{"wednesday", "2026-08-19T15:04:05Z", "2026-08-17T00:00:00Z"},
		{"monday early", "2026-08-17T00:00:01Z", "2026-08-17T00:00:00Z"},
		{"sunday late", "2026-08-23T23:59:59Z", "2026-08-17T00:00:00Z"},
		{"monday midnight", "2026-08-24T00:00:00Z", "2026-08-24T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now, err := time.Parse(time.RFC3339, tt.now)
			require.NoError(t, err)
			want, err := time.Parse(time.RFC3339, tt.want)
			require.NoError(t, err)
			assert.Equal(t, want, WeekStart(now))
		})
	}
}

func closedTrade(user string, exitTime time.Time, pnl string) models.ClosedTrade {
	return models.ClosedTrade{
		User: user, Venue: "aster", Symbol: "BTCUSDT",
		ExitTime: exitTime, PnLUSD: d(pnl),
	}
}

func TestTradeCapDenies(t *testing.T) {
	mock := store.NewMock()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		mock.Trades = append(mock.Trades, closedTrade("u1", now.Add(-time.Hour), "10"))
	}
	engine := newTestEngine(mock)

	decision := engine.Check(context.Background(), "u1", "aster", models.RiskPolicy{MaxTradesPerWeek: 3})
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonTradeCap, decision.Reason)
	assert.Equal(t, 3, decision.TradesUsed)

	decision = engine.Check(context.Background(), "u1", "aster", models.RiskPolicy{MaxTradesPerWeek: 4})
	assert.True(t, decision.Allowed)
}

func TestLossCapCountsOnlyLosses(t *testing.T) {
	mock := store.NewMock()
	now := time.Now().UTC()
	mock.Trades = append(mock.Trades,
		closedTrade("u1", now.Add(-time.Hour), "-120"),
		closedTrade("u1", now.Add(-2*time.Hour), "500"), // profit is not loss
		closedTrade("u1", now.Add(-3*time.Hour), "-80"),
	)
	engine := newTestEngine(mock)

	decision := engine.Check(context.Background(), "u1", "aster", models.RiskPolicy{MaxLossPerWeekUSD: d("200")})
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonLossCap, decision.Reason)
	assert.True(t, decision.LossUSD.Equal(d("200")))

	decision = engine.Check(context.Background(), "u1", "aster", models.RiskPolicy{MaxLossPerWeekUSD: d("201")})
	assert.True(t, decision.Allowed)
}

func TestLastWeekTradesDoNotCount(t *testing.T) {
	mock := store.NewMock()
	lastWeek := WeekStart(time.Now()).Add(-time.Hour)
	mock.Trades = append(mock.Trades, closedTrade("u1", lastWeek, "-500"))
	engine := newTestEngine(mock)

	decision := engine.Check(context.Background(), "u1", "aster", models.RiskPolicy{
		MaxTradesPerWeek:  1,
		MaxLossPerWeekUSD: d("100"),
	})
	assert.True(t, decision.Allowed)
	assert.Equal(t, 0, decision.TradesUsed)
}

func TestFailOpenOnStoreError(t *testing.T) {
	mock := store.NewMock()
	mock.TradeQueryErr = errors.New("store down")
	engine := newTestEngine(mock)

	decision := engine.Check(context.Background(), "u1", "aster", models.RiskPolicy{MaxTradesPerWeek: 1})
	assert.True(t, decision.Allowed, "fail open")
	assert.True(t, decision.Degraded)
}

func TestCountersCachedUntilInvalidated(t *testing.T) {
	mock := store.NewMock()
	now := time.Now().UTC()
	mock.Trades = append(mock.Trades, closedTrade("u1", now.Add(-time.Hour), "10"))
	engine := newTestEngine(mock)
	policy := models.RiskPolicy{MaxTradesPerWeek: 2}

	assert.True(t, engine.Check(context.Background(), "u1", "aster", policy).Allowed)

	// A second trade lands but the cached counter still reads 1.
	mock.Trades = append(mock.Trades, closedTrade("u1", now, "10"))
	decision := engine.Check(context.Background(), "u1", "aster", policy)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.TradesUsed)

	engine.InvalidateOnClose(context.Background(), "u1", "aster")
	decision = engine.Check(context.Background(), "u1", "aster", policy)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 2, decision.TradesUsed)
}

func TestUnlimitedPolicySkipsQueries(t *testing.T) {
	mock := store.NewMock()
	mock.TradeQueryErr = errors.New("must not be called")
	engine := newTestEngine(mock)

	decision := engine.Check(context.Background(), "u1", "aster", models.RiskPolicy{})
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Degraded)
}
