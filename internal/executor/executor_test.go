package executor

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

	"github.com/patchwell/signalgate/internal/mlgate"
	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/notify"
	"github.com/patchwell/signalgate/internal/risk"
	"github.com/patchwell/signalgate/internal/settings"
	"github.com/patchwell/signalgate/internal/store"
	"github.com/patchwell/signalgate/internal/tracker"
	"github.com/patchwell/signalgate/internal/util"
	"github.com/patchwell/signalgate/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type placedOrder struct {
	kind  string // market | limit | stop | take_profit | close
	side  models.OrderSide
	qty   decimal.Decimal
	price decimal.Decimal
}

// fakeAdapter scripts a venue for the state machine: a fixed ticker, an
// optional position snapshot, and recorded order calls.
type fakeAdapter struct {
	venue.Unsupported

	caps   venue.Capabilities
	last   decimal.Decimal
	snap   *venue.PositionSnapshot
	lot    decimal.Decimal
	slErr  error
	orders []placedOrder

	cancelled  []string
	cancelAlls int
	nextID     int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		caps: venue.Capabilities{Market: true, Limit: true, StopLoss: true, TakeProfit: true},
		last: d("50000"),
		lot:  d("0.001"),
	}
}

func (f *fakeAdapter) id() string {
	f.nextID++
	return decimal.NewFromInt(int64(f.nextID)).String()
}

func (f *fakeAdapter) Name() string                        { return "fake" }
func (f *fakeAdapter) Capabilities() venue.Capabilities    { return f.caps }
func (f *fakeAdapter) CheckConnection(context.Context) error { return nil }

func (f *fakeAdapter) GetBalance(context.Context) ([]venue.Balance, error) { return nil, nil }
func (f *fakeAdapter) GetAvailableMargin(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeAdapter) GetPositions(context.Context) ([]venue.PositionSnapshot, error) {
	if f.snap == nil {
		return nil, nil
	}
	return []venue.PositionSnapshot{*f.snap}, nil
}

func (f *fakeAdapter) GetPosition(_ context.Context, symbol string) (*venue.PositionSnapshot, error) {
	if f.snap == nil || f.snap.Symbol != symbol {
		return nil, nil
	}
	cp := *f.snap
	return &cp, nil
}

func (f *fakeAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	snap, err := f.GetPosition(ctx, symbol)
	return snap != nil, err
}

func (f *fakeAdapter) GetTicker(_ context.Context, symbol string) (*venue.Ticker, error) {
	return &venue.Ticker{Symbol: symbol, Last: f.last}, nil
}

func (f *fakeAdapter) PlaceMarketOrder(_ context.Context, _ string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	f.orders = append(f.orders, placedOrder{kind: "market", side: side, qty: qty})
	return &venue.OrderAck{OrderID: f.id(), Status: "filled", AvgFillPrice: f.last}, nil
}

func (f *fakeAdapter) PlaceLimitOrder(_ context.Context, _ string, side models.OrderSide, qty, price decimal.Decimal) (*venue.OrderAck, error) {
	f.orders = append(f.orders, placedOrder{kind: "limit", side: side, qty: qty, price: price})
	return &venue.OrderAck{OrderID: f.id(), Status: "open"}, nil
}

func (f *fakeAdapter) PlaceStopLoss(_ context.Context, _ string, side models.OrderSide, qty, stopPrice, _ decimal.Decimal) (*venue.OrderAck, error) {
	if f.slErr != nil {
		return nil, f.slErr
	}
	f.orders = append(f.orders, placedOrder{kind: "stop", side: side, qty: qty, price: stopPrice})
	return &venue.OrderAck{OrderID: f.id(), Status: "open"}, nil
}

func (f *fakeAdapter) PlaceTakeProfit(_ context.Context, _ string, side models.OrderSide, qty, price decimal.Decimal) (*venue.OrderAck, error) {
	f.orders = append(f.orders, placedOrder{kind: "take_profit", side: side, qty: qty, price: price})
	return &venue.OrderAck{OrderID: f.id(), Status: "open"}, nil
}

func (f *fakeAdapter) ClosePosition(_ context.Context, _ string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	f.orders = append(f.orders, placedOrder{kind: "close", side: side, qty: qty})
	price := f.last
	if f.snap != nil && f.snap.MarkPrice.IsPositive() {
		price = f.snap.MarkPrice
	}
	return &venue.OrderAck{OrderID: f.id(), Status: "filled", FilledQty: qty, AvgFillPrice: price}, nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeAdapter) CancelAllOrders(context.Context, string) error {
	f.cancelAlls++
	return nil
}

func (f *fakeAdapter) RoundQuantity(_ context.Context, _ string, qty decimal.Decimal) (decimal.Decimal, error) {
	return util.FloorToLot(qty, f.lot), nil
}

func (f *fakeAdapter) RoundPrice(_ context.Context, _ string, price decimal.Decimal) (decimal.Decimal, error) {
	return util.RoundToTick(price, d("0.01")), nil
}

func (f *fakeAdapter) ordersOf(kind string) []placedOrder {
	var out []placedOrder
	for _, o := range f.orders {
		if o.kind == kind {
			out = append(out, o)
		}
	}
	return out
}

type fakeSource struct{ adapter venue.Adapter }

func (s fakeSource) Get(context.Context, string, string) (venue.Adapter, error) {
	return s.adapter, nil
}

type fakeGate struct {
	resp  *mlgate.ValidationResponse
	err   error
	calls int
}

func (g *fakeGate) ValidateSignal(context.Context, mlgate.ValidationRequest) (*mlgate.ValidationResponse, error) {
	g.calls++
	return g.resp, g.err
}

type harness struct {
	mock    *store.Mock
	adapter *fakeAdapter
	tracker *tracker.Tracker
	sink    *notify.StoreSink
	gate    *fakeGate
	exec    *Executor
}

func newHarness(t *testing.T, adapter *fakeAdapter) *harness {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)

	mock := store.NewMock()
	tr := tracker.New(l)
	sink := notify.NewStoreSink(mock, l)
	t.Cleanup(sink.Close)
	gate := &fakeGate{}

	exec := New(fakeSource{adapter}, tr, settings.New(mock, l), risk.New(mock, nil, l),
		gate, mock, sink, Config{ReversalSettleDelay: time.Millisecond}, l)
	return &harness{mock: mock, adapter: adapter, tracker: tr, sink: sink, gate: gate, exec: exec}
}

func buyIntent() *models.Intent {
	return &models.Intent{
		User: "u1", Venue: "aster", Action: models.ActionBuy, Symbol: "BTCUSDT",
		OrderType: models.OrderTypeMarket, PositionSizeUSD: d("1000"),
		StopLossPercent: d("5"), TakeProfitPercent: d("10"),
		Source: models.SourceWebhook,
	}
}

func TestOpenNewPlacesEntryAndSeparateLegs(t *testing.T) {
	adapter := newFakeAdapter()
	h := newHarness(t, adapter)

	res, err := h.exec.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "opened", res.Action)

	entries := adapter.ordersOf("market")
	require.Len(t, entries, 1)
	assert.Equal(t, models.OrderBuy, entries[0].side)
	assert.True(t, entries[0].qty.Equal(d("0.02")), "1000 USD at 50000 = 0.02")

	stops := adapter.ordersOf("stop")
	require.Len(t, stops, 1)
	assert.Equal(t, models.OrderSell, stops[0].side)
	assert.True(t, stops[0].price.Equal(d("47500")))

	takes := adapter.ordersOf("take_profit")
	require.Len(t, takes, 1)
	assert.True(t, takes[0].price.Equal(d("55000")))

	pos := h.tracker.Get("u1", "aster", "BTCUSDT")
	require.NotNil(t, pos)
	assert.Equal(t, models.SideLong, pos.Side)
	assert.NotEmpty(t, pos.StopLossOrderID)
	assert.NotEmpty(t, pos.TakeProfitOrderID)
	assert.False(t, pos.MissingProtection())

	stored, err := h.mock.GetPosition(context.Background(), "u1", "aster", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, pos.ID, stored.ID)

	h.sink.Close()
	assert.Len(t, h.mock.NotesOfType(models.NotifyTradeSuccess), 1)
}

func TestDuplicateSameSideSkips(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snap = &venue.PositionSnapshot{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: d("0.02"), EntryPrice: d("50000"),
	}
	h := newHarness(t, adapter)
	h.tracker.Add(&models.Position{
		User: "u1", Venue: "aster", Symbol: "BTCUSDT",
		Side: models.SideLong, Quantity: d("0.02"), EntryPrice: d("50000"),
	})

	res, err := h.exec.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.False(t, res.Success, "nothing executed")
	assert.Equal(t, "skipped", res.Action)
	assert.Contains(t, res.Message, "already open")
	assert.Empty(t, adapter.ordersOf("market"))
	assert.Empty(t, adapter.ordersOf("close"))
}

func TestReversalClosesThenReopens(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snap = &venue.PositionSnapshot{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: d("0.02"),
		EntryPrice: d("50000"), MarkPrice: d("51000"),
	}
	h := newHarness(t, adapter)
	h.tracker.Add(&models.Position{
		User: "u1", Venue: "aster", Symbol: "BTCUSDT",
		Side: models.SideLong, Quantity: d("0.02"), EntryPrice: d("50000"),
		EntryTime: time.Now().UTC().Add(-time.Hour),
	})

	in := buyIntent()
	in.Action = models.ActionSell

	res, err := h.exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "opened", res.Action)

	closes := adapter.ordersOf("close")
	require.Len(t, closes, 1)
	assert.Equal(t, models.OrderSell, closes[0].side)
	assert.True(t, closes[0].qty.Equal(d("0.02")))

	require.Len(t, h.mock.Trades, 1)
	assert.Equal(t, models.ExitReversal, h.mock.Trades[0].ExitReason)
	assert.True(t, h.mock.Trades[0].PnLUSD.Equal(d("20")), "0.02 x (51000-50000)")

	pos := h.tracker.Get("u1", "aster", "BTCUSDT")
	require.NotNil(t, pos)
	assert.Equal(t, models.SideShort, pos.Side)
}

func TestPartialCloseFloorsToLot(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snap = &venue.PositionSnapshot{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: d("0.020"),
		EntryPrice: d("50000"), MarkPrice: d("52000"),
	}
	h := newHarness(t, adapter)
	pos := &models.Position{
		User: "u1", Venue: "aster", Symbol: "BTCUSDT",
		Side: models.SideLong, Quantity: d("0.020"), EntryPrice: d("50000"),
	}
	h.tracker.Add(pos)
	require.NoError(t, h.mock.SavePosition(context.Background(), pos))

	in := &models.Intent{
		User: "u1", Venue: "aster", Action: models.ActionClose, Symbol: "BTCUSDT",
		OrderType: models.OrderTypeMarket, SellPercentage: d("25"),
	}
	res, err := h.exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "partial_close", res.Action)

	closes := adapter.ordersOf("close")
	require.Len(t, closes, 1)
	assert.True(t, closes[0].qty.Equal(d("0.005")))

	remaining := h.tracker.Get("u1", "aster", "BTCUSDT")
	require.NotNil(t, remaining)
	assert.True(t, remaining.Quantity.Equal(d("0.015")))

	stored, err := h.mock.GetPosition(context.Background(), "u1", "aster", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(d("0.015")))
}

func TestTinyPartialCloseNeverRoundsToZero(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snap = &venue.PositionSnapshot{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: d("0.003"),
		EntryPrice: d("50000"), MarkPrice: d("50000"),
	}
	h := newHarness(t, adapter)
	h.tracker.Add(&models.Position{
		User: "u1", Venue: "aster", Symbol: "BTCUSDT",
		Side: models.SideLong, Quantity: d("0.003"), EntryPrice: d("50000"),
	})

	in := &models.Intent{
		User: "u1", Venue: "aster", Action: models.ActionClose, Symbol: "BTCUSDT",
		OrderType: models.OrderTypeMarket, SellPercentage: d("10"),
	}
	res, err := h.exec.Execute(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.Success)

	closes := adapter.ordersOf("close")
	require.Len(t, closes, 1)
	assert.True(t, closes[0].qty.Equal(d("0.001")), "10%% of 0.003 floors to zero, minimum is one lot")
}

func TestRiskBreachDeniesWithOneShotNotification(t *testing.T) {
	adapter := newFakeAdapter()
	h := newHarness(t, adapter)
	h.mock.Settings["u1|aster"] = &models.VenueSettings{
		User: "u1", Venue: "aster",
		Risk: models.RiskPolicy{MaxTradesPerWeek: 2},
	}
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		h.mock.Trades = append(h.mock.Trades, models.ClosedTrade{
			User: "u1", Venue: "aster", Symbol: "BTCUSDT", ExitTime: now.Add(-time.Hour), PnLUSD: d("5"),
		})
	}

	res, err := h.exec.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeOverLimit, res.Code)
	assert.Contains(t, res.Message, "max_trades_per_week")
	assert.Empty(t, adapter.orders)

	require.Eventually(t, func() bool {
		return len(h.mock.NotesOfType(models.NotifyRiskLimit)) == 1
	}, time.Second, 10*time.Millisecond)

	// The second denial in the same week does not re-notify.
	res, err = h.exec.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, CodeOverLimit, res.Code)

	h.sink.Close()
	assert.Len(t, h.mock.NotesOfType(models.NotifyRiskLimit), 1)
}

func TestMLBlockStopsBeforeVenue(t *testing.T) {
	adapter := newFakeAdapter()
	h := newHarness(t, adapter)
	h.mock.Strategies["strat-1"] = &models.Strategy{
		ID: "strat-1", User: "u1", Status: models.StrategyActive,
		MLAssisted: true, ConfidenceThreshold: d("70"),
	}
	h.gate.resp = &mlgate.ValidationResponse{
		Confidence: d("55"),
		Reasons:    []string{"low volume regime"},
	}

	in := buyIntent()
	in.StrategyID = "strat-1"

	res, err := h.exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeBlocked, res.Code)
	assert.True(t, res.BlockedByML)
	assert.True(t, res.Confidence.Equal(d("55")))
	assert.True(t, res.Threshold.Equal(d("70")))
	assert.Empty(t, adapter.orders, "no venue call on a blocked signal")

	require.Len(t, h.mock.Validations, 1)
	assert.Equal(t, "blocked", h.mock.Validations[0].Result)

	h.sink.Close()
	assert.Len(t, h.mock.NotesOfType(models.NotifyAIBlocked), 1)
}

func TestMLTransportFailureFailsOpen(t *testing.T) {
	adapter := newFakeAdapter()
	h := newHarness(t, adapter)
	h.mock.Strategies["strat-1"] = &models.Strategy{
		ID: "strat-1", User: "u1", Status: models.StrategyActive,
		MLAssisted: true, ConfidenceThreshold: d("70"),
	}
	h.gate.err = errors.New("ml service unreachable")

	in := buyIntent()
	in.StrategyID = "strat-1"

	res, err := h.exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "opened", res.Action)

	require.Len(t, h.mock.Validations, 1)
	assert.Equal(t, "error", h.mock.Validations[0].Result)
}

func TestNothingToCloseIsBenign(t *testing.T) {
	adapter := newFakeAdapter()
	h := newHarness(t, adapter)

	in := &models.Intent{
		User: "u1", Venue: "aster", Action: models.ActionClose, Symbol: "BTCUSDT",
		OrderType: models.OrderTypeMarket,
	}
	res, err := h.exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "none", res.Action)
	assert.Empty(t, adapter.orders)
	assert.Empty(t, h.mock.Trades)
}

func TestProtectiveLegFailureKeepsEntry(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.slErr = errors.New("stop rejected")
	h := newHarness(t, adapter)

	res, err := h.exec.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.True(t, res.Success, "entry is never rolled back")

	pos := h.tracker.Get("u1", "aster", "BTCUSDT")
	require.NotNil(t, pos)
	assert.Empty(t, pos.StopLossOrderID)
	assert.NotEmpty(t, pos.TakeProfitOrderID)
	assert.True(t, pos.MissingProtection())

	h.sink.Close()
	assert.Len(t, h.mock.NotesOfType(models.NotifyProtectiveLegFailed), 1)
}

func TestEntryOutsideWindowRejected(t *testing.T) {
	adapter := newFakeAdapter()
	h := newHarness(t, adapter)

	// Pick the preset that excludes today.
	preset := models.PresetWeekend
	switch time.Now().UTC().Weekday() {
	case time.Saturday, time.Sunday:
		preset = models.Preset24x5
	}
	h.mock.Settings["u1|aster"] = &models.VenueSettings{
		User: "u1", Venue: "aster",
		Window: models.TradingWindow{Preset: preset},
	}

	res, err := h.exec.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeOutsideWindow, res.Code)
	assert.Contains(t, res.Message, "OUTSIDE_WINDOW")
	assert.Empty(t, adapter.orders)
}

// closedWindow builds a custom window guaranteed not to contain now.
func closedWindow(autoClose bool) models.TradingWindow {
	start, end := 23*60, 24*60
	if time.Now().UTC().Hour() >= 12 {
		start, end = 0, 2
	}
	return models.TradingWindow{
		Preset: models.PresetCustom, Timezone: "UTC",
		StartMinute: start, EndMinute: end,
		AutoCloseOutsideWindow: autoClose,
	}
}

func TestWindowSweepClosesFlaggedPositions(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snap = &venue.PositionSnapshot{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: d("0.02"),
		EntryPrice: d("50000"), MarkPrice: d("51000"),
	}
	h := newHarness(t, adapter)
	pos := &models.Position{
		User: "u1", Venue: "aster", Symbol: "BTCUSDT",
		Side: models.SideLong, Quantity: d("0.02"), EntryPrice: d("50000"),
	}
	h.tracker.Add(pos)
	require.NoError(t, h.mock.SavePosition(context.Background(), pos))
	h.mock.Settings["u1|aster"] = &models.VenueSettings{
		User: "u1", Venue: "aster",
		Window: closedWindow(true),
	}

	h.exec.CloseOutsideWindows(context.Background())

	closes := adapter.ordersOf("close")
	require.Len(t, closes, 1)
	assert.Equal(t, models.OrderSell, closes[0].side)
	assert.True(t, closes[0].qty.Equal(d("0.02")))

	require.Len(t, h.mock.Trades, 1)
	assert.Equal(t, models.ExitAutoCloseWindow, h.mock.Trades[0].ExitReason)
	assert.True(t, h.mock.Trades[0].PnLUSD.Equal(d("20")))

	assert.Nil(t, h.tracker.Get("u1", "aster", "BTCUSDT"))
}

func TestWindowSweepLeavesUnflaggedPositions(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snap = &venue.PositionSnapshot{
		Symbol: "BTCUSDT", Side: models.SideLong, Quantity: d("0.02"), EntryPrice: d("50000"),
	}
	h := newHarness(t, adapter)
	h.tracker.Add(&models.Position{
		User: "u1", Venue: "aster", Symbol: "BTCUSDT",
		Side: models.SideLong, Quantity: d("0.02"), EntryPrice: d("50000"),
	})
	h.mock.Settings["u1|aster"] = &models.VenueSettings{
		User: "u1", Venue: "aster",
		Window: closedWindow(false),
	}

	h.exec.CloseOutsideWindows(context.Background())

	assert.Empty(t, adapter.ordersOf("close"), "without the auto-close flag the position rides")
	assert.NotNil(t, h.tracker.Get("u1", "aster", "BTCUSDT"))
	assert.Empty(t, h.mock.Trades)
}

func TestBlacklistedSymbolRejected(t *testing.T) {
	adapter := newFakeAdapter()
	h := newHarness(t, adapter)
	h.mock.Settings["u1|aster"] = &models.VenueSettings{
		User: "u1", Venue: "aster",
		SymbolBlacklist: []string{"BTCUSDT"},
	}

	res, err := h.exec.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, CodeRejected, res.Code)
	assert.Empty(t, adapter.orders)
}
