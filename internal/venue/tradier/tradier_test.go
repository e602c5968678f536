package tradier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/venue"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(srv.URL, "tok", "ACC123", l.WithField("component", "venue"))
}

func parseForm(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	require.NoError(t, r.ParseForm())
	return r.PostForm
}

func TestPlaceMarketOrderSendsBearerAndForm(t *testing.T) {
	var form url.Values
	var auth string
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		form = parseForm(t, r)
		_, _ = w.Write([]byte(`{"order":{"id":1001,"status":"ok"}}`))
	})

	ack, err := adapter.PlaceMarketOrder(context.Background(), "AAPL", models.OrderBuy, decimal.RequireFromString("10.7"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "1001", ack.OrderID)
	assert.Equal(t, "equity", form.Get("class"))
	assert.Equal(t, "10", form.Get("quantity"), "whole shares")
	assert.Equal(t, "buy", form.Get("side"))
}

func TestOptionSymbolSwitchesToOptionClass(t *testing.T) {
	var form url.Values
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		form = parseForm(t, r)
		_, _ = w.Write([]byte(`{"order":{"id":7,"status":"ok"}}`))
	})

	_, err := adapter.PlaceMarketOrder(context.Background(), "AAPL260918C00190000", models.OrderBuy, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, "option", form.Get("class"))
	assert.Equal(t, "AAPL", form.Get("symbol"))
	assert.Equal(t, "AAPL260918C00190000", form.Get("option_symbol"))
}

func TestBracketBuildsOTOCOLegs(t *testing.T) {
	var form url.Values
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		form = parseForm(t, r)
		_, _ = w.Write([]byte(`{"order":{"id":55,"status":"ok"}}`))
	})

	ack, err := adapter.PlaceBracketOrder(context.Background(), venue.BracketSpec{
		Symbol:          "MSFT",
		Side:            models.OrderBuy,
		Quantity:        decimal.NewFromInt(5),
		EntryType:       models.OrderTypeMarket,
		TakeProfitPrice: decimal.RequireFromString("430.125"),
		StopLossPrice:   decimal.RequireFromString("410"),
	})
	require.NoError(t, err)
	assert.Equal(t, "55", ack.EntryOrderID)
	assert.Equal(t, "otoco", form.Get("class"))
	assert.Equal(t, "buy", form.Get("side[0]"))
	assert.Equal(t, "sell", form.Get("side[1]"))
	assert.Equal(t, "430.13", form.Get("price[1]"), "tick rounding")
	assert.Equal(t, "stop", form.Get("type[2]"))
	assert.Equal(t, "410", form.Get("stop[2]"))
}

func TestEmptyPositionBook(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"positions":"null"}`))
	})
	snaps, err := adapter.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSinglePositionObjectDecodes(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"positions":{"position":{"symbol":"AAPL","quantity":10,"cost_basis":1900}}}`))
	})
	snap, err := adapter.GetPosition(context.Background(), "aapl")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, models.SideLong, snap.Side)
	assert.True(t, snap.EntryPrice.Equal(decimal.NewFromInt(190)))
}

func TestCancelMapsNotFound(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"fault":"order not found"}`))
	})
	err := adapter.CancelOrder(context.Background(), "AAPL", "404404")
	assert.ErrorIs(t, err, venue.ErrOrderNotFound)
}

func TestCancelAllUnsupported(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})
	err := adapter.CancelAllOrders(context.Background(), "AAPL")
	assert.ErrorIs(t, err, venue.ErrUnsupported)
}
